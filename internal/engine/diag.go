package engine

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
)

// InstanceInfo is the debug view of one live Instance.
type InstanceInfo struct {
	ID       uint64 `json:"id"`
	DBName   string `json:"dbName"`
	Status   string `json:"status"`
	Height   int64  `json:"height"`
	Epoch    int64  `json:"epoch"`
	Interval int64  `json:"snapshotInterval"`
	Version  string `json:"engineVersion"`
}

// DiagRegistry tracks open Instances for debugging. Instances register
// themselves when one is set in Config and drop out on Close.
type DiagRegistry struct {
	mu        sync.Mutex
	instances map[uint64]*Instance
	next      uint64
}

// NewDiagRegistry creates an empty registry.
func NewDiagRegistry() *DiagRegistry {
	return &DiagRegistry{instances: make(map[uint64]*Instance)}
}

func (d *DiagRegistry) add(inst *Instance) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.instances[d.next] = inst
	return d.next
}

func (d *DiagRegistry) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.instances, id)
}

// Instances returns a snapshot of every registered Instance, ordered by
// registration.
func (d *DiagRegistry) Instances() []InstanceInfo {
	d.mu.Lock()
	ids := make([]uint64, 0, len(d.instances))
	insts := make(map[uint64]*Instance, len(d.instances))
	for id, inst := range d.instances {
		ids = append(ids, id)
		insts[id] = inst
	}
	d.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]InstanceInfo, 0, len(ids))
	for _, id := range ids {
		info := insts[id].info()
		info.ID = id
		out = append(out, info)
	}
	return out
}

// ServeHTTP writes Instances as JSON.
func (d *DiagRegistry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d.Instances()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
