package memstore

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
)

const (
	tableEvents    = "events"
	tableState     = "state"
	tableSnapshots = "snapshots"
	tableGames     = "games"

	indexCreated = "created_at"
)

// go-memdb's integer indexes encode as varints, which do not sort
// numerically. Heights and timestamps are indexed as zero-padded strings.
func seqKey(n int64) string {
	return fmt.Sprintf("%020d", n)
}

func createdKey(t time.Time, id string) string {
	return fmt.Sprintf("%020d/%s", t.UnixMilli(), id)
}

type eventRow struct {
	SeqKey  string
	Seq     int64
	EventID string
	Type    string
	Payload string // canonical JSON
	TS      int64
}

type stateRow struct {
	Key   string
	Value string
}

type snapshotRow struct {
	HeightKey  string
	Height     int64
	State      string // canonical JSON
	StateHash  string
	Generation int64
}

type gameRow struct {
	ID         string
	CreatedKey string
	Record     string // JSON-encoded ir.GameRecord
	CreatedAt  time.Time
}

func newSchema(createdIndex bool) *memdb.DBSchema {
	games := map[string]*memdb.IndexSchema{
		"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
	}
	if createdIndex {
		games[indexCreated] = &memdb.IndexSchema{
			Name:    indexCreated,
			Unique:  true,
			Indexer: &memdb.StringFieldIndex{Field: "CreatedKey"},
		}
	}

	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableEvents: {
				Name: tableEvents,
				Indexes: map[string]*memdb.IndexSchema{
					"id":       {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "SeqKey"}},
					"event_id": {Name: "event_id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "EventID"}},
				},
			},
			tableState: {
				Name: tableState,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Key"}},
				},
			},
			tableSnapshots: {
				Name: tableSnapshots,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "HeightKey"}},
				},
			},
			tableGames: {
				Name:    tableGames,
				Indexes: games,
			},
		},
	}
}
