package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scorelog/internal/engine"
	"github.com/roach88/scorelog/internal/ir"
	"github.com/roach88/scorelog/internal/memstore"
	"github.com/roach88/scorelog/internal/replication"
	"github.com/roach88/scorelog/internal/scoring"
	"github.com/roach88/scorelog/internal/store"
	"github.com/roach88/scorelog/internal/testutil"
)

// fixture is a set of tabs sharing one memstore directory and one bus.
type fixture struct {
	t   *testing.T
	dir *memstore.Directory
	bus *replication.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{t: t, dir: memstore.NewDirectory(), bus: replication.NewBus()}
}

// tab is one open Instance plus the fault injector on its inbound side.
type tab struct {
	*engine.Instance
	faulty  *replication.Faulty
	metrics *engine.Metrics

	mu      sync.Mutex
	changes []engine.Change
}

func (tb *tab) Changes() []engine.Change {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	out := make([]engine.Change, len(tb.changes))
	copy(out, tb.changes)
	return out
}

func (f *fixture) config() engine.Config {
	return engine.Config{
		Registry:         scoring.Registry(),
		Resolver:         f.dir,
		Transport:        f.bus,
		Clock:            testutil.NewDeterministicClock(),
		IDs:              testutil.NewSequentialIDs("ev"),
		HydrationTimeout: time.Second,
	}
}

func (f *fixture) open(name string, mutate ...func(*engine.Config)) *tab {
	f.t.Helper()
	tb := &tab{metrics: engine.NewMetrics(nil)}

	cfg := f.config()
	cfg.Metrics = tb.metrics
	cfg.Transport = replication.FaultyTransport(f.bus, func(_ string, fl *replication.Faulty) {
		tb.faulty = fl
	})
	for _, m := range mutate {
		m(&cfg)
	}

	inst, err := engine.Open(context.Background(), cfg, engine.Route{DBName: name})
	require.NoError(f.t, err)
	tb.Instance = inst
	inst.Subscribe(func(c engine.Change) {
		tb.mu.Lock()
		tb.changes = append(tb.changes, c)
		tb.mu.Unlock()
	})
	f.t.Cleanup(func() { inst.Close() })
	return tb
}

func (f *fixture) backend(name string) *memstore.Store {
	f.t.Helper()
	s, err := f.dir.Store(context.Background(), name)
	require.NoError(f.t, err)
	return s
}

func drain(t *testing.T, tabs ...*tab) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, tb := range tabs {
		require.NoError(t, tb.Drain(ctx))
	}
}

func addPlayer(id string) ir.Event {
	return ir.Event{
		Type:    scoring.PlayerAdded,
		EventID: "add-" + id,
		Payload: ir.Object{"playerId": ir.String(id), "name": ir.String(id)},
	}
}

func score(eventID, player string, points int64) ir.Event {
	return ir.Event{
		Type:    scoring.ScoreAdded,
		EventID: eventID,
		Payload: ir.Object{"playerId": ir.String(player), "points": ir.Int(points)},
	}
}

// game returns a roster of one player "p" followed by n score events.
func game(n int) []ir.Event {
	evs := []ir.Event{addPlayer("p")}
	for i := 1; i <= n; i++ {
		evs = append(evs, score(fmt.Sprintf("s-%04d", i), "p", int64(i)))
	}
	return evs
}

// committed writes evs straight to the backend, as another process would,
// without any announcement.
func committed(t *testing.T, b store.Backend, evs []ir.Event) {
	t.Helper()
	for i := range evs {
		if evs[i].TS == 0 {
			evs[i].TS = testutil.Epoch
		}
	}
	_, err := b.Commit(context.Background(), evs)
	require.NoError(t, err)
}

func foldAll(t *testing.T, b store.Backend) ir.Object {
	t.Helper()
	ctx := context.Background()
	maxSeq, err := b.MaxSeq(ctx)
	require.NoError(t, err)
	evs, err := b.ReadRange(ctx, 0, maxSeq)
	require.NoError(t, err)
	return scoring.Registry().FoldAll(scoring.Initial(), evs)
}

func gauge(c prometheus.Collector) float64 {
	return promtest.ToFloat64(c)
}
