package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scorelog/internal/engine"
	"github.com/roach88/scorelog/internal/ir"
	"github.com/roach88/scorelog/internal/memstore"
	"github.com/roach88/scorelog/internal/scoring"
	"github.com/roach88/scorelog/internal/store"
)

func TestOpen_EmptyStore(t *testing.T) {
	f := newFixture(t)

	var (
		mu     sync.Mutex
		phases []engine.HydrationEvent
	)
	tb := f.open("main", func(c *engine.Config) {
		c.OnHydration = func(ev engine.HydrationEvent) {
			mu.Lock()
			phases = append(phases, ev)
			mu.Unlock()
		}
	})

	assert.Equal(t, int64(0), tb.Height())
	assert.Equal(t, int64(1), tb.Epoch())
	assert.Equal(t, engine.StatusReady, tb.Status())
	assert.Equal(t, "main", tb.DBName())
	assert.Equal(t, int64(20), tb.SnapshotInterval())
	assert.True(t, ir.Equal(scoring.Initial(), tb.State()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, phases, 2)
	assert.Equal(t, engine.HydrationStart, phases[0].Phase)
	assert.Equal(t, engine.HydrationDone, phases[1].Phase)
	assert.Equal(t, int64(1), phases[1].Epoch)
}

func TestOpen_RequiresRegistryAndResolver(t *testing.T) {
	_, err := engine.Open(context.Background(), engine.Config{Resolver: memstore.NewDirectory()}, engine.Route{DBName: "x"})
	assert.Error(t, err)

	_, err = engine.Open(context.Background(), engine.Config{Registry: scoring.Registry()}, engine.Route{DBName: "x"})
	assert.Error(t, err)
}

func TestOpen_ResolveFailure(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	_, err := engine.Open(context.Background(), cfg, engine.Route{DBName: "../escape"})
	assert.Error(t, err)
}

func TestAppendMany_FoldsAndNotifiesOnce(t *testing.T) {
	f := newFixture(t)
	tb := f.open("main")
	ctx := context.Background()

	h, err := tb.AppendMany(ctx, []ir.Event{addPlayer("alice"), addPlayer("bob"), score("s1", "alice", 7)})
	require.NoError(t, err)
	assert.Equal(t, int64(3), h)
	assert.Equal(t, int64(3), tb.Height())

	changes := tb.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, engine.CauseAppend, changes[0].Cause)
	assert.Equal(t, int64(3), changes[0].Height)

	state := tb.State()
	assert.Equal(t, []string{"alice", "bob"}, scoring.Players(state))
	assert.Equal(t, int64(7), state.Object("scores").Int("alice"))
}

func TestAppend_StampsTS(t *testing.T) {
	f := newFixture(t)
	tb := f.open("main")
	ctx := context.Background()

	ev := addPlayer("alice")
	_, err := tb.Append(ctx, ev)
	require.NoError(t, err)

	ev2 := addPlayer("bob")
	ev2.TS = 42
	_, err = tb.Append(ctx, ev2)
	require.NoError(t, err)

	got, err := f.backend("main").ReadRange(ctx, 0, 2)
	require.NoError(t, err)
	assert.NotZero(t, got[0].TS)
	assert.Equal(t, int64(42), got[1].TS)
}

func TestAppend_Idempotent(t *testing.T) {
	f := newFixture(t)
	tb := f.open("main")
	ctx := context.Background()

	ev := addPlayer("alice")
	h1, err := tb.Append(ctx, ev)
	require.NoError(t, err)
	before := tb.State()

	h2, err := tb.Append(ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.True(t, ir.Equal(before, tb.State()))
	assert.Len(t, tb.Changes(), 1, "duplicate append must not notify")

	count, err := f.backend("main").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAppend_ConflictingDuplicateKeepsFirst(t *testing.T) {
	f := newFixture(t)
	tb := f.open("main")
	ctx := context.Background()

	_, err := tb.AppendMany(ctx, []ir.Event{addPlayer("alice"), score("s1", "alice", 5)})
	require.NoError(t, err)

	_, err = tb.Append(ctx, score("s1", "alice", 500))
	require.NoError(t, err)

	assert.Equal(t, int64(5), tb.State().Object("scores").Int("alice"))
}

// Two tabs create the same event at once: one row, both tabs at height 1.
func TestAppend_SameEventFromTwoTabs(t *testing.T) {
	f := newFixture(t)
	a := f.open("shared")
	b := f.open("shared")
	ctx := context.Background()

	ev := addPlayer("alice")
	var wg sync.WaitGroup
	for _, tb := range []*tab{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tb.Append(ctx, ev)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	drain(t, a, b)

	count, err := f.backend("shared").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(1), a.Height())
	assert.Equal(t, int64(1), b.Height())
	assert.True(t, ir.Equal(a.State(), b.State()))
}

func TestAppend_InvalidEvents(t *testing.T) {
	f := newFixture(t)

	var (
		mu    sync.Mutex
		diags []engine.Diagnostic
	)
	tb := f.open("main", func(c *engine.Config) {
		c.OnDiagnostic = func(d engine.Diagnostic) {
			mu.Lock()
			diags = append(diags, d)
			mu.Unlock()
		}
	})
	ctx := context.Background()

	cases := []struct {
		name string
		ev   ir.Event
		code string
	}{
		{"unknown type", ir.Event{Type: "score/doubled", EventID: "e1", Payload: ir.Object{}}, "unknown_event_type"},
		{"bad payload", ir.Event{Type: scoring.ScoreAdded, EventID: "e2", Payload: ir.Object{"playerId": ir.String("a"), "points": ir.String("ten")}}, "invalid_payload"},
		{"missing id", ir.Event{Type: scoring.PlayerAdded, Payload: ir.Object{"playerId": ir.String("a"), "name": ir.String("A")}}, "invalid_event_shape"},
		{"nil payload", ir.Event{Type: scoring.PlayerAdded, EventID: "e4"}, "invalid_event_shape"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tb.Append(ctx, tc.ev)
			require.Error(t, err)
			assert.False(t, engine.IsStorageFailure(err))

			mu.Lock()
			last := diags[len(diags)-1]
			mu.Unlock()
			assert.Equal(t, tc.code, string(last.Code))
			assert.Equal(t, tc.ev.EventID, last.EventID)
		})
	}

	// one bad event rejects the whole batch
	_, err := tb.AppendMany(ctx, []ir.Event{addPlayer("alice"), {Type: "nope", EventID: "x", Payload: ir.Object{}}})
	require.Error(t, err)

	maxSeq, err := f.backend("main").MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), maxSeq, "rejected events consume no seq")
	assert.Empty(t, tb.Changes())

	_, err = tb.Append(ctx, addPlayer("alice"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), tb.Height())
}

func TestAppend_CatchesUpOnForeignCommits(t *testing.T) {
	f := newFixture(t)
	tb := f.open("main")
	ctx := context.Background()

	committed(t, f.backend("main"), game(4))

	h, err := tb.Append(ctx, score("mine", "p", 100))
	require.NoError(t, err)
	assert.Equal(t, int64(6), h)
	assert.True(t, ir.Equal(foldAll(t, f.backend("main")), tb.State()))
	assert.Len(t, tb.Changes(), 1)
}

func TestFoldEquivalence(t *testing.T) {
	f := newFixture(t)
	tb := f.open("main")
	ctx := context.Background()

	evs := game(56)
	for _, ev := range evs {
		_, err := tb.Append(ctx, ev)
		require.NoError(t, err)
	}

	want := scoring.Registry().FoldAll(scoring.Initial(), evs)
	assert.True(t, ir.Equal(want, tb.State()))

	fresh := f.open("main")
	assert.Equal(t, int64(57), fresh.Height())
	assert.True(t, ir.Equal(want, fresh.State()))
}

func TestSnapshots_WrittenAtIntervalAndBoundReplay(t *testing.T) {
	f := newFixture(t)
	tb := f.open("main")
	ctx := context.Background()

	_, err := tb.AppendMany(ctx, game(44))
	require.NoError(t, err)

	heights, err := f.backend("main").SnapshotHeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 40}, heights)
	assert.Equal(t, float64(2), gauge(tb.metrics.SnapshotsWritten))

	reopened := f.open("main")
	assert.Equal(t, int64(45), reopened.Height())
	assert.Equal(t, float64(5), gauge(reopened.metrics.ReplayedEvents), "reload replays only past the last checkpoint")
	assert.True(t, ir.Equal(tb.State(), reopened.State()))
}

// 990 events on disk pick interval 20 at open; ten more land a checkpoint
// exactly at 1000.
func TestSnapshots_IntervalChosenAtOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	committed(t, f.backend("main"), game(989))

	tb := f.open("main")
	require.Equal(t, int64(990), tb.Height())
	require.Equal(t, int64(20), tb.SnapshotInterval())

	for i := 0; i < 10; i++ {
		_, err := tb.Append(ctx, score("late-"+string(rune('a'+i)), "p", 1))
		require.NoError(t, err)
	}

	snap, found, err := f.backend("main").NearestSnapshot(ctx, 1000)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1000), snap.Height)
	assert.True(t, ir.Equal(tb.State(), snap.State))
	assert.Equal(t, int64(20), tb.SnapshotInterval(), "interval is not re-chosen as the log grows")
}

func TestLoad_SkipsCorruptSnapshot(t *testing.T) {
	f := newFixture(t)
	tb := f.open("main")
	ctx := context.Background()
	b := f.backend("main")

	_, err := tb.AppendMany(ctx, game(44))
	require.NoError(t, err)

	bogus := ir.Object{"players": ir.Array{}, "scores": ir.Object{}, "rounds": ir.Int(99), "mode": ir.String("")}
	require.NoError(t, b.PutSnapshot(ctx, ir.Snapshot{Height: 40, State: bogus, StateHash: "deadbeef"}))

	reopened := f.open("main")
	assert.True(t, ir.Equal(tb.State(), reopened.State()))
	assert.Equal(t, float64(1), gauge(reopened.metrics.SnapshotsRejected))

	snap, found, err := b.NearestSnapshot(ctx, 40)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, ir.MustStateHash(snap.State), snap.StateHash, "reload rewrites the bad checkpoint")
}

func TestLoad_CheckpointsCarryGeneration(t *testing.T) {
	f := newFixture(t)
	tb := f.open("main")
	ctx := context.Background()
	b := f.backend("main")

	_, err := tb.AppendMany(ctx, game(44))
	require.NoError(t, err)
	snap, found, err := b.NearestSnapshot(ctx, 45)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(0), snap.Generation)

	evs, err := b.ReadRange(ctx, 0, 45)
	require.NoError(t, err)
	require.NoError(t, b.ReplaceEvents(ctx, evs))

	reopened := f.open("main")
	assert.True(t, ir.Equal(tb.State(), reopened.State()))
	snap, found, err = b.NearestSnapshot(ctx, 45)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(40), snap.Height)
	assert.Equal(t, int64(1), snap.Generation, "reload checkpoints the replaced log")

	stale := ir.Snapshot{Height: 20, State: snap.State, StateHash: snap.StateHash}
	assert.ErrorIs(t, b.PutSnapshot(ctx, stale), store.ErrStale)
}

func TestPreviewAt(t *testing.T) {
	f := newFixture(t)
	tb := f.open("main")
	ctx := context.Background()

	evs := game(29)
	_, err := tb.AppendMany(ctx, evs)
	require.NoError(t, err)

	state, h, err := tb.PreviewAt(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), h)
	assert.True(t, ir.Equal(scoring.Registry().FoldAll(scoring.Initial(), evs[:10]), state))

	state, h, err = tb.PreviewAt(ctx, -5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), h)
	assert.True(t, ir.Equal(scoring.Initial(), state))

	_, h, err = tb.PreviewAt(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(30), h)

	assert.Equal(t, int64(30), tb.Height(), "preview leaves the live projection alone")
	assert.Len(t, tb.Changes(), 1)
}

func TestClose_Idempotent(t *testing.T) {
	f := newFixture(t)
	tb := f.open("main")
	ctx := context.Background()

	_, err := tb.Append(ctx, addPlayer("alice"))
	require.NoError(t, err)

	require.NoError(t, tb.Close())
	require.NoError(t, tb.Close())
	assert.Equal(t, engine.StatusClosed, tb.Status())

	_, err = tb.Append(ctx, addPlayer("bob"))
	assert.ErrorIs(t, err, engine.ErrClosed)
	_, err = tb.AwaitHydration(ctx, 0)
	assert.ErrorIs(t, err, engine.ErrClosed)
	_, _, err = tb.PreviewAt(ctx, 1)
	assert.ErrorIs(t, err, engine.ErrClosed)
	assert.ErrorIs(t, tb.Drain(ctx), engine.ErrClosed)

	assert.Equal(t, int64(1), tb.Height(), "last projection stays readable")
}

func TestUnsubscribe(t *testing.T) {
	f := newFixture(t)
	tb := f.open("main")
	ctx := context.Background()

	calls := 0
	unsub := tb.Subscribe(func(engine.Change) { calls++ })
	_, err := tb.Append(ctx, addPlayer("alice"))
	require.NoError(t, err)
	unsub()
	unsub()
	_, err = tb.Append(ctx, addPlayer("bob"))
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

// failingBackend fails every Commit.
type failingBackend struct {
	store.Backend
}

func (failingBackend) Commit(context.Context, []ir.Event) ([]ir.CommitResult, error) {
	return nil, errors.New("disk full")
}

func TestAppend_StorageFailure(t *testing.T) {
	inner := memstore.MustNew()
	cfg := newFixture(t).config()
	cfg.Resolver = store.ResolverFunc(func(context.Context, string) (store.Backend, error) {
		return failingBackend{inner}, nil
	})

	inst, err := engine.Open(context.Background(), cfg, engine.Route{DBName: "main"})
	require.NoError(t, err)
	defer inst.Close()

	_, err = inst.Append(context.Background(), addPlayer("alice"))
	require.Error(t, err)
	assert.True(t, engine.IsStorageFailure(err))
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, int64(0), inst.Height())
}

func TestAppend_ContextCancelledWaitingForSlot(t *testing.T) {
	f := newFixture(t)
	tb := f.open("main")

	block := make(chan struct{})
	entered := make(chan struct{})
	tb.Subscribe(func(engine.Change) {
		close(entered)
		<-block
	})
	go tb.Append(context.Background(), addPlayer("alice"))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tb.Append(ctx, addPlayer("bob"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}
