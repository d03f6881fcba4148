package engine_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scorelog/internal/engine"
	"github.com/roach88/scorelog/internal/ir"
	"github.com/roach88/scorelog/internal/scoring"
	"github.com/roach88/scorelog/internal/store"
)

func TestReplication_PeerFollows(t *testing.T) {
	f := newFixture(t)
	a := f.open("shared")
	b := f.open("shared")
	ctx := context.Background()

	_, err := a.AppendMany(ctx, []ir.Event{addPlayer("alice"), score("s1", "alice", 3)})
	require.NoError(t, err)
	drain(t, b)

	assert.Equal(t, int64(2), b.Height())
	assert.True(t, ir.Equal(a.State(), b.State()))

	changes := b.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, engine.CauseReplicate, changes[0].Cause)
	assert.Equal(t, float64(0), gauge(b.metrics.Resyncs.WithLabelValues("gap")))
}

func TestReplication_OtherSessionsIsolated(t *testing.T) {
	f := newFixture(t)
	a := f.open("one")
	b := f.open("two")

	_, err := a.Append(context.Background(), addPlayer("alice"))
	require.NoError(t, err)
	drain(t, b)

	assert.Equal(t, int64(0), b.Height())
	assert.Empty(t, b.Changes())
}

func TestReplication_DroppedMessageConverges(t *testing.T) {
	f := newFixture(t)
	a := f.open("shared")
	b := f.open("shared")
	ctx := context.Background()

	b.faulty.DropNext(1)
	_, err := a.Append(ctx, addPlayer("alice"))
	require.NoError(t, err)
	drain(t, b)
	assert.Equal(t, int64(0), b.Height(), "peer lags until the next announcement")
	assert.Equal(t, 1, b.faulty.Dropped())

	_, err = a.Append(ctx, score("s1", "alice", 4))
	require.NoError(t, err)
	drain(t, b)

	assert.Equal(t, int64(2), b.Height())
	assert.True(t, ir.Equal(a.State(), b.State()))
}

// An announcement older than the store forces a full resync.
func TestReplication_StaleAnnouncementResyncs(t *testing.T) {
	f := newFixture(t)
	a := f.open("shared")
	b := f.open("shared")
	ctx := context.Background()

	b.faulty.Hold()
	_, err := a.Append(ctx, addPlayer("p"))
	require.NoError(t, err)
	committed(t, f.backend("shared"), []ir.Event{score("x1", "p", 1), score("x2", "p", 2)})

	require.Equal(t, 1, b.faulty.Release())
	drain(t, b)

	assert.Equal(t, int64(3), b.Height())
	assert.True(t, ir.Equal(foldAll(t, f.backend("shared")), b.State()))
	assert.Equal(t, float64(1), gauge(b.metrics.Resyncs.WithLabelValues("gap")))
}

func TestReplication_BurstCoalesces(t *testing.T) {
	f := newFixture(t)
	a := f.open("shared")
	b := f.open("shared")
	ctx := context.Background()

	b.faulty.Hold()
	for _, ev := range game(9) {
		_, err := a.Append(ctx, ev)
		require.NoError(t, err)
	}
	require.Equal(t, 10, b.faulty.Release())
	drain(t, b)

	assert.Equal(t, int64(10), b.Height())
	assert.True(t, ir.Equal(a.State(), b.State()))
	assert.LessOrEqual(t, len(b.Changes()), 10)
}

func sealAll(id string) engine.SealFunc {
	return func(in engine.SealInput) (ir.GameRecord, []ir.Event, error) {
		return ir.GameRecord{
			ID:         id,
			Title:      id,
			CreatedAt:  time.UnixMilli(in.Events[0].TS).UTC(),
			FinishedAt: time.UnixMilli(in.Events[0].TS).UTC(),
			LastSeq:    in.Height,
			Bundle:     ir.Bundle{LatestSeq: in.Height, Events: in.Events},
		}, []ir.Event{addPlayer("seed")}, nil
	}
}

func TestReplication_ResetReloadsPeer(t *testing.T) {
	f := newFixture(t)
	a := f.open("shared")
	b := f.open("shared")
	ctx := context.Background()

	_, err := a.AppendMany(ctx, game(5))
	require.NoError(t, err)
	drain(t, b)
	require.Equal(t, int64(6), b.Height())

	rec, err := a.Seal(ctx, sealAll("g1"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	drain(t, b)

	assert.Equal(t, int64(1), a.Height())
	assert.Equal(t, int64(1), b.Height())
	assert.True(t, ir.Equal(a.State(), b.State()))
	assert.Equal(t, engine.CauseReset, b.Changes()[len(b.Changes())-1].Cause)
}

// A peer that missed the reset notices the generation change on the next
// append announcement, even though the announced height is below its own.
func TestReplication_MissedResetDetectedByGeneration(t *testing.T) {
	f := newFixture(t)
	a := f.open("shared")
	b := f.open("shared")
	ctx := context.Background()

	_, err := a.AppendMany(ctx, game(5))
	require.NoError(t, err)
	drain(t, b)

	b.faulty.DropNext(1)
	_, err = a.Seal(ctx, sealAll("g1"))
	require.NoError(t, err)
	drain(t, b)
	require.Equal(t, int64(6), b.Height(), "reset was dropped")

	_, err = a.Append(ctx, addPlayer("newcomer"))
	require.NoError(t, err)
	drain(t, b)

	assert.Equal(t, int64(2), b.Height())
	assert.True(t, ir.Equal(a.State(), b.State()))
	assert.Equal(t, float64(1), gauge(b.metrics.Resyncs.WithLabelValues("generation")))
}

func TestSeal_EmptyLogIsNoop(t *testing.T) {
	f := newFixture(t)
	a := f.open("main")

	rec, err := a.Seal(context.Background(), func(engine.SealInput) (ir.GameRecord, []ir.Event, error) {
		t.Fatal("build must not run for an empty log")
		return ir.GameRecord{}, nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, rec)

	games, err := f.backend("main").ListGames(context.Background())
	require.NoError(t, err)
	assert.Empty(t, games)
}

func TestRestore_FastForwardsPeers(t *testing.T) {
	f := newFixture(t)
	a := f.open("shared")
	b := f.open("shared")
	ctx := context.Background()

	_, err := a.AppendMany(ctx, game(25))
	require.NoError(t, err)
	want := a.State()

	_, err = a.Seal(ctx, sealAll("g1"))
	require.NoError(t, err)

	rec, err := a.Restore(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", rec.ID)
	drain(t, b)

	for _, tb := range []*tab{a, b} {
		assert.Equal(t, int64(26), tb.Height())
		assert.True(t, ir.Equal(want, tb.State()))
	}

	heights, err := f.backend("shared").SnapshotHeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{20}, heights, "checkpoints are rebuilt after restore")

	_, err = a.Restore(ctx, "g1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExportImport_RoundTrip(t *testing.T) {
	f := newFixture(t)
	src := f.open("src")
	dst := f.open("dst")
	peer := f.open("dst")
	ctx := context.Background()

	_, err := src.AppendMany(ctx, game(24))
	require.NoError(t, err)

	bundle, err := src.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), bundle.LatestSeq)
	require.Len(t, bundle.Events, 25)

	data, err := json.Marshal(bundle)
	require.NoError(t, err)
	var decoded ir.Bundle
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.NoError(t, dst.Import(ctx, decoded))
	drain(t, peer)

	assert.Equal(t, int64(25), dst.Height())
	assert.True(t, ir.Equal(src.State(), dst.State()))
	assert.True(t, ir.Equal(src.State(), peer.State()))

	assert.ErrorIs(t, dst.Import(ctx, decoded), engine.ErrNotEmpty)
}

func TestImport_RejectsBadBundles(t *testing.T) {
	f := newFixture(t)
	dst := f.open("dst")
	ctx := context.Background()

	gap := ir.Bundle{LatestSeq: 2, Events: []ir.Event{
		{Seq: 1, Type: "player/added", EventID: "a", Payload: ir.Object{"playerId": ir.String("a"), "name": ir.String("A")}},
		{Seq: 3, Type: "player/added", EventID: "b", Payload: ir.Object{"playerId": ir.String("b"), "name": ir.String("B")}},
	}}
	assert.Error(t, dst.Import(ctx, gap))

	invalid := ir.Bundle{LatestSeq: 1, Events: []ir.Event{{Seq: 1, Type: "bogus", EventID: "a", Payload: ir.Object{}}}}
	assert.Error(t, dst.Import(ctx, invalid))

	assert.Equal(t, int64(0), dst.Height())
}

func TestRehydrate_SwitchesSession(t *testing.T) {
	f := newFixture(t)
	a := f.open("alpha")
	ctx := context.Background()
	_, err := a.AppendMany(ctx, game(2))
	require.NoError(t, err)

	committed(t, f.backend("beta"), []ir.Event{addPlayer("b1")})
	betaPeer := f.open("beta")
	alphaPeer := f.open("alpha")

	var phases []engine.HydrationEvent
	a.OnHydration(func(ev engine.HydrationEvent) { phases = append(phases, ev) })

	epoch, err := a.Rehydrate(ctx, engine.RehydrateOptions{Route: engine.Route{DBName: "beta"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), epoch)
	assert.Equal(t, "beta", a.DBName())
	assert.Equal(t, int64(1), a.Height())
	assert.Equal(t, []string{"b1"}, scoring.Players(a.State()))

	require.Len(t, phases, 2)
	assert.Equal(t, engine.HydrationDone, phases[1].Phase)
	assert.Equal(t, "beta", phases[1].DBName)

	_, err = a.Append(ctx, addPlayer("b2"))
	require.NoError(t, err)
	drain(t, betaPeer, alphaPeer)

	assert.Equal(t, int64(2), betaPeer.Height(), "announcements now go to the new session")
	assert.Equal(t, int64(3), alphaPeer.Height())
	assert.Empty(t, alphaPeer.Changes())
}

func TestRehydrate_Fallback(t *testing.T) {
	f := newFixture(t)
	a := f.open("alpha")
	ctx := context.Background()
	_, err := a.Append(ctx, addPlayer("p"))
	require.NoError(t, err)

	epoch, err := a.Rehydrate(ctx, engine.RehydrateOptions{Route: engine.Route{DBName: "../bad"}})
	require.Error(t, err)
	assert.Equal(t, int64(1), epoch)
	assert.Equal(t, engine.StatusReady, a.Status())
	assert.Equal(t, "alpha", a.DBName())

	epoch, err = a.Rehydrate(ctx, engine.RehydrateOptions{Route: engine.Route{DBName: "../bad"}, AllowLocalFallback: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), epoch)
	assert.Equal(t, "alpha", a.DBName())
	assert.Equal(t, int64(1), a.Height())
}

func TestAwaitHydration(t *testing.T) {
	f := newFixture(t)
	a := f.open("alpha", func(c *engine.Config) { c.HydrationTimeout = 30 * time.Millisecond })
	ctx := context.Background()

	epoch, err := a.AwaitHydration(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), epoch)

	_, err = a.AwaitHydration(ctx, 3)
	assert.ErrorIs(t, err, engine.ErrHydrationTimeout)

	done := make(chan int64, 1)
	go func() {
		e, err := a.AwaitHydration(ctx, 2)
		assert.NoError(t, err)
		done <- e
	}()
	_, err = a.Rehydrate(ctx, engine.RehydrateOptions{Route: engine.Route{DBName: "beta"}})
	require.NoError(t, err)

	select {
	case e := <-done:
		assert.Equal(t, int64(2), e)
	case <-time.After(time.Second):
		t.Fatal("AwaitHydration did not return")
	}
}

func TestDiagRegistry(t *testing.T) {
	f := newFixture(t)
	diag := engine.NewDiagRegistry()
	a := f.open("alpha", func(c *engine.Config) { c.Diag = diag })
	f.open("beta", func(c *engine.Config) { c.Diag = diag })

	_, err := a.Append(context.Background(), addPlayer("p"))
	require.NoError(t, err)

	infos := diag.Instances()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].DBName)
	assert.Equal(t, int64(1), infos[0].Height)
	assert.Equal(t, "ready", infos[1].Status)
	assert.Equal(t, ir.EngineVersion, infos[0].Version)

	rec := httptest.NewRecorder()
	diag.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/instances", nil))
	var decoded []engine.InstanceInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Len(t, decoded, 2)

	require.NoError(t, a.Close())
	assert.Len(t, diag.Instances(), 1)
}
