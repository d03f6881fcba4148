// Package storetest is a conformance suite for store.Backend
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scorelog/internal/ir"
	"github.com/roach88/scorelog/internal/store"
)

// Factory returns a fresh, empty backend. The suite closes nothing; register
// cleanup in the factory.
type Factory func(t *testing.T) store.Backend

// Event builds a test event.
func Event(id, typ string, payload ir.Object) ir.Event {
	if payload == nil {
		payload = ir.Object{}
	}
	return ir.Event{Type: typ, EventID: id, Payload: payload, TS: 1_700_000_000_000}
}

// Events builds n events with ids prefix-1..prefix-n.
func Events(prefix string, n int) []ir.Event {
	out := make([]ir.Event, n)
	for i := range out {
		out[i] = Event(fmt.Sprintf("%s-%d", prefix, i+1), "test/tick", ir.Object{"i": ir.Int(int64(i + 1))})
	}
	return out
}

// Run executes every conformance test against backends from newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b store.Backend)
	}{
		{"CommitAssignsGaplessSeqs", testCommitAssignsGaplessSeqs},
		{"CommitIdempotent", testCommitIdempotent},
		{"CommitDuplicateWithinBatch", testCommitDuplicateWithinBatch},
		{"CommitConflictFirstWriteWins", testCommitConflictFirstWriteWins},
		{"ReadRange", testReadRange},
		{"Snapshots", testSnapshots},
		{"SnapshotBeyondLogRejected", testSnapshotBeyondLogRejected},
		{"SnapshotGeneration", testSnapshotGeneration},
		{"StringsStoredNFC", testStringsStoredNFC},
		{"State", testState},
		{"ReplaceEvents", testReplaceEvents},
		{"ReplaceEventsRejectsGaps", testReplaceEventsRejectsGaps},
		{"InsertGameAndReset", testInsertGameAndReset},
		{"InsertGameAndResetStale", testInsertGameAndResetStale},
		{"RestoreGame", testRestoreGame},
		{"ListGamesNewestFirst", testListGamesNewestFirst},
		{"GameNotFound", testGameNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

func testCommitAssignsGaplessSeqs(t *testing.T, b store.Backend) {
	ctx := context.Background()

	res, err := b.Commit(ctx, Events("a", 3))
	require.NoError(t, err)
	require.Len(t, res, 3)
	for i, r := range res {
		assert.Equal(t, int64(i+1), r.Seq)
		assert.True(t, r.Inserted)
	}

	res, err = b.Commit(ctx, Events("b", 2))
	require.NoError(t, err)
	assert.Equal(t, int64(4), res[0].Seq)
	assert.Equal(t, int64(5), res[1].Seq)

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	maxSeq, err := b.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), maxSeq)
}

func testCommitIdempotent(t *testing.T, b store.Backend) {
	ctx := context.Background()
	ev := Event("e1", "test/tick", ir.Object{"i": ir.Int(1)})

	first, err := b.Commit(ctx, []ir.Event{ev})
	require.NoError(t, err)
	second, err := b.Commit(ctx, []ir.Event{ev})
	require.NoError(t, err)

	assert.Equal(t, first[0].Seq, second[0].Seq)
	assert.True(t, first[0].Inserted)
	assert.False(t, second[0].Inserted)
	assert.False(t, second[0].Conflict)

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "exactly one row for the eventId")
}

func testCommitDuplicateWithinBatch(t *testing.T, b store.Backend) {
	ctx := context.Background()
	ev := Event("dup", "test/tick", nil)

	res, err := b.Commit(ctx, []ir.Event{ev, Event("other", "test/tick", nil), ev})
	require.NoError(t, err)
	assert.Equal(t, []ir.CommitResult{
		{Seq: 1, Inserted: true},
		{Seq: 2, Inserted: true},
		{Seq: 1},
	}, res)
}

func testCommitConflictFirstWriteWins(t *testing.T, b store.Backend) {
	ctx := context.Background()

	_, err := b.Commit(ctx, []ir.Event{Event("e1", "test/tick", ir.Object{"i": ir.Int(1)})})
	require.NoError(t, err)
	res, err := b.Commit(ctx, []ir.Event{Event("e1", "test/tick", ir.Object{"i": ir.Int(2)})})
	require.NoError(t, err)
	assert.Equal(t, ir.CommitResult{Seq: 1, Conflict: true}, res[0])

	evs, err := b.ReadRange(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, int64(1), evs[0].Payload.Int("i"))
}

func testReadRange(t *testing.T, b store.Backend) {
	ctx := context.Background()
	in := Events("r", 5)
	_, err := b.Commit(ctx, in)
	require.NoError(t, err)

	evs, err := b.ReadRange(ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(2), evs[0].Seq)
	assert.Equal(t, "r-2", evs[0].EventID)
	assert.Equal(t, "test/tick", evs[0].Type)
	assert.Equal(t, in[1].TS, evs[0].TS)
	assert.True(t, ir.Equal(in[1].Payload, evs[0].Payload))
	assert.Equal(t, int64(3), evs[1].Seq)

	empty, err := b.ReadRange(ctx, 5, 10)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func testSnapshots(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.Commit(ctx, Events("s", 45))
	require.NoError(t, err)

	_, found, err := b.NearestSnapshot(ctx, 45)
	require.NoError(t, err)
	assert.False(t, found)

	for _, h := range []int64{20, 40} {
		state := ir.Object{"h": ir.Int(h)}
		require.NoError(t, b.PutSnapshot(ctx, ir.Snapshot{Height: h, State: state, StateHash: ir.MustStateHash(state)}))
	}
	// overwrite is idempotent
	state := ir.Object{"h": ir.Int(20)}
	require.NoError(t, b.PutSnapshot(ctx, ir.Snapshot{Height: 20, State: state, StateHash: ir.MustStateHash(state)}))

	snap, found, err := b.NearestSnapshot(ctx, 39)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(20), snap.Height)
	assert.Equal(t, int64(20), snap.State.Int("h"))
	assert.Equal(t, ir.MustStateHash(state), snap.StateHash)

	snap, found, err = b.NearestSnapshot(ctx, 45)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(40), snap.Height)

	_, found, err = b.NearestSnapshot(ctx, 19)
	require.NoError(t, err)
	assert.False(t, found)

	heights, err := b.SnapshotHeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{20, 40}, heights)
}

func testSnapshotBeyondLogRejected(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.Commit(ctx, Events("x", 3))
	require.NoError(t, err)

	err = b.PutSnapshot(ctx, ir.Snapshot{Height: 4, State: ir.Object{}, StateHash: ir.MustStateHash(ir.Object{})})
	assert.Error(t, err)
	err = b.PutSnapshot(ctx, ir.Snapshot{Height: 0, State: ir.Object{}, StateHash: ir.MustStateHash(ir.Object{})})
	assert.Error(t, err)
}

func testSnapshotGeneration(t *testing.T, b store.Backend) {
	ctx := context.Background()
	evs := Events("g", 25)
	_, err := b.Commit(ctx, evs)
	require.NoError(t, err)
	for i := range evs {
		evs[i].Seq = int64(i + 1)
	}
	require.NoError(t, b.ReplaceEvents(ctx, evs))

	state := ir.Object{"h": ir.Int(20)}
	err = b.PutSnapshot(ctx, ir.Snapshot{Height: 20, State: state, StateHash: ir.MustStateHash(state), Generation: 0})
	assert.ErrorIs(t, err, store.ErrStale, "checkpoint from the replaced log")
	heights, err := b.SnapshotHeights(ctx)
	require.NoError(t, err)
	assert.Empty(t, heights)

	require.NoError(t, b.PutSnapshot(ctx, ir.Snapshot{Height: 20, State: state, StateHash: ir.MustStateHash(state), Generation: 1}))
	snap, found, err := b.NearestSnapshot(ctx, 25)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), snap.Generation)
}

func testStringsStoredNFC(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.Commit(ctx, []ir.Event{Event("nfc-1", "test/name", ir.Object{"name": ir.String("e\u0301")})})
	require.NoError(t, err)

	got, err := b.ReadRange(ctx, 0, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "\u00e9", got[0].Payload.String("name"), "decomposed input reads back composed")

	state := ir.Object{"name": ir.String("e\u0301")}
	require.NoError(t, b.PutSnapshot(ctx, ir.Snapshot{Height: 1, State: state, StateHash: ir.MustStateHash(state)}))
	snap, found, err := b.NearestSnapshot(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "\u00e9", snap.State.String("name"))
}

func testState(t *testing.T, b store.Backend) {
	ctx := context.Background()

	_, found, err := b.GetState(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, b.PutState(ctx, "k", "v1"))
	require.NoError(t, b.PutState(ctx, "k", "v2"))
	v, found, err := b.GetState(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v2", v)

	gen, err := b.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), gen)
}

func testReplaceEvents(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, err := b.Commit(ctx, Events("old", 25))
	require.NoError(t, err)
	state := ir.Object{}
	require.NoError(t, b.PutSnapshot(ctx, ir.Snapshot{Height: 20, State: state, StateHash: ir.MustStateHash(state)}))

	evs := Events("new", 3)
	for i := range evs {
		evs[i].Seq = int64(i + 1)
	}
	require.NoError(t, b.ReplaceEvents(ctx, evs))

	got, err := b.ReadRange(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "new-1", got[0].EventID)

	heights, err := b.SnapshotHeights(ctx)
	require.NoError(t, err)
	assert.Empty(t, heights)

	gen, err := b.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)

	// old ids are free again
	res, err := b.Commit(ctx, []ir.Event{Event("old-1", "test/tick", nil)})
	require.NoError(t, err)
	assert.Equal(t, ir.CommitResult{Seq: 4, Inserted: true}, res[0])
}

func testReplaceEventsRejectsGaps(t *testing.T, b store.Backend) {
	ctx := context.Background()
	evs := Events("g", 2)
	evs[0].Seq, evs[1].Seq = 1, 3

	err := b.ReplaceEvents(ctx, evs)
	var gap *store.GapError
	assert.True(t, errors.As(err, &gap))
}

func sampleRecord(id string, created time.Time, events []ir.Event) ir.GameRecord {
	return ir.GameRecord{
		ID:         id,
		Title:      "game " + id,
		CreatedAt:  created,
		FinishedAt: created.Add(time.Hour),
		LastSeq:    int64(len(events)),
		Summary: ir.Summary{
			WinnerID: "bob",
			Scores:   map[string]int64{"ann": 5, "bob": 8},
			Players:  []string{"ann", "bob"},
			Rounds:   1,
			Meta:     ir.Object{"margin": ir.Int(3)},
		},
		Bundle: ir.Bundle{LatestSeq: int64(len(events)), Events: events},
	}
}

func committed(t *testing.T, b store.Backend, evs []ir.Event) []ir.Event {
	t.Helper()
	ctx := context.Background()
	_, err := b.Commit(ctx, evs)
	require.NoError(t, err)
	out, err := b.ReadRange(ctx, 0, int64(len(evs)))
	require.NoError(t, err)
	return out
}

func testInsertGameAndReset(t *testing.T, b store.Backend) {
	ctx := context.Background()
	log := committed(t, b, Events("live", 30))
	rec := sampleRecord("g1", time.UnixMilli(1_700_000_000_000).UTC(), log)

	seeds := []ir.Event{Event("seed-1", "test/roster", nil), Event("seed-2", "test/roster", nil)}
	require.NoError(t, b.InsertGameAndReset(ctx, rec, seeds))

	got, err := b.ReadRange(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, "seed-1", got[0].EventID)
	assert.Equal(t, int64(2), got[1].Seq)

	stored, err := b.GetGame(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, rec.Title, stored.Title)
	assert.True(t, rec.CreatedAt.Equal(stored.CreatedAt))
	assert.Equal(t, rec.Summary, stored.Summary)
	assert.Equal(t, rec.Bundle.LatestSeq, stored.Bundle.LatestSeq)
	require.Len(t, stored.Bundle.Events, 30)
	assert.Equal(t, log[29].EventID, stored.Bundle.Events[29].EventID)

	last, found, err := b.GetState(ctx, store.KeyLastArchivedID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "g1", last)

	gen, err := b.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)

	// duplicate id fails atomically and leaves the fresh log alone
	err = b.InsertGameAndReset(ctx, rec, nil)
	assert.Error(t, err)
	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func testInsertGameAndResetStale(t *testing.T, b store.Backend) {
	ctx := context.Background()
	log := committed(t, b, Events("live", 3))
	rec := sampleRecord("g1", time.UnixMilli(1_700_000_000_000).UTC(), log)

	_, err := b.Commit(ctx, []ir.Event{Event("late", "test/tick", ir.Object{"i": ir.Int(4)})})
	require.NoError(t, err)

	err = b.InsertGameAndReset(ctx, rec, nil)
	assert.ErrorIs(t, err, store.ErrStale)

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
	_, err = b.GetGame(ctx, "g1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRestoreGame(t *testing.T, b store.Backend) {
	ctx := context.Background()
	log := committed(t, b, Events("live", 5))
	rec := sampleRecord("g1", time.UnixMilli(1_700_000_000_000).UTC(), log)
	require.NoError(t, b.InsertGameAndReset(ctx, rec, nil))

	restored, err := b.RestoreGame(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", restored.ID)

	got, err := b.ReadRange(ctx, 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := range log {
		assert.Equal(t, log[i].EventID, got[i].EventID)
		assert.Equal(t, log[i].Seq, got[i].Seq)
		assert.True(t, ir.Equal(log[i].Payload, got[i].Payload))
	}

	_, err = b.GetGame(ctx, "g1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	gen, err := b.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), gen)

	_, err = b.RestoreGame(ctx, "g1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListGamesNewestFirst(t *testing.T, b store.Backend) {
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000).UTC()

	for i, id := range []string{"g-old", "g-new", "g-mid"} {
		offset := []time.Duration{0, 2 * time.Hour, time.Hour}[i]
		log := committed(t, b, Events(id, 2))
		require.NoError(t, b.InsertGameAndReset(ctx, sampleRecord(id, base.Add(offset), log), nil))
	}

	games, err := b.ListGames(ctx)
	require.NoError(t, err)
	require.Len(t, games, 3)
	assert.Equal(t, "g-new", games[0].ID)
	assert.Equal(t, "g-mid", games[1].ID)
	assert.Equal(t, "g-old", games[2].ID)
}

func testGameNotFound(t *testing.T, b store.Backend) {
	ctx := context.Background()

	_, err := b.GetGame(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, b.DeleteGame(ctx, "missing"), store.ErrNotFound)

	games, err := b.ListGames(ctx)
	require.NoError(t, err)
	assert.Empty(t, games)
}
