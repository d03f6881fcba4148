package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/scorelog/internal/ir"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStale is returned by InsertGameAndReset when the log grew past
// rec.LastSeq after the record was built, and by PutSnapshot when the
// snapshot belongs to an earlier log generation.
var ErrStale = errors.New("log changed since record was built")

// State keys used by the store itself.
const (
	// KeyGeneration counts whole-log replacements (archive, restore,
	// import). Readers compare it to notice a reset they missed.
	KeyGeneration = "generation"

	// KeyLastArchivedID holds the id of the most recent archived game.
	KeyLastArchivedID = "last_archived_id"
)

// Backend is the persistence contract for one session log: the events,
// state, snapshots and games collections. *Store (SQLite) and
// memstore.Store implement it.
type Backend interface {
	// Commit appends events in one transaction. An event whose eventId
	// already exists is not written again; its result carries the existing
	// seq and Inserted=false.
	Commit(ctx context.Context, events []ir.Event) ([]ir.CommitResult, error)

	// ReadRange returns events with fromExclusive < seq <= toInclusive,
	// ordered by seq.
	ReadRange(ctx context.Context, fromExclusive, toInclusive int64) ([]ir.Event, error)

	Count(ctx context.Context) (int64, error)
	MaxSeq(ctx context.Context) (int64, error)

	// PutSnapshot writes or overwrites the snapshot at snap.Height. Heights
	// beyond the current max seq are rejected, as is a snap.Generation other
	// than the current one (ErrStale).
	PutSnapshot(ctx context.Context, snap ir.Snapshot) error

	// NearestSnapshot returns the snapshot with the greatest height <= height.
	// found is false when there is none.
	NearestSnapshot(ctx context.Context, height int64) (snap ir.Snapshot, found bool, err error)

	// SnapshotHeights lists stored snapshot heights in ascending order.
	SnapshotHeights(ctx context.Context) ([]int64, error)

	GetState(ctx context.Context, key string) (value string, found bool, err error)
	PutState(ctx context.Context, key, value string) error

	// Generation returns the current KeyGeneration counter (0 if unset).
	Generation(ctx context.Context) (int64, error)

	// ReplaceEvents swaps the whole log for events, which must carry seqs
	// 1..n in order. Snapshots are cleared and the generation bumped.
	ReplaceEvents(ctx context.Context, events []ir.Event) error

	// InsertGameAndReset stores rec, clears the log and snapshots, then
	// writes seeds as seqs 1..n. One transaction. Fails with ErrStale if
	// the log's max seq is no longer rec.LastSeq.
	InsertGameAndReset(ctx context.Context, rec ir.GameRecord, seeds []ir.Event) error

	// RestoreGame replaces the log with the record's bundle and deletes the
	// record. One transaction.
	RestoreGame(ctx context.Context, id string) (ir.GameRecord, error)

	// ListGames returns archived games, newest createdAt first.
	ListGames(ctx context.Context) ([]ir.GameRecord, error)
	GetGame(ctx context.Context, id string) (ir.GameRecord, error)
	DeleteGame(ctx context.Context, id string) error

	SchemaVersion(ctx context.Context) (int, error)
	Close() error
}

// Resolver maps a session name to its backend.
type Resolver interface {
	Resolve(ctx context.Context, dbName string) (Backend, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, dbName string) (Backend, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(ctx context.Context, dbName string) (Backend, error) {
	return f(ctx, dbName)
}

// CheckContiguous verifies events carry seqs 1..n in order.
func CheckContiguous(events []ir.Event) error {
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			return &GapError{Index: i, Want: int64(i + 1), Got: ev.Seq}
		}
	}
	return nil
}

// GapError reports a non-contiguous event list.
type GapError struct {
	Index int
	Want  int64
	Got   int64
}

func (e *GapError) Error() string {
	return fmt.Sprintf("events not contiguous: index %d has seq %d, want %d", e.Index, e.Got, e.Want)
}
