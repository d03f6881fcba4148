// Package memstore is an in-memory store.Backend built on go-memdb.
//
// Instances in one process that resolve the same name share one Store, so
// it behaves like several tabs over one browser database. Nothing survives
// the process.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-memdb"

	"github.com/roach88/scorelog/internal/ir"
	"github.com/roach88/scorelog/internal/store"
)

// Store is an in-memory backend. Write transactions are serialized by
// go-memdb, which makes seq assignment gapless.
type Store struct {
	db      *memdb.MemDB
	indexed bool
}

var _ store.Backend = (*Store)(nil)

// Option configures New.
type Option func(*Store)

// WithoutCreatedAtIndex builds the games table without its created_at
// index, the layout of stores written before the index existed.
func WithoutCreatedAtIndex() Option {
	return func(s *Store) { s.indexed = false }
}

// New returns an empty store.
func New(opts ...Option) (*Store, error) {
	s := &Store{indexed: true}
	for _, opt := range opts {
		opt(s)
	}
	db, err := memdb.NewMemDB(newSchema(s.indexed))
	if err != nil {
		return nil, fmt.Errorf("memstore: %w", err)
	}
	s.db = db
	return s, nil
}

// MustNew is New that panics on error.
func MustNew(opts ...Option) *Store {
	s, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Commit appends events in one write transaction.
func (s *Store) Commit(ctx context.Context, events []ir.Event) ([]ir.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	next, err := maxSeq(txn)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	results := make([]ir.CommitResult, len(events))
	for i, ev := range events {
		payload, err := canonical(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("commit %s: %w", ev.EventID, err)
		}

		raw, err := txn.First(tableEvents, "event_id", ev.EventID)
		if err != nil {
			return nil, fmt.Errorf("commit %s: lookup: %w", ev.EventID, err)
		}
		if raw != nil {
			row := raw.(*eventRow)
			results[i] = ir.CommitResult{
				Seq:      row.Seq,
				Conflict: row.Type != ev.Type || row.Payload != payload,
			}
			continue
		}

		next++
		row := &eventRow{SeqKey: seqKey(next), Seq: next, EventID: ev.EventID, Type: ev.Type, Payload: payload, TS: ev.TS}
		if err := txn.Insert(tableEvents, row); err != nil {
			return nil, fmt.Errorf("commit %s: insert: %w", ev.EventID, err)
		}
		results[i] = ir.CommitResult{Seq: next, Inserted: true}
	}

	txn.Commit()
	return results, nil
}

func maxSeq(txn *memdb.Txn) (int64, error) {
	raw, err := txn.Last(tableEvents, "id")
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, nil
	}
	return raw.(*eventRow).Seq, nil
}

// ReadRange returns events with fromExclusive < seq <= toInclusive.
func (s *Store) ReadRange(ctx context.Context, fromExclusive, toInclusive int64) ([]ir.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()

	events := []ir.Event{}
	if toInclusive <= fromExclusive {
		return events, nil
	}
	it, err := txn.LowerBound(tableEvents, "id", seqKey(fromExclusive+1))
	if err != nil {
		return nil, fmt.Errorf("read range: %w", err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		row := obj.(*eventRow)
		if row.Seq > toInclusive {
			break
		}
		ev, err := row.event()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r *eventRow) event() (ir.Event, error) {
	payload, err := parseObject(r.Payload)
	if err != nil {
		return ir.Event{}, fmt.Errorf("event %s: %w", r.EventID, err)
	}
	return ir.Event{Type: r.Type, Payload: payload, EventID: r.EventID, TS: r.TS, Seq: r.Seq}, nil
}

// Count returns the number of committed events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEvents, "id")
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	var n int64
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}
	return n, nil
}

// MaxSeq returns the highest committed seq.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()
	n, err := maxSeq(txn)
	if err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return n, nil
}

// PutSnapshot writes or replaces the checkpoint at snap.Height.
func (s *Store) PutSnapshot(ctx context.Context, snap ir.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := canonical(snap.State)
	if err != nil {
		return fmt.Errorf("put snapshot %d: %w", snap.Height, err)
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	top, err := maxSeq(txn)
	if err != nil {
		return fmt.Errorf("put snapshot %d: %w", snap.Height, err)
	}
	if snap.Height <= 0 || snap.Height > top {
		return fmt.Errorf("put snapshot %d: height beyond committed log", snap.Height)
	}
	value, found, err := getState(txn, store.KeyGeneration)
	if err != nil {
		return fmt.Errorf("put snapshot %d: %w", snap.Height, err)
	}
	gen, err := parseCounter(value, found)
	if err != nil {
		return fmt.Errorf("put snapshot %d: %w", snap.Height, err)
	}
	if gen != snap.Generation {
		return fmt.Errorf("put snapshot %d: generation %d, log is at %d: %w", snap.Height, snap.Generation, gen, store.ErrStale)
	}

	row := &snapshotRow{
		HeightKey:  seqKey(snap.Height),
		Height:     snap.Height,
		State:      state,
		StateHash:  snap.StateHash,
		Generation: snap.Generation,
	}
	if err := txn.Insert(tableSnapshots, row); err != nil {
		return fmt.Errorf("put snapshot %d: %w", snap.Height, err)
	}
	txn.Commit()
	return nil
}

// NearestSnapshot returns the snapshot with the greatest height <= height.
func (s *Store) NearestSnapshot(ctx context.Context, height int64) (ir.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return ir.Snapshot{}, false, err
	}
	if height <= 0 {
		return ir.Snapshot{}, false, nil
	}
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.ReverseLowerBound(tableSnapshots, "id", seqKey(height))
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("nearest snapshot %d: %w", height, err)
	}
	obj := it.Next()
	if obj == nil {
		return ir.Snapshot{}, false, nil
	}
	row := obj.(*snapshotRow)
	state, err := parseObject(row.State)
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("snapshot %d: %w", row.Height, err)
	}
	return ir.Snapshot{Height: row.Height, State: state, StateHash: row.StateHash, Generation: row.Generation}, true, nil
}

// SnapshotHeights lists stored snapshot heights, ascending.
func (s *Store) SnapshotHeights(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableSnapshots, "id")
	if err != nil {
		return nil, fmt.Errorf("snapshot heights: %w", err)
	}
	heights := []int64{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		heights = append(heights, obj.(*snapshotRow).Height)
	}
	return heights, nil
}

// GetState reads a bookkeeping document.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()
	return getState(txn, key)
}

func getState(txn *memdb.Txn, key string) (string, bool, error) {
	raw, err := txn.First(tableState, "id", key)
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	if raw == nil {
		return "", false, nil
	}
	return raw.(*stateRow).Value, true, nil
}

// PutState upserts a bookkeeping document.
func (s *Store) PutState(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableState, &stateRow{Key: key, Value: value}); err != nil {
		return fmt.Errorf("put state %s: %w", key, err)
	}
	txn.Commit()
	return nil
}

// Generation returns the log replacement counter.
func (s *Store) Generation(ctx context.Context) (int64, error) {
	value, found, err := s.GetState(ctx, store.KeyGeneration)
	if err != nil {
		return 0, err
	}
	return parseCounter(value, found)
}

// ReplaceEvents swaps the whole log for events.
func (s *Store) ReplaceEvents(ctx context.Context, events []ir.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := store.CheckContiguous(events); err != nil {
		return fmt.Errorf("replace events: %w", err)
	}

	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := replaceLog(txn, events); err != nil {
		return fmt.Errorf("replace events: %w", err)
	}
	txn.Commit()
	return nil
}

func replaceLog(txn *memdb.Txn, events []ir.Event) error {
	if _, err := txn.DeleteAll(tableEvents, "id"); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	if _, err := txn.DeleteAll(tableSnapshots, "id"); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	for _, ev := range events {
		payload, err := canonical(ev.Payload)
		if err != nil {
			return fmt.Errorf("event %s: %w", ev.EventID, err)
		}
		row := &eventRow{SeqKey: seqKey(ev.Seq), Seq: ev.Seq, EventID: ev.EventID, Type: ev.Type, Payload: payload, TS: ev.TS}
		if err := txn.Insert(tableEvents, row); err != nil {
			return fmt.Errorf("insert %s: %w", ev.EventID, err)
		}
	}

	value, found, err := getState(txn, store.KeyGeneration)
	if err != nil {
		return err
	}
	gen, err := parseCounter(value, found)
	if err != nil {
		return err
	}
	return txn.Insert(tableState, &stateRow{Key: store.KeyGeneration, Value: strconv.FormatInt(gen+1, 10)})
}

// InsertGameAndReset seals rec and starts a fresh log from seeds.
func (s *Store) InsertGameAndReset(ctx context.Context, rec ir.GameRecord, seeds []ir.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive %s: %w", rec.ID, err)
	}

	fresh := make([]ir.Event, len(seeds))
	for i, ev := range seeds {
		ev.Seq = int64(i + 1)
		fresh[i] = ev
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableGames, "id", rec.ID)
	if err != nil {
		return fmt.Errorf("archive %s: %w", rec.ID, err)
	}
	if existing != nil {
		return fmt.Errorf("archive %s: game already exists", rec.ID)
	}
	current, err := maxSeq(txn)
	if err != nil {
		return fmt.Errorf("archive %s: %w", rec.ID, err)
	}
	if current != rec.LastSeq {
		return fmt.Errorf("archive %s: max seq %d, record has %d: %w", rec.ID, current, rec.LastSeq, store.ErrStale)
	}
	row := &gameRow{ID: rec.ID, CreatedKey: createdKey(rec.CreatedAt, rec.ID), Record: string(data), CreatedAt: rec.CreatedAt}
	if err := txn.Insert(tableGames, row); err != nil {
		return fmt.Errorf("archive %s: insert game: %w", rec.ID, err)
	}
	if err := replaceLog(txn, fresh); err != nil {
		return fmt.Errorf("archive %s: %w", rec.ID, err)
	}
	if err := txn.Insert(tableState, &stateRow{Key: store.KeyLastArchivedID, Value: rec.ID}); err != nil {
		return fmt.Errorf("archive %s: record last id: %w", rec.ID, err)
	}
	txn.Commit()
	return nil
}

// RestoreGame makes the archived bundle the live log again and removes the
// record.
func (s *Store) RestoreGame(ctx context.Context, id string) (ir.GameRecord, error) {
	if err := ctx.Err(); err != nil {
		return ir.GameRecord{}, err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableGames, "id", id)
	if err != nil {
		return ir.GameRecord{}, fmt.Errorf("restore %s: %w", id, err)
	}
	if raw == nil {
		return ir.GameRecord{}, fmt.Errorf("restore %s: %w", id, store.ErrNotFound)
	}
	row := raw.(*gameRow)
	rec, err := row.record()
	if err != nil {
		return ir.GameRecord{}, fmt.Errorf("restore %s: %w", id, err)
	}
	if err := store.CheckContiguous(rec.Bundle.Events); err != nil {
		return ir.GameRecord{}, fmt.Errorf("restore %s: %w", id, err)
	}
	if err := replaceLog(txn, rec.Bundle.Events); err != nil {
		return ir.GameRecord{}, fmt.Errorf("restore %s: %w", id, err)
	}
	if err := txn.Delete(tableGames, row); err != nil {
		return ir.GameRecord{}, fmt.Errorf("restore %s: delete game: %w", id, err)
	}
	txn.Commit()
	return rec, nil
}

func (r *gameRow) record() (ir.GameRecord, error) {
	var rec ir.GameRecord
	if err := json.Unmarshal([]byte(r.Record), &rec); err != nil {
		return ir.GameRecord{}, fmt.Errorf("decode game: %w", err)
	}
	if rec.Bundle.Events == nil {
		rec.Bundle.Events = []ir.Event{}
	}
	return rec, nil
}

// ListGames returns archived games, newest createdAt first. Without the
// created_at index every row is scanned and sorted in memory.
func (s *Store) ListGames(ctx context.Context) ([]ir.GameRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()

	var (
		it  memdb.ResultIterator
		err error
	)
	if s.indexed {
		it, err = txn.GetReverse(tableGames, indexCreated)
	} else {
		it, err = txn.Get(tableGames, "id")
	}
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}

	games := []ir.GameRecord{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rec, err := obj.(*gameRow).record()
		if err != nil {
			return nil, fmt.Errorf("list games: %w", err)
		}
		games = append(games, rec)
	}
	if !s.indexed {
		store.SortGames(games)
	}
	return games, nil
}

// GetGame returns one archived game or store.ErrNotFound.
func (s *Store) GetGame(ctx context.Context, id string) (ir.GameRecord, error) {
	if err := ctx.Err(); err != nil {
		return ir.GameRecord{}, err
	}
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableGames, "id", id)
	if err != nil {
		return ir.GameRecord{}, fmt.Errorf("get game %s: %w", id, err)
	}
	if raw == nil {
		return ir.GameRecord{}, fmt.Errorf("get game %s: %w", id, store.ErrNotFound)
	}
	return raw.(*gameRow).record()
}

// DeleteGame removes an archived game or returns store.ErrNotFound.
func (s *Store) DeleteGame(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableGames, "id", id)
	if err != nil {
		return fmt.Errorf("delete game %s: %w", id, err)
	}
	if raw == nil {
		return fmt.Errorf("delete game %s: %w", id, store.ErrNotFound)
	}
	if err := txn.Delete(tableGames, raw); err != nil {
		return fmt.Errorf("delete game %s: %w", id, err)
	}
	txn.Commit()
	return nil
}

// SchemaVersion reports the layout this store emulates.
func (s *Store) SchemaVersion(context.Context) (int, error) {
	return ir.SchemaVersion, nil
}

// Close is a no-op; the data lives as long as the Store value.
func (s *Store) Close() error {
	return nil
}

func canonical(obj ir.Object) (string, error) {
	if obj == nil {
		obj = ir.Object{}
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parseObject(data string) (ir.Object, error) {
	var obj ir.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func parseCounter(value string, found bool) (int64, error) {
	if !found {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse generation %q: %w", value, err)
	}
	return n, nil
}
