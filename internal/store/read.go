package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/scorelog/internal/ir"
)

// ReadRange returns events with fromExclusive < seq <= toInclusive,
// ordered by seq. Returns an empty slice (not nil) if the range is empty.
func (s *Store) ReadRange(ctx context.Context, fromExclusive, toInclusive int64) ([]ir.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_id, type, payload, ts
		FROM events
		WHERE seq > ? AND seq <= ?
		ORDER BY seq ASC
	`, fromExclusive, toInclusive)
	if err != nil {
		return nil, fmt.Errorf("read range: %w", err)
	}
	defer rows.Close()

	events := []ir.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (ir.Event, error) {
	var (
		ev      ir.Event
		payload string
	)
	if err := rows.Scan(&ev.Seq, &ev.EventID, &ev.Type, &payload, &ev.TS); err != nil {
		return ir.Event{}, fmt.Errorf("scan event: %w", err)
	}
	obj, err := unmarshalObject(payload)
	if err != nil {
		return ir.Event{}, fmt.Errorf("event %s: %w", ev.EventID, err)
	}
	ev.Payload = obj
	return ev, nil
}

// Count returns the number of committed events.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// MaxSeq returns the highest committed seq, or 0 for an empty log.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return n, nil
}

// NearestSnapshot returns the snapshot with the greatest height <= height.
func (s *Store) NearestSnapshot(ctx context.Context, height int64) (ir.Snapshot, bool, error) {
	var (
		snap  ir.Snapshot
		state string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT height, state, state_hash, generation
		FROM snapshots
		WHERE height <= ?
		ORDER BY height DESC
		LIMIT 1
	`, height).Scan(&snap.Height, &state, &snap.StateHash, &snap.Generation)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Snapshot{}, false, nil
	}
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("nearest snapshot %d: %w", height, err)
	}

	obj, err := unmarshalObject(state)
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("snapshot %d: %w", snap.Height, err)
	}
	snap.State = obj
	return snap, true, nil
}

// SnapshotHeights lists stored snapshot heights, ascending.
func (s *Store) SnapshotHeights(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT height FROM snapshots ORDER BY height ASC")
	if err != nil {
		return nil, fmt.Errorf("snapshot heights: %w", err)
	}
	defer rows.Close()

	heights := []int64{}
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan snapshot height: %w", err)
		}
		heights = append(heights, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot heights: %w", err)
	}
	return heights, nil
}

// GetState reads a bookkeeping document.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return value, true, nil
}

// Generation returns the log replacement counter.
func (s *Store) Generation(ctx context.Context) (int64, error) {
	value, found, err := s.GetState(ctx, KeyGeneration)
	if err != nil {
		return 0, err
	}
	return parseGeneration(value, found)
}
