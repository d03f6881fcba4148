package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/scorelog/internal/ir"
)

// Commit appends events in one BEGIN IMMEDIATE transaction.
// Uses ON CONFLICT(event_id) DO NOTHING for idempotency: a duplicate eventId
// returns the existing seq with Inserted=false and never creates a row.
//
// Seqs are max(seq)+1 read inside the write lock, so they stay gapless even
// when several processes commit to the same file.
func (s *Store) Commit(ctx context.Context, events []ir.Event) ([]ir.CommitResult, error) {
	if len(events) == 0 {
		return nil, nil
	}
	return withRetry(ctx, func() ([]ir.CommitResult, error) {
		return s.commitOnce(ctx, events)
	})
}

func (s *Store) commitOnce(ctx context.Context, events []ir.Event) ([]ir.CommitResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("commit: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var next int64
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM events").Scan(&next); err != nil {
		return nil, fmt.Errorf("commit: max seq: %w", err)
	}

	results := make([]ir.CommitResult, len(events))
	for i, ev := range events {
		payload, err := marshalObject(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("commit %s: %w", ev.EventID, err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (seq, event_id, type, payload, ts)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(event_id) DO NOTHING
		`, next+1, ev.EventID, ev.Type, payload, ev.TS)
		if err != nil {
			return nil, fmt.Errorf("commit %s: insert: %w", ev.EventID, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("commit %s: rows affected: %w", ev.EventID, err)
		}
		if n > 0 {
			next++
			results[i] = ir.CommitResult{Seq: next, Inserted: true}
			continue
		}

		// Conflict - row already exists, fetch the existing seq
		var (
			seq           int64
			storedType    string
			storedPayload string
		)
		err = tx.QueryRowContext(ctx,
			"SELECT seq, type, payload FROM events WHERE event_id = ?", ev.EventID,
		).Scan(&seq, &storedType, &storedPayload)
		if err != nil {
			return nil, fmt.Errorf("commit %s: select existing: %w", ev.EventID, err)
		}
		results[i] = ir.CommitResult{
			Seq:      seq,
			Conflict: storedType != ev.Type || storedPayload != payload,
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return results, nil
}

// PutSnapshot writes the checkpoint at snap.Height, replacing any existing
// one. Rejects heights beyond the current max seq and snapshots taken in
// another log generation.
func (s *Store) PutSnapshot(ctx context.Context, snap ir.Snapshot) error {
	state, err := marshalObject(snap.State)
	if err != nil {
		return fmt.Errorf("put snapshot %d: %w", snap.Height, err)
	}

	return retryExec(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("put snapshot %d: begin tx: %w", snap.Height, err)
		}
		defer tx.Rollback()

		gen, err := txGeneration(ctx, tx)
		if err != nil {
			return fmt.Errorf("put snapshot %d: %w", snap.Height, err)
		}
		if gen != snap.Generation {
			return fmt.Errorf("put snapshot %d: generation %d, log is at %d: %w", snap.Height, snap.Generation, gen, ErrStale)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO snapshots (height, state, state_hash, generation)
			SELECT ?, ?, ?, ?
			WHERE ? > 0 AND ? <= (SELECT COALESCE(MAX(seq), 0) FROM events)
		`, snap.Height, state, snap.StateHash, snap.Generation, snap.Height, snap.Height)
		if err != nil {
			return fmt.Errorf("put snapshot %d: %w", snap.Height, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("put snapshot %d: rows affected: %w", snap.Height, err)
		}
		if n == 0 {
			return fmt.Errorf("put snapshot %d: height beyond committed log", snap.Height)
		}
		return tx.Commit()
	})
}

// PutState upserts a bookkeeping document.
func (s *Store) PutState(ctx context.Context, key, value string) error {
	return retryExec(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO state (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value)
		if err != nil {
			return fmt.Errorf("put state %s: %w", key, err)
		}
		return nil
	})
}

// ReplaceEvents swaps the whole log for events (seqs 1..n), clears
// snapshots and bumps the generation, in one transaction.
func (s *Store) ReplaceEvents(ctx context.Context, events []ir.Event) error {
	if err := CheckContiguous(events); err != nil {
		return fmt.Errorf("replace events: %w", err)
	}
	return retryExec(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("replace events: begin tx: %w", err)
		}
		defer tx.Rollback()

		if err := replaceLog(ctx, tx, events); err != nil {
			return fmt.Errorf("replace events: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("replace events: commit: %w", err)
		}
		return nil
	})
}

// replaceLog clears events and snapshots, inserts events with their own
// seqs, and bumps the generation. Runs inside the caller's tx.
func replaceLog(ctx context.Context, tx *sql.Tx, events []ir.Event) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM events"); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM snapshots"); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (seq, event_id, type, payload, ts) VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		payload, err := marshalObject(ev.Payload)
		if err != nil {
			return fmt.Errorf("event %s: %w", ev.EventID, err)
		}
		if _, err := stmt.ExecContext(ctx, ev.Seq, ev.EventID, ev.Type, payload, ev.TS); err != nil {
			return fmt.Errorf("insert %s: %w", ev.EventID, err)
		}
	}

	return bumpGeneration(ctx, tx)
}

func txGeneration(ctx context.Context, tx *sql.Tx) (int64, error) {
	var value string
	err := tx.QueryRowContext(ctx, "SELECT value FROM state WHERE key = ?", KeyGeneration).Scan(&value)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read generation: %w", err)
	}
	return parseGeneration(value, err == nil)
}

func bumpGeneration(ctx context.Context, tx *sql.Tx) error {
	gen, err := txGeneration(ctx, tx)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, KeyGeneration, strconv.FormatInt(gen+1, 10))
	if err != nil {
		return fmt.Errorf("write generation: %w", err)
	}
	return nil
}
