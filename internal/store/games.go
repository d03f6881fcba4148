package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/scorelog/internal/ir"
)

// InsertGameAndReset seals rec into the games collection and starts a fresh
// log holding only seeds (seqs 1..n), in one transaction. The generation is
// bumped so peers holding the old log resync.
func (s *Store) InsertGameAndReset(ctx context.Context, rec ir.GameRecord, seeds []ir.Event) error {
	summary, err := marshalSummary(rec.Summary)
	if err != nil {
		return fmt.Errorf("archive %s: %w", rec.ID, err)
	}
	bundle, err := marshalBundle(rec.Bundle)
	if err != nil {
		return fmt.Errorf("archive %s: %w", rec.ID, err)
	}

	fresh := make([]ir.Event, len(seeds))
	for i, ev := range seeds {
		ev.Seq = int64(i + 1)
		fresh[i] = ev
	}

	return retryExec(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("archive %s: begin tx: %w", rec.ID, err)
		}
		defer tx.Rollback()

		var maxSeq int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&maxSeq); err != nil {
			return fmt.Errorf("archive %s: read max seq: %w", rec.ID, err)
		}
		if maxSeq != rec.LastSeq {
			return fmt.Errorf("archive %s: max seq %d, record has %d: %w", rec.ID, maxSeq, rec.LastSeq, ErrStale)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO games (id, title, created_at, finished_at, last_seq, summary, bundle)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, rec.Title, toMillis(rec.CreatedAt), toMillis(rec.FinishedAt), rec.LastSeq, summary, bundle)
		if err != nil {
			return fmt.Errorf("archive %s: insert game: %w", rec.ID, err)
		}

		if err := replaceLog(ctx, tx, fresh); err != nil {
			return fmt.Errorf("archive %s: %w", rec.ID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO state (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, KeyLastArchivedID, rec.ID)
		if err != nil {
			return fmt.Errorf("archive %s: record last id: %w", rec.ID, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("archive %s: commit: %w", rec.ID, err)
		}
		return nil
	})
}

// RestoreGame makes the archived bundle the live log again and removes the
// record, in one transaction.
func (s *Store) RestoreGame(ctx context.Context, id string) (ir.GameRecord, error) {
	return withRetry(ctx, func() (ir.GameRecord, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return ir.GameRecord{}, fmt.Errorf("restore %s: begin tx: %w", id, err)
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, selectGame+" WHERE id = ?", id)
		rec, err := scanGame(row)
		if err != nil {
			return ir.GameRecord{}, fmt.Errorf("restore %s: %w", id, err)
		}
		if err := CheckContiguous(rec.Bundle.Events); err != nil {
			return ir.GameRecord{}, fmt.Errorf("restore %s: %w", id, err)
		}

		if err := replaceLog(ctx, tx, rec.Bundle.Events); err != nil {
			return ir.GameRecord{}, fmt.Errorf("restore %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM games WHERE id = ?", id); err != nil {
			return ir.GameRecord{}, fmt.Errorf("restore %s: delete game: %w", id, err)
		}

		if err := tx.Commit(); err != nil {
			return ir.GameRecord{}, fmt.Errorf("restore %s: commit: %w", id, err)
		}
		return rec, nil
	})
}

const selectGame = `SELECT id, title, created_at, finished_at, last_seq, summary, bundle FROM games`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGame(row rowScanner) (ir.GameRecord, error) {
	var (
		rec                   ir.GameRecord
		createdAt, finishedAt int64
		summary, bundle       string
	)
	err := row.Scan(&rec.ID, &rec.Title, &createdAt, &finishedAt, &rec.LastSeq, &summary, &bundle)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.GameRecord{}, ErrNotFound
	}
	if err != nil {
		return ir.GameRecord{}, fmt.Errorf("scan game: %w", err)
	}

	rec.CreatedAt = fromMillis(createdAt)
	rec.FinishedAt = fromMillis(finishedAt)
	if rec.Summary, err = unmarshalSummary(summary); err != nil {
		return ir.GameRecord{}, err
	}
	if rec.Bundle, err = unmarshalBundle(bundle); err != nil {
		return ir.GameRecord{}, err
	}
	return rec, nil
}

// ListGames returns archived games, newest createdAt first (ties by id,
// descending). Uses the created_at index when the schema has it; otherwise
// scans every row and sorts in memory.
func (s *Store) ListGames(ctx context.Context) ([]ir.GameRecord, error) {
	indexed, err := s.hasGamesIndex(ctx)
	if err != nil {
		return nil, err
	}

	query := selectGame
	if indexed {
		query += " INDEXED BY idx_games_created_at ORDER BY created_at DESC, id DESC"
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	defer rows.Close()

	games := []ir.GameRecord{}
	for rows.Next() {
		rec, err := scanGame(rows)
		if err != nil {
			return nil, fmt.Errorf("list games: %w", err)
		}
		games = append(games, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list games: iterate: %w", err)
	}

	if !indexed {
		s.log.Debug("listing games without created_at index", "path", s.path, "count", len(games))
		SortGames(games)
	}
	return games, nil
}

// SortGames orders records newest createdAt first, ties by id descending.
func SortGames(games []ir.GameRecord) {
	sort.SliceStable(games, func(i, j int) bool {
		if !games[i].CreatedAt.Equal(games[j].CreatedAt) {
			return games[i].CreatedAt.After(games[j].CreatedAt)
		}
		return games[i].ID > games[j].ID
	})
}

// GetGame returns one archived game or ErrNotFound.
func (s *Store) GetGame(ctx context.Context, id string) (ir.GameRecord, error) {
	rec, err := scanGame(s.db.QueryRowContext(ctx, selectGame+" WHERE id = ?", id))
	if err != nil {
		return ir.GameRecord{}, fmt.Errorf("get game %s: %w", id, err)
	}
	return rec, nil
}

// DeleteGame removes an archived game or returns ErrNotFound.
func (s *Store) DeleteGame(ctx context.Context, id string) error {
	return retryExec(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM games WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete game %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete game %s: rows affected: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("delete game %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
