package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/scorelog/internal/ir"
)

//go:embed schema_v1.sql
var schemaV1 string

//go:embed schema_v2.sql
var schemaV2 string

//go:embed schema_v3.sql
var schemaV3 string

// Schema version tracking (PRAGMA user_version):
// 0 - empty file
// 1 - events, state, snapshots
// 2 - games collection with created_at index
// 3 - snapshots.generation
const currentSchemaVersion = ir.SchemaVersion

type migration struct {
	version int
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{1, execScript(schemaV1)},
	{2, execScript(schemaV2)},
	{3, execScript(schemaV3)},
}

func execScript(script string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, script)
		return err
	}
}

// migrate applies every migration above the stored user_version, up to
// target. Each step runs in its own transaction and only adds tables,
// indexes and columns; existing rows are kept. Opening a current store is
// a no-op.
func (s *Store) migrate(ctx context.Context, target int) error {
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("schema version %d is newer than supported %d", version, currentSchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= version || m.version > target {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		s.log.Info("schema migrated", "path", s.path, "from", version, "to", m.version)
		version = m.version
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate to v%d: begin tx: %w", m.version, err)
	}
	defer tx.Rollback()

	if err := m.apply(ctx, tx); err != nil {
		return fmt.Errorf("migrate to v%d: %w", m.version, err)
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		return fmt.Errorf("migrate to v%d: set user_version: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate to v%d: commit: %w", m.version, err)
	}
	return nil
}

// SchemaVersion returns the stored PRAGMA user_version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

// hasGamesIndex reports whether the created_at index exists. Stores
// upgraded by an older build may lack it.
func (s *Store) hasGamesIndex(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_games_created_at'",
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check games index: %w", err)
	}
	return n > 0, nil
}

// PeekSchemaVersion reads user_version from the file at path without
// migrating it. A missing file reports 0.
func PeekSchemaVersion(path string) (int, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

// SchemaVersionCurrent is the version Open migrates to.
func SchemaVersionCurrent() int { return currentSchemaVersion }
