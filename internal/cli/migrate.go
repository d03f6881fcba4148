package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/scorelog/internal/store"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	All bool
}

// MigrateEntry reports one upgraded store.
type MigrateEntry struct {
	DB   string `json:"db"`
	Path string `json:"path"`
	From int    `json:"from"`
	To   int    `json:"to"`
}

// MigrateResult is the result of the migrate command.
type MigrateResult struct {
	Stores []MigrateEntry `json:"stores"`
}

// Text implements texter.
func (r MigrateResult) Text() string {
	if len(r.Stores) == 0 {
		return "No stores found."
	}
	lines := make([]string, len(r.Stores))
	for i, e := range r.Stores {
		if e.From == e.To {
			lines[i] = fmt.Sprintf("%s: schema v%d (current)", e.DB, e.To)
		} else {
			lines[i] = fmt.Sprintf("%s: schema v%d -> v%d", e.DB, e.From, e.To)
		}
	}
	return strings.Join(lines, "\n")
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade session stores to the current schema",
		Long: `Open session stores and apply pending schema migrations.

Migrations only add tables and indexes; existing events, snapshots and
games are preserved. Opening a current store changes nothing.

Examples:
  scorelog migrate --db table-7
  scorelog migrate --all`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "migrate every store in the data directory")

	return cmd
}

func runMigrate(opts *MigrateOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()
	cfg := opts.Config

	names := []string{cfg.DB}
	if opts.All {
		matches, err := filepath.Glob(filepath.Join(cfg.DataDir, "*.db"))
		if err != nil {
			return WrapExitError(ExitCommandError, "scanning data directory", err)
		}
		names = names[:0]
		for _, m := range matches {
			name := strings.TrimSuffix(filepath.Base(m), ".db")
			if store.ValidDBName(name) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
	}

	dir := store.NewDirectory(cfg.DataDir, store.WithLogger(opts.logger()))
	defer dir.Close()

	res := MigrateResult{Stores: []MigrateEntry{}}
	for _, name := range names {
		path := dir.Path(name)
		from, err := store.PeekSchemaVersion(path)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("reading schema of %s", name), err)
		}
		s, err := dir.Store(ctx, name)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("migrating %s", name), err)
		}
		to, err := s.SchemaVersion(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("reading schema of %s", name), err)
		}
		formatter.VerboseLog("%s: v%d -> v%d", name, from, to)
		res.Stores = append(res.Stores, MigrateEntry{DB: name, Path: path, From: from, To: to})
	}
	return formatter.Success(res)
}
