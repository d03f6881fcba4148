package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/scorelog/internal/archive"
	"github.com/roach88/scorelog/internal/ir"
)

// ArchiveOptions holds flags for the archive command.
type ArchiveOptions struct {
	*RootOptions
	Title string
}

// GameSummary is the list view of an archived game. The bundle is omitted.
type GameSummary struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt time.Time  `json:"finished_at"`
	LastSeq    int64      `json:"last_seq"`
	Summary    ir.Summary `json:"summary"`
}

func summarizeGame(rec ir.GameRecord) GameSummary {
	return GameSummary{
		ID:         rec.ID,
		Title:      rec.Title,
		CreatedAt:  rec.CreatedAt,
		FinishedAt: rec.FinishedAt,
		LastSeq:    rec.LastSeq,
		Summary:    rec.Summary,
	}
}

// Text implements texter.
func (g GameSummary) Text() string {
	winner := g.Summary.WinnerID
	if winner == "" {
		winner = "-"
	}
	return fmt.Sprintf("%s  %-24s %s  events=%d winner=%s",
		g.ID, g.Title, g.FinishedAt.Format(time.RFC3339), g.LastSeq, winner)
}

// GameList is the result of games list.
type GameList struct {
	Games []GameSummary `json:"games"`
}

// Text implements texter.
func (l GameList) Text() string {
	if len(l.Games) == 0 {
		return "No archived games."
	}
	lines := make([]string, len(l.Games))
	for i, g := range l.Games {
		lines[i] = g.Text()
	}
	return strings.Join(lines, "\n")
}

// NewArchiveCommand creates the archive command.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ArchiveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Seal the current game and start a fresh one",
		Long: `Archive the live session as a game record and reset the log.

The fresh log keeps the roster (players and mode) with new event ids, so
the next game starts with the same table. An empty session is a no-op.

Examples:
  scorelog archive --title "Friday night"`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchive(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Title, "title", "", `record title (default: "Game <created at>")`)

	return cmd
}

func runArchive(opts *ArchiveOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	rec, err := s.archive(opts.RootOptions).ArchiveCurrentGameAndReset(ctx, archive.Options{Title: opts.Title})
	if err != nil {
		return formatter.Fail("archive failed", err)
	}
	if rec == nil {
		return formatter.Success("Nothing to archive.")
	}
	return formatter.Success(summarizeGame(*rec))
}

// NewGamesCommand creates the games command group.
func NewGamesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "games",
		Short: "Manage archived games",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List archived games, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGames(rootOpts, cmd, "", gamesList)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "get <id>",
		Short:         "Show one archived game with its event bundle",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGames(rootOpts, cmd, args[0], gamesGet)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "delete <id>",
		Short:         "Delete an archived game",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGames(rootOpts, cmd, args[0], gamesDelete)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "restore <id>",
		Short: "Make an archived game the live session again",
		Long: `Replace the live log with the archived bundle and remove the record.

Events appended since the archive are discarded. Running tabs fast-forward
to the restored state.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGames(rootOpts, cmd, args[0], gamesRestore)
		},
	})

	return cmd
}

type gamesAction int

const (
	gamesList gamesAction = iota
	gamesGet
	gamesDelete
	gamesRestore
)

func runGames(opts *RootOptions, cmd *cobra.Command, id string, action gamesAction) error {
	formatter := newFormatter(opts, cmd)
	ctx := cmd.Context()

	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	m := s.archive(opts)

	switch action {
	case gamesList:
		recs, err := m.ListGames(ctx)
		if err != nil {
			return formatter.Fail("list failed", err)
		}
		list := GameList{Games: make([]GameSummary, len(recs))}
		for i, rec := range recs {
			list.Games[i] = summarizeGame(rec)
		}
		return formatter.Success(list)

	case gamesGet:
		rec, err := m.GetGame(ctx, id)
		if err != nil {
			return formatter.Fail("get failed", err)
		}
		return formatter.Success(rec)

	case gamesDelete:
		if err := m.DeleteGame(ctx, id); err != nil {
			return formatter.Fail("delete failed", err)
		}
		return formatter.Success(fmt.Sprintf("deleted %s", id))

	case gamesRestore:
		rec, err := m.RestoreGame(ctx, id)
		if err != nil {
			return formatter.Fail("restore failed", err)
		}
		return formatter.Success(fmt.Sprintf("restored %s at height %d", rec.ID, rec.LastSeq))
	}
	return nil
}
