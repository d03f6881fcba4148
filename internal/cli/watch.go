package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/scorelog/internal/engine"
	"github.com/roach88/scorelog/internal/ir"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Count int
}

// WatchLine is one printed change.
type WatchLine struct {
	DB     string    `json:"db"`
	Height int64     `json:"height"`
	Cause  string    `json:"cause"`
	State  ir.Object `json:"state,omitempty"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a session and print every change",
		Long: `Open the session like a tab and print one line per change until
interrupted, or until --count changes have been seen.

In JSON mode each line is a standalone object including the new state.

Examples:
  scorelog watch --db table-7
  scorelog watch --format json --count 1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Count, "count", 0, "exit after this many changes (0: run until interrupted)")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	jsonMode := opts.Format == "json"
	lines := make(chan WatchLine, 64)

	// Listeners run with the mutation slot held: hand off and print here.
	unsubscribe := s.inst.Subscribe(func(c engine.Change) {
		line := WatchLine{DB: c.DBName, Height: c.Height, Cause: c.Cause}
		if jsonMode {
			line.State = c.State
		}
		select {
		case lines <- line:
		default:
			s.log.Warn("watch output falling behind, change dropped", "height", c.Height)
		}
	})
	defer unsubscribe()

	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s from height %d. Press Ctrl-C to stop.\n", s.inst.DBName(), s.inst.Height())
	if opts.onWatchReady != nil {
		opts.onWatchReady()
	}

	enc := json.NewEncoder(out)
	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case line := <-lines:
			if jsonMode {
				if err := enc.Encode(line); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "%s height=%d cause=%s\n", line.DB, line.Height, line.Cause)
			}
			seen++
			if opts.Count > 0 && seen >= opts.Count {
				return nil
			}
		}
	}
}
