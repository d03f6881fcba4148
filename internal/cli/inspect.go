package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/scorelog/internal/ir"
	"github.com/roach88/scorelog/internal/scoring"
)

// StateOptions holds flags for the state command.
type StateOptions struct {
	*RootOptions
	At int64
}

// StateResult is a folded state at a height.
type StateResult struct {
	DB       string    `json:"db"`
	Height   int64     `json:"height"`
	Current  int64     `json:"current_height"`
	Interval int64     `json:"snapshot_interval"`
	State    ir.Object `json:"state"`
}

// Text implements texter.
func (r StateResult) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s at height %d of %d\n", r.DB, r.Height, r.Current)
	if mode := r.State.String("mode"); mode != "" {
		fmt.Fprintf(&b, "mode: %s\n", mode)
	}
	fmt.Fprintf(&b, "rounds: %d\n", r.State.Int("rounds"))
	scores := r.State.Object("scores")
	for _, p := range scoring.Players(r.State) {
		fmt.Fprintf(&b, "  %-16s %d\n", p, scores.Int(p))
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the folded session state",
		Long: `Print the live state, or with --at the state as of an earlier height.

Previews never change the live session; heights above the log are clamped.

Examples:
  scorelog state
  scorelog state --at 40 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.At, "at", -1, "preview height (default: live)")

	return cmd
}

func runState(opts *StateOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	res := StateResult{
		DB:       s.inst.DBName(),
		Height:   s.inst.Height(),
		Current:  s.inst.Height(),
		Interval: s.inst.SnapshotInterval(),
		State:    s.inst.State(),
	}
	if opts.At >= 0 {
		state, h, err := s.inst.PreviewAt(ctx, opts.At)
		if err != nil {
			return formatter.Fail("preview failed", err)
		}
		res.State, res.Height = state, h
	}
	return formatter.Success(res)
}

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	From int64
	To   int64
}

// EventsResult is a slice of the log.
type EventsResult struct {
	Events []ir.Event `json:"events"`
}

// Text implements texter.
func (r EventsResult) Text() string {
	if len(r.Events) == 0 {
		return "No events."
	}
	var b strings.Builder
	for _, ev := range r.Events {
		payload, _ := ir.MarshalCanonical(ev.Payload)
		fmt.Fprintf(&b, "%6d  %-18s %-20s %s\n", ev.Seq, ev.Type, ev.EventID, payload)
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List committed events in seq order",
		Long: `List events with from < seq <= to.

Examples:
  scorelog events
  scorelog events --from 20 --to 40`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.From, "from", 0, "exclusive lower seq")
	cmd.Flags().Int64Var(&opts.To, "to", 0, "inclusive upper seq (default: latest)")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	if opts.From < 0 || (opts.To > 0 && opts.To < opts.From) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid range (%d, %d]", opts.From, opts.To))
	}

	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	to := opts.To
	if to == 0 {
		to = s.inst.Height()
	}
	events, err := s.inst.Backend().ReadRange(ctx, opts.From, to)
	if err != nil {
		return formatter.Fail("read failed", err)
	}
	if events == nil {
		events = []ir.Event{}
	}
	return formatter.Success(EventsResult{Events: events})
}
