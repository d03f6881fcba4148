package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/scorelog/internal/ir"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	EventID string
}

// AppendResult is the outcome of one append.
type AppendResult struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Height  int64  `json:"height"`
}

// Text implements texter.
func (r AppendResult) Text() string {
	return fmt.Sprintf("appended %s (%s), height %d", r.EventID, r.Type, r.Height)
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append <type> <payload-json>",
		Short: "Append one event to the session log",
		Long: `Validate and commit one event, then announce the new height to other tabs.

The payload must be a JSON object; floats and null are rejected. Without
--id a fresh UUIDv7 is used. Appending the same --id twice is a no-op.

Exit codes:
  0 - Event committed (or already present)
  1 - Event rejected (unknown type, invalid payload)
  2 - Command error (bad JSON, storage unavailable, etc.)

Examples:
  scorelog append player/added '{"playerId":"alice","name":"Alice"}'
  scorelog append score/added '{"playerId":"alice","points":3}' --id s-1`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, cmd, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&opts.EventID, "id", "", "event id (default: generated)")

	return cmd
}

func runAppend(opts *AppendOptions, cmd *cobra.Command, eventType, payloadJSON string) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	payload, err := ir.ParseObject([]byte(payloadJSON))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid payload JSON", err)
	}

	ctx := cmd.Context()
	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	ev := s.inst.NewEvent(eventType, payload)
	if opts.EventID != "" {
		ev.EventID = opts.EventID
	}
	formatter.VerboseLog("appending %s as %s", eventType, ev.EventID)

	height, err := s.inst.Append(ctx, ev)
	if err != nil {
		return formatter.Fail("append failed", err)
	}
	return formatter.Success(AppendResult{EventID: ev.EventID, Type: eventType, Height: height})
}
