package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/scorelog/internal/ir"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Out string
}

// BundleResult reports an export or import.
type BundleResult struct {
	DB        string `json:"db"`
	LatestSeq int64  `json:"latest_seq"`
	Path      string `json:"path,omitempty"`
}

// Text implements texter.
func (r BundleResult) Text() string {
	if r.Path == "" {
		return fmt.Sprintf("%s: %d events", r.DB, r.LatestSeq)
	}
	return fmt.Sprintf("%s: %d events (%s)", r.DB, r.LatestSeq, r.Path)
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the session log as a bundle",
		Long: `Write the whole log as {"latestSeq": N, "events": [...]}.

Without --out the bundle is written to stdout.

Examples:
  scorelog export --out table.json
  scorelog export > table.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "output file (default: stdout)")

	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	bundle, err := s.inst.Export(ctx)
	if err != nil {
		return formatter.Fail("export failed", err)
	}
	if bundle.Events == nil {
		bundle.Events = []ir.Event{}
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return WrapExitError(ExitFailure, "encode bundle", err)
	}
	data = append(data, '\n')

	if opts.Out == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(opts.Out, data, 0o644); err != nil {
		return WrapExitError(ExitCommandError, "writing output file", err)
	}
	return formatter.Success(BundleResult{DB: s.inst.DBName(), LatestSeq: bundle.LatestSeq, Path: opts.Out})
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <bundle.json>",
		Short: "Load an exported bundle into an empty session",
		Long: `Replace an empty session log with the events of a bundle.

The bundle must be gapless (seq 1..latestSeq) and every event must
validate. Importing into a session that already has events fails.

Exit codes:
  0 - Bundle imported
  1 - Bundle rejected or session not empty
  2 - Command error (file not found, bad JSON, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(rootOpts, cmd, args[0])
		},
	}
	return cmd
}

func runImport(opts *RootOptions, cmd *cobra.Command, path string) error {
	formatter := newFormatter(opts, cmd)
	ctx := cmd.Context()

	data, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "reading bundle", err)
	}
	var bundle ir.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return WrapExitError(ExitCommandError, "decoding bundle", err)
	}

	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.inst.Import(ctx, bundle); err != nil {
		return formatter.Fail("import failed", err)
	}
	return formatter.Success(BundleResult{DB: s.inst.DBName(), LatestSeq: s.inst.Height(), Path: path})
}
