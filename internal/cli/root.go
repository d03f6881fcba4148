package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roach88/scorelog/internal/config"
	"github.com/roach88/scorelog/internal/engine"
	"github.com/roach88/scorelog/internal/replication"
)

// RootOptions holds global flags for all commands and the configuration
// resolved from them before any subcommand runs.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string

	Viper  *viper.Viper
	Config config.Config
	Logger *slog.Logger

	// Transport, Clock and IDs override what the configuration selects
	// (for testing).
	Transport replication.Transport
	Clock     engine.Clock
	IDs       engine.IDGenerator

	// Test hooks: watch is subscribed, hub is accepting connections.
	onWatchReady   func()
	onHubListening func(addr string)

	logCloser io.Closer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the scorelog CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	if opts.Viper == nil {
		opts.Viper = config.New()
	}

	cmd := &cobra.Command{
		Use:   "scorelog",
		Short: "scorelog - local-first scoring session log",
		Long: `Inspect and drive event-sourced scoring sessions stored on this machine.

Every session is an append-only SQLite log under the data directory. Commands
open the session like any other tab would, so running tabs see their changes
over the configured replication transport.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return opts.load(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.logCloser != nil {
				return opts.logCloser.Close()
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVar(&opts.ConfigFile, "config", "", "config file (yaml, toml or json)")
	flags.String("data-dir", ".scorelog", "directory holding session databases")
	flags.String("db", "default", "session name")
	flags.String("transport", config.TransportWS, "replication transport (bus|ws|keyfile|none)")
	_ = opts.Viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = opts.Viper.BindPFlag("db", flags.Lookup("db"))
	_ = opts.Viper.BindPFlag("transport.mode", flags.Lookup("transport"))

	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewStateCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewArchiveCommand(opts))
	cmd.AddCommand(NewGamesCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewHubCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

// load resolves configuration and installs the process logger.
func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.Viper, o.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logger, closer, err := config.NewLogger(cfg.Log, cmd.ErrOrStderr(), o.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log configuration", err)
	}
	slog.SetDefault(logger)

	o.Config = cfg
	o.Logger = logger
	o.logCloser = closer
	return nil
}

// logger returns the configured logger, or the default one when load has
// not run (commands constructed directly in tests).
func (o *RootOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
