package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/scorelog/internal/archive"
	"github.com/roach88/scorelog/internal/config"
	"github.com/roach88/scorelog/internal/engine"
	"github.com/roach88/scorelog/internal/replication"
	"github.com/roach88/scorelog/internal/scoring"
	"github.com/roach88/scorelog/internal/store"
)

// session is the Instance a command holds on the configured session, plus
// the store directory behind it.
type session struct {
	dir  *store.Directory
	inst *engine.Instance
	log  *slog.Logger
}

// openSession opens an Instance on cfg.DB exactly as a tab would. mutate
// adjusts the engine config (the watch and hub commands add metrics).
func openSession(ctx context.Context, opts *RootOptions, mutate ...func(*engine.Config)) (*session, error) {
	cfg := opts.Config
	log := opts.logger()

	policy, err := cfg.Policy()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid snapshot policy", err)
	}

	dir := store.NewDirectory(cfg.DataDir, store.WithLogger(log))
	ecfg := engine.Config{
		Registry:         scoring.Registry(),
		Resolver:         dir,
		Transport:        opts.transport(),
		Policy:           policy,
		HydrationTimeout: cfg.HydrationTimeout,
		Clock:            opts.Clock,
		IDs:              opts.IDs,
		Logger:           log,
	}
	for _, m := range mutate {
		m(&ecfg)
	}

	log.Debug("opening session", "data_dir", cfg.DataDir, "db", cfg.DB, "transport", cfg.Transport.Mode)
	inst, err := engine.Open(ctx, ecfg, engine.Route{DBName: cfg.DB})
	if err != nil {
		dir.Close()
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to open session %q", cfg.DB), err)
	}
	return &session{dir: dir, inst: inst, log: log}, nil
}

// archive returns an archive manager over the session.
func (s *session) archive(opts *RootOptions) *archive.Manager {
	var mopts []archive.Option
	mopts = append(mopts, archive.WithLogger(s.log))
	if opts.IDs != nil {
		mopts = append(mopts, archive.WithIDs(opts.IDs))
	}
	return archive.New(s.inst, scoring.Registry(), scoring.Summarize, mopts...)
}

func (s *session) Close() error {
	return errors.Join(s.inst.Close(), s.dir.Close())
}

// transport builds the replication transport the configuration selects.
func (o *RootOptions) transport() replication.Transport {
	if o.Transport != nil {
		return o.Transport
	}
	cfg := o.Config
	log := o.logger()
	switch cfg.Transport.Mode {
	case config.TransportBus:
		return replication.NewBus()
	case config.TransportKeyFile:
		return &replication.KeyFile{Dir: cfg.SignalDir(), Logger: log}
	case config.TransportNone:
		return replication.Nop{}
	default:
		fallback := &replication.KeyFile{Dir: cfg.SignalDir(), Logger: log}
		return replication.Factory{
			Primary:        &replication.WSTransport{URL: cfg.Transport.HubURL, Logger: log, Fallback: fallback},
			Fallback:       fallback,
			DisablePrimary: cfg.Transport.DisablePrimary,
			Logger:         log,
		}
	}
}
