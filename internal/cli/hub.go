package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/scorelog/internal/engine"
	"github.com/roach88/scorelog/internal/replication"
	"github.com/roach88/scorelog/internal/store"
)

const hubShutdownTimeout = 5 * time.Second

// HubOptions holds flags for the hub command.
type HubOptions struct {
	*RootOptions
	Addr   string
	Follow []string
}

// NewHubCommand creates the hub command.
func NewHubCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HubOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the local replication hub",
		Long: `Serve the WebSocket relay tabs use to announce new heights.

Endpoints:
  /ws?channel=<db>   replication relay
  /metrics           Prometheus metrics
  /debug/instances   JSON list of instances followed by this process

With --follow the hub also opens an Instance on each named session, so its
metrics and diagnostics describe live sessions.

Examples:
  scorelog hub
  scorelog hub --addr 127.0.0.1:7420 --follow table-7`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHub(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default: metrics.addr)")
	cmd.Flags().StringSliceVar(&opts.Follow, "follow", nil, "sessions to follow in-process")

	return cmd
}

func runHub(opts *HubOptions, cmd *cobra.Command) error {
	log := opts.logger()
	cfg := opts.Config

	addr := opts.Addr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	for _, name := range opts.Follow {
		if !store.ValidDBName(name) {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid session name %q", name))
		}
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := replication.NewHub(log)
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "scorelog_hub_clients",
			Help: "WebSocket clients connected to the hub.",
		}, func() float64 {
			n := 0
			for _, c := range hub.Rooms() {
				n += c
			}
			return float64(n)
		}),
	)
	metrics := engine.NewMetrics(reg)
	diag := engine.NewDiagRegistry()

	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/instances", diag)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	bound := ln.Addr().String()
	log.Info("hub listening", "addr", bound)
	fmt.Fprintf(cmd.OutOrStdout(), "Hub listening on %s. Press Ctrl-C to stop.\n", bound)

	var followers []*session
	for _, name := range opts.Follow {
		fopts := *opts.RootOptions
		fopts.Config.DB = name
		if fopts.Transport == nil {
			fopts.Transport = &replication.WSTransport{URL: "ws://" + bound + "/ws", Logger: log}
		}
		s, err := openSession(gctx, &fopts, func(c *engine.Config) {
			c.Metrics = metrics
			c.Diag = diag
		})
		if err != nil {
			log.Error("follow failed", "db", name, "error", err)
			continue
		}
		followers = append(followers, s)
	}
	if opts.onHubListening != nil {
		opts.onHubListening(bound)
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("hub shutting down")
		for _, s := range followers {
			if err := s.Close(); err != nil {
				log.Warn("closing follower", "db", s.inst.DBName(), "error", err)
			}
		}
		_ = hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), hubShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "hub error", err)
	}
	log.Info("hub stopped gracefully")
	return nil
}
