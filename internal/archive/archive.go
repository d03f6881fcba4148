// Package archive seals finished sessions into immutable game records and
// brings them back.
//
// Archiving summarizes the current state, stores the full event bundle,
// and starts a fresh log that keeps only the roster, all in one store
// transaction. Restoring reverses it: the bundle becomes the live log again
// and every tab fast-forwards to the archived state.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/scorelog/internal/engine"
	"github.com/roach88/scorelog/internal/ir"
	"github.com/roach88/scorelog/internal/reducer"
	"github.com/roach88/scorelog/internal/store"
)

// Summarizer projects a final state into the sealed summary.
type Summarizer func(state ir.Object) ir.Summary

// Clock supplies record timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Manager archives and restores the session of one Instance.
type Manager struct {
	inst      *engine.Instance
	registry  *reducer.Registry
	summarize Summarizer
	clock     Clock
	entropy   io.Reader
	ids       engine.IDGenerator
	log       *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for finishedAt, record ids and seed TS.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithEntropy sets the ULID entropy source. It is only read under the
// instance's mutation slot, so it need not be safe for concurrent use.
func WithEntropy(r io.Reader) Option {
	return func(m *Manager) { m.entropy = r }
}

// WithIDs sets the generator for the fresh ids of seed events.
func WithIDs(g engine.IDGenerator) Option {
	return func(m *Manager) { m.ids = g }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// New creates a Manager for inst. registry decides which event types are
// carried forward into the fresh log.
func New(inst *engine.Instance, registry *reducer.Registry, summarize Summarizer, opts ...Option) *Manager {
	m := &Manager{
		inst:      inst,
		registry:  registry,
		summarize: summarize,
		clock:     systemClock{},
		entropy:   ulid.DefaultEntropy(),
		ids:       engine.UUIDv7Generator{},
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Options describes one archive operation.
type Options struct {
	// Title names the record. Empty means "Game <createdAt>".
	Title string
}

// ArchiveCurrentGameAndReset seals the live session. With no events it
// returns nil and leaves the store untouched.
func (m *Manager) ArchiveCurrentGameAndReset(ctx context.Context, opts Options) (*ir.GameRecord, error) {
	rec, err := m.inst.Seal(ctx, func(in engine.SealInput) (ir.GameRecord, []ir.Event, error) {
		return m.build(in, opts)
	})
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", m.inst.DBName(), err)
	}
	if rec != nil {
		m.log.Info("game archived", "db", m.inst.DBName(), "id", rec.ID, "events", rec.LastSeq, "winner", rec.Summary.WinnerID)
	}
	return rec, nil
}

func (m *Manager) build(in engine.SealInput, opts Options) (ir.GameRecord, []ir.Event, error) {
	finished := m.clock.Now().UTC()
	id, err := ulid.New(ulid.Timestamp(finished), m.entropy)
	if err != nil {
		return ir.GameRecord{}, nil, fmt.Errorf("record id: %w", err)
	}

	created := time.UnixMilli(in.Events[0].TS).UTC()
	title := opts.Title
	if title == "" {
		title = "Game " + created.Format("2006-01-02 15:04")
	}

	rec := ir.GameRecord{
		ID:         id.String(),
		Title:      title,
		CreatedAt:  created,
		FinishedAt: finished,
		LastSeq:    in.Height,
		Summary:    m.summarize(in.State),
		Bundle:     ir.Bundle{LatestSeq: in.Height, Events: in.Events},
	}
	return rec, m.seeds(in.Events, finished), nil
}

// seeds copies the roster events of the finished log, in order, under fresh
// ids so they commit as new facts in the next session.
func (m *Manager) seeds(events []ir.Event, at time.Time) []ir.Event {
	var out []ir.Event
	for _, ev := range events {
		if !m.registry.IsRoster(ev.Type) {
			continue
		}
		out = append(out, ir.Event{
			Type:    ev.Type,
			Payload: ev.Payload,
			EventID: m.ids.Generate(),
			TS:      at.UnixMilli(),
		})
	}
	return out
}

// ListGames returns archived games, newest first.
func (m *Manager) ListGames(ctx context.Context) ([]ir.GameRecord, error) {
	return m.inst.Backend().ListGames(ctx)
}

// GetGame returns one archived game or store.ErrNotFound.
func (m *Manager) GetGame(ctx context.Context, id string) (ir.GameRecord, error) {
	return m.inst.Backend().GetGame(ctx, id)
}

// DeleteGame removes an archived game or returns store.ErrNotFound.
func (m *Manager) DeleteGame(ctx context.Context, id string) error {
	if err := m.inst.Backend().DeleteGame(ctx, id); err != nil {
		return err
	}
	m.log.Info("game deleted", "db", m.inst.DBName(), "id", id)
	return nil
}

// RestoreGame replaces the live log with the archived bundle and removes
// the record. Every tab on the session ends at the archived height and
// state.
func (m *Manager) RestoreGame(ctx context.Context, id string) (ir.GameRecord, error) {
	rec, err := m.inst.Restore(ctx, id)
	if err != nil {
		return ir.GameRecord{}, fmt.Errorf("restore %s: %w", id, err)
	}
	m.log.Info("game restored", "db", m.inst.DBName(), "id", id, "height", rec.LastSeq)
	return rec, nil
}

// LastArchivedID returns the id recorded by the most recent archive.
func (m *Manager) LastArchivedID(ctx context.Context) (string, bool, error) {
	return m.inst.Backend().GetState(ctx, store.KeyLastArchivedID)
}
