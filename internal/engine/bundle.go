package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/scorelog/internal/ir"
	"github.com/roach88/scorelog/internal/replication"
	"github.com/roach88/scorelog/internal/store"
)

// sealAttempts bounds how often Seal rebuilds a record that a foreign
// commit made stale.
const sealAttempts = 3

// Export returns every committed event of the current session.
func (i *Instance) Export(ctx context.Context) (ir.Bundle, error) {
	if i.Status() == StatusClosed {
		return ir.Bundle{}, ErrClosed
	}
	b := i.Backend()
	maxSeq, err := b.MaxSeq(ctx)
	if err != nil {
		return ir.Bundle{}, storageErr("max seq", err)
	}
	events, err := b.ReadRange(ctx, 0, maxSeq)
	if err != nil {
		return ir.Bundle{}, storageErr("read", err)
	}
	return ir.Bundle{LatestSeq: maxSeq, Events: events}, nil
}

// Import loads bundle into an empty session log. Every event must pass
// validation and seqs must run 1..LatestSeq. Peers are told to reset.
func (i *Instance) Import(ctx context.Context, bundle ir.Bundle) error {
	if err := store.CheckContiguous(bundle.Events); err != nil {
		return fmt.Errorf("import: %w", err)
	}
	if int64(len(bundle.Events)) != bundle.LatestSeq {
		return fmt.Errorf("import: latestSeq %d but %d events", bundle.LatestSeq, len(bundle.Events))
	}
	for _, ev := range bundle.Events {
		if err := i.cfg.Registry.Validate(ev); err != nil {
			i.reject(err)
			return fmt.Errorf("import: %w", err)
		}
	}

	return i.replaceLocked(ctx, func(ctx context.Context, b store.Backend) error {
		count, err := b.Count(ctx)
		if err != nil {
			return storageErr("count", err)
		}
		if count > 0 {
			return ErrNotEmpty
		}
		return storageErr("replace", b.ReplaceEvents(ctx, bundle.Events))
	})
}

// SealInput is the session handed to a SealFunc: the full log and the
// state folded from it.
type SealInput struct {
	DBName string
	Events []ir.Event
	State  ir.Object
	Height int64
}

// SealFunc turns a session into an archive record and the seed events for
// the fresh log.
type SealFunc func(in SealInput) (rec ir.GameRecord, seeds []ir.Event, err error)

// Seal archives the current session and starts a fresh log in one store
// transaction. The projection is caught up first, so build sees every
// committed event. An empty log is left untouched and Seal returns nil.
func (i *Instance) Seal(ctx context.Context, build SealFunc) (*ir.GameRecord, error) {
	if err := i.acquire(ctx); err != nil {
		return nil, err
	}
	defer i.release()

	for attempt := 1; ; attempt++ {
		if err := i.resyncLocked(ctx, "seal"); err != nil {
			return nil, err
		}

		i.mu.RLock()
		b, name, state, height := i.backend, i.dbName, i.state, i.height
		i.mu.RUnlock()

		if height == 0 {
			return nil, nil
		}
		events, err := b.ReadRange(ctx, 0, height)
		if err != nil {
			return nil, storageErr("read", err)
		}

		rec, seeds, err := build(SealInput{DBName: name, Events: events, State: state, Height: height})
		if err != nil {
			return nil, fmt.Errorf("seal: %w", err)
		}

		err = b.InsertGameAndReset(ctx, rec, seeds)
		if errors.Is(err, store.ErrStale) && attempt < sealAttempts {
			i.logger().Debug("session grew while sealing, retrying", "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, storageErr("archive", err)
		}

		if err := i.afterReplaceLocked(ctx); err != nil {
			return &rec, err
		}
		return &rec, nil
	}
}

// Restore makes an archived game the live log again and fast-forwards the
// projection to it. The record is removed from the archive.
func (i *Instance) Restore(ctx context.Context, id string) (ir.GameRecord, error) {
	var rec ir.GameRecord
	err := i.replaceLocked(ctx, func(ctx context.Context, b store.Backend) error {
		var err error
		rec, err = b.RestoreGame(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return storageErr("restore", err)
	})
	return rec, err
}

// replaceLocked runs op with the mutation slot held, then reloads and tells
// peers to reset.
func (i *Instance) replaceLocked(ctx context.Context, op func(ctx context.Context, b store.Backend) error) error {
	if err := i.acquire(ctx); err != nil {
		return err
	}
	defer i.release()

	if err := op(ctx, i.Backend()); err != nil {
		return err
	}
	return i.afterReplaceLocked(ctx)
}

func (i *Instance) afterReplaceLocked(ctx context.Context) error {
	if err := i.resyncLocked(ctx, "replace"); err != nil {
		return err
	}
	i.notify(CauseReset)
	i.broadcast(ctx, replication.Reset())
	return nil
}
