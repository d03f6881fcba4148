package engine

import (
	"context"
	"fmt"

	"github.com/roach88/scorelog/internal/ir"
	"github.com/roach88/scorelog/internal/snapshot"
	"github.com/roach88/scorelog/internal/store"
)

// load builds a fresh view of backend at its current max seq, choosing the
// checkpoint interval from the log size.
func (i *Instance) load(ctx context.Context, b store.Backend) (view, error) {
	count, err := b.Count(ctx)
	if err != nil {
		return view{}, storageErr("count", err)
	}
	interval := i.cfg.Policy.Interval(count)
	return i.reloadView(ctx, b, interval)
}

// reloadView materializes backend at its max seq with interval, writing any
// missing checkpoints on the way.
func (i *Instance) reloadView(ctx context.Context, b store.Backend, interval int64) (view, error) {
	gen, err := b.Generation(ctx)
	if err != nil {
		return view{}, storageErr("generation", err)
	}
	maxSeq, err := b.MaxSeq(ctx)
	if err != nil {
		return view{}, storageErr("max seq", err)
	}
	state, height, err := i.materialize(ctx, b, maxSeq, interval, gen)
	if err != nil {
		return view{}, err
	}
	return view{state: state, height: height, generation: gen, interval: interval}, nil
}

// materialize folds the nearest verified checkpoint at or below target and
// the events after it. A positive interval re-creates the checkpoints the
// replay passes over; zero keeps it read-only. gen is the backend's current
// log generation.
func (i *Instance) materialize(ctx context.Context, b store.Backend, target, interval, gen int64) (ir.Object, int64, error) {
	base, from, err := i.nearestVerified(ctx, b, target, gen)
	if err != nil {
		return nil, 0, err
	}
	events, err := b.ReadRange(ctx, from, target)
	if err != nil {
		return nil, 0, storageErr("read", err)
	}

	state, height := base, from
	for _, ev := range events {
		state = i.cfg.Registry.Fold(state, ev)
		height = ev.Seq
		if interval > 0 && snapshot.Due(ev.Seq, interval) {
			i.checkpoint(ctx, b, state, ev.Seq, gen)
		}
	}
	i.m.ReplayedEvents.Add(float64(len(events)))
	return state, height, nil
}

// nearestVerified returns the newest checkpoint at or below height taken in
// generation gen whose hash matches its state, or the initial state at
// height 0.
func (i *Instance) nearestVerified(ctx context.Context, b store.Backend, height, gen int64) (ir.Object, int64, error) {
	for height > 0 {
		snap, found, err := b.NearestSnapshot(ctx, height)
		if err != nil {
			return nil, 0, storageErr("nearest snapshot", err)
		}
		if !found {
			break
		}
		if snap.Generation != gen {
			i.m.SnapshotsRejected.Inc()
			i.logger().Warn("snapshot from another log generation, skipping",
				"height", snap.Height, "generation", snap.Generation, "current", gen)
			height = snap.Height - 1
			continue
		}
		hash, err := ir.StateHash(snap.State)
		if err == nil && hash == snap.StateHash {
			return snap.State, snap.Height, nil
		}
		i.m.SnapshotsRejected.Inc()
		i.logger().Warn("snapshot failed verification, skipping", "height", snap.Height)
		height = snap.Height - 1
	}
	return i.cfg.Registry.Initial(), 0, nil
}

// checkpoint writes the snapshot for state at seq in generation gen. A failed
// write is logged: the next full load re-creates it.
func (i *Instance) checkpoint(ctx context.Context, b store.Backend, state ir.Object, seq, gen int64) {
	hash, err := ir.StateHash(state)
	if err != nil {
		i.logger().Warn("snapshot hash failed", "height", seq, "error", err)
		return
	}
	if err := b.PutSnapshot(ctx, ir.Snapshot{Height: seq, State: state, StateHash: hash, Generation: gen}); err != nil {
		i.logger().Warn("snapshot write failed", "height", seq, "error", err)
		return
	}
	i.m.SnapshotsWritten.Inc()
}

// resyncLocked replaces the published view with a full load of the current
// backend. Caller holds the mutation slot.
func (i *Instance) resyncLocked(ctx context.Context, reason string) error {
	i.mu.RLock()
	b, interval := i.backend, i.interval
	i.mu.RUnlock()

	v, err := i.reloadView(ctx, b, interval)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.applyView(v)
	i.mu.Unlock()

	i.m.Resyncs.WithLabelValues(reason).Inc()
	i.logger().Debug("full resync", "reason", reason, "height", v.height, "generation", v.generation)
	return nil
}

// PreviewAt folds the log up to height without touching the live
// projection. height is clamped to [0, max seq].
func (i *Instance) PreviewAt(ctx context.Context, height int64) (ir.Object, int64, error) {
	if i.Status() == StatusClosed {
		return nil, 0, ErrClosed
	}
	b := i.Backend()
	maxSeq, err := b.MaxSeq(ctx)
	if err != nil {
		return nil, 0, storageErr("max seq", err)
	}
	height = min(max(height, 0), maxSeq)
	if height == 0 {
		return i.cfg.Registry.Initial(), 0, nil
	}
	gen, err := b.Generation(ctx)
	if err != nil {
		return nil, 0, storageErr("generation", err)
	}
	state, reached, err := i.materialize(ctx, b, height, 0, gen)
	if err != nil {
		return nil, 0, fmt.Errorf("preview at %d: %w", height, err)
	}
	return state, reached, nil
}
