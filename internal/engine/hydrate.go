package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/scorelog/internal/replication"
)

// RehydrateOptions selects the identity to switch to.
type RehydrateOptions struct {
	Route Route

	// AllowLocalFallback keeps serving the current backend, reloaded, when
	// the new route cannot be resolved.
	AllowLocalFallback bool
}

// Rehydrate discards the in-memory projection and loads opts.Route,
// swapping the replication subscription to the new session's channel. The
// epoch is incremented on success. On failure the previous projection stays
// published and the epoch is unchanged.
func (i *Instance) Rehydrate(ctx context.Context, opts RehydrateOptions) (int64, error) {
	if err := i.acquire(ctx); err != nil {
		return 0, err
	}
	defer i.release()

	i.mu.Lock()
	prevName, prevBackend, prevStatus := i.dbName, i.backend, i.status
	i.status = StatusRehydrating
	i.signalLocked()
	i.mu.Unlock()

	target := opts.Route.DBName
	i.emitHydration(HydrationEvent{Phase: HydrationStart, DBName: target})
	started := time.Now()

	fail := func(err error) (int64, error) {
		i.mu.Lock()
		i.status = prevStatus
		i.signalLocked()
		epoch := i.epoch
		i.mu.Unlock()
		return epoch, err
	}

	backend, err := i.cfg.Resolver.Resolve(ctx, target)
	if err != nil {
		if !opts.AllowLocalFallback {
			return fail(fmt.Errorf("rehydrate %s: resolve: %w", target, err))
		}
		i.logger().Warn("rehydrate target unavailable, reloading current session", "target", target, "error", err)
		backend, target = prevBackend, prevName
	}

	v, err := i.load(ctx, backend)
	if err != nil {
		return fail(fmt.Errorf("rehydrate %s: %w", target, err))
	}

	var (
		newCh    replication.Channel
		newUnsub func()
	)
	swapped := target != prevName
	if swapped {
		newCh, newUnsub = i.joinChannel(ctx, target)
	}

	i.mu.Lock()
	oldCh, oldUnsub := i.channel, i.unsub
	if swapped {
		i.channel, i.unsub = newCh, newUnsub
	}
	i.dbName = target
	i.backend = backend
	i.applyView(v)
	i.epoch++
	epoch := i.epoch
	i.status = StatusReady
	i.signalLocked()
	i.mu.Unlock()

	if swapped {
		if oldUnsub != nil {
			oldUnsub()
		}
		if oldCh != nil {
			if err := oldCh.Close(); err != nil {
				i.logger().Warn("closing previous replication channel", "db", prevName, "error", err)
			}
		}
	}

	i.m.Hydrations.Inc()
	i.m.HydrationDuration.Observe(time.Since(started).Seconds())
	i.logger().Debug("instance rehydrated", "from", prevName, "height", v.height, "interval", v.interval, "epoch", epoch)
	i.emitHydration(HydrationEvent{Phase: HydrationDone, DBName: target, Epoch: epoch})
	i.notify(CauseRehydrate)
	return epoch, nil
}

// AwaitHydration blocks until the Instance is Ready at epoch >= target.
// target 0 means the epoch current at the time of the call. The wait is
// bounded by Config.HydrationTimeout.
func (i *Instance) AwaitHydration(ctx context.Context, target int64) (int64, error) {
	timer := time.NewTimer(i.cfg.HydrationTimeout)
	defer timer.Stop()

	i.mu.RLock()
	if target == 0 {
		target = i.epoch
	}
	i.mu.RUnlock()

	for {
		i.mu.RLock()
		epoch, status, changed := i.epoch, i.status, i.changed
		i.mu.RUnlock()

		switch {
		case status == StatusClosed:
			return epoch, ErrClosed
		case status == StatusReady && epoch >= target:
			return epoch, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			return epoch, fmt.Errorf("await epoch %d (at %d, %s): %w", target, epoch, status, ErrHydrationTimeout)
		case <-ctx.Done():
			return epoch, ctx.Err()
		}
	}
}
