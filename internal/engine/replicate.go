package engine

import (
	"context"

	"github.com/roach88/scorelog/internal/replication"
)

// run applies inbox items until the Instance closes.
func (i *Instance) run() {
	defer i.wg.Done()
	for {
		select {
		case <-i.ctx.Done():
			return
		case <-i.inbox.Wait():
		}

		items := i.inbox.Drain()
		start := 0
		for n, it := range items {
			if it.barrier == nil {
				continue
			}
			i.applyBatch(items[start:n])
			close(it.barrier)
			start = n + 1
		}
		i.applyBatch(items[start:])
	}
}

func (i *Instance) applyBatch(items []inboxItem) {
	msg, ok := coalesce(items)
	if !ok {
		return
	}
	if err := i.acquire(i.ctx); err != nil {
		return
	}
	defer i.release()

	if err := i.applyLocked(i.ctx, msg); err != nil && i.ctx.Err() == nil {
		i.logger().Warn("replication message not applied", "type", msg.Type, "height", msg.Height, "error", err)
	}
}

// applyLocked brings the projection up to what msg announces. Desyncs are
// repaired with a full resync and never reported to callers.
func (i *Instance) applyLocked(ctx context.Context, msg replication.Message) error {
	i.m.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()

	if msg.Type == replication.TypeReset {
		if err := i.resyncLocked(ctx, "reset"); err != nil {
			return err
		}
		i.notify(CauseReset)
		return nil
	}

	i.mu.RLock()
	b, height, generation := i.backend, i.height, i.generation
	i.mu.RUnlock()

	gen, err := b.Generation(ctx)
	if err != nil {
		return storageErr("generation", err)
	}
	if gen != generation {
		// a reset we never heard about
		if err := i.resyncLocked(ctx, "generation"); err != nil {
			return err
		}
		i.notify(CauseResync)
		return nil
	}

	if msg.Height <= height {
		return nil
	}

	tail, err := b.ReadRange(ctx, height, msg.Height)
	if err != nil {
		return storageErr("read", err)
	}
	maxSeq, err := b.MaxSeq(ctx)
	if err != nil {
		return storageErr("max seq", err)
	}
	if !contiguous(tail, height, msg.Height) || maxSeq > msg.Height {
		i.logger().Debug("replication desync", "local", height, "announced", msg.Height, "max", maxSeq)
		if err := i.resyncLocked(ctx, "gap"); err != nil {
			return err
		}
		i.notify(CauseResync)
		return nil
	}

	i.mu.RLock()
	state := i.state
	i.mu.RUnlock()
	state = i.cfg.Registry.FoldAll(state, tail)

	i.mu.Lock()
	i.state = state
	i.height = msg.Height
	i.mu.Unlock()

	i.notify(CauseReplicate)
	return nil
}

// Drain waits until every replication message received before the call
// has been applied.
func (i *Instance) Drain(ctx context.Context) error {
	done, ok := i.inbox.Barrier()
	if !ok {
		return ErrClosed
	}
	select {
	case <-done:
		if i.Status() == StatusClosed {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
