package engine

import (
	"context"
	"errors"

	"github.com/roach88/scorelog/internal/ir"
	"github.com/roach88/scorelog/internal/reducer"
	"github.com/roach88/scorelog/internal/replication"
	"github.com/roach88/scorelog/internal/snapshot"
)

// Append commits one event and folds it. See AppendMany.
func (i *Instance) Append(ctx context.Context, ev ir.Event) (int64, error) {
	return i.AppendMany(ctx, []ir.Event{ev})
}

// AppendMany validates evs, commits them in one transaction and folds every
// event the store now holds past the current height, in seq order. It
// returns the new height.
//
// A validation failure rejects the whole call before anything is written.
// Events whose eventId is already committed are not written again. A call
// that adds nothing new leaves the projection alone and sends nothing.
//
// TS is stamped from the Clock when zero.
func (i *Instance) AppendMany(ctx context.Context, evs []ir.Event) (int64, error) {
	if len(evs) == 0 {
		return i.Height(), nil
	}

	batch := make([]ir.Event, len(evs))
	for n, ev := range evs {
		ev.Seq = 0
		if ev.TS == 0 {
			ev.TS = i.cfg.Clock.NowMillis()
		}
		if err := i.cfg.Registry.Validate(ev); err != nil {
			i.reject(err)
			return i.Height(), err
		}
		batch[n] = ev
	}

	if err := i.acquire(ctx); err != nil {
		return i.Height(), err
	}
	defer i.release()

	i.mu.RLock()
	b, height, generation, interval := i.backend, i.height, i.generation, i.interval
	i.mu.RUnlock()

	results, err := b.Commit(ctx, batch)
	if err != nil {
		return height, storageErr("commit", err)
	}

	var top int64
	inserted := 0
	for n, res := range results {
		top = max(top, res.Seq)
		if res.Inserted {
			inserted++
			continue
		}
		i.m.EventsDuplicate.Inc()
		if res.Conflict {
			i.m.EventsConflict.Inc()
			fp, _ := ir.PayloadHash(batch[n].Type, batch[n].Payload)
			i.logger().Warn("duplicate eventId with different content, stored event kept",
				"eventId", batch[n].EventID, "seq", res.Seq, "offered", fp)
		}
	}
	i.m.EventsCommitted.Add(float64(inserted))

	gen, err := b.Generation(ctx)
	if err != nil {
		return height, storageErr("generation", err)
	}
	if gen != generation {
		// the log was replaced under us; our seqs belong to the new log
		if err := i.resyncLocked(ctx, "generation"); err != nil {
			return height, err
		}
		return i.publish(ctx, CauseResync), nil
	}

	if top <= height {
		return height, nil
	}

	tail, err := b.ReadRange(ctx, height, top)
	if err != nil {
		return height, storageErr("read", err)
	}
	if !contiguous(tail, height, top) {
		if err := i.resyncLocked(ctx, "gap"); err != nil {
			return height, err
		}
		return i.publish(ctx, CauseResync), nil
	}

	i.mu.RLock()
	state := i.state
	i.mu.RUnlock()
	for _, ev := range tail {
		state = i.cfg.Registry.Fold(state, ev)
		if snapshot.Due(ev.Seq, interval) {
			i.checkpoint(ctx, b, state, ev.Seq, generation)
		}
	}

	i.mu.Lock()
	i.state = state
	i.height = top
	i.mu.Unlock()

	return i.publish(ctx, CauseAppend), nil
}

// publish notifies listeners and announces the new height. Caller holds
// the mutation slot.
func (i *Instance) publish(ctx context.Context, cause string) int64 {
	h := i.Height()
	i.notify(cause)
	i.broadcast(ctx, replication.Append(h))
	return h
}

// reject reports a validation failure on the diagnostic side channel.
func (i *Instance) reject(err error) {
	code, _ := reducer.CodeOf(err)
	i.m.EventsInvalid.WithLabelValues(string(code)).Inc()

	d := Diagnostic{Code: code, Message: err.Error()}
	var ie *reducer.InvalidEventError
	if errors.As(err, &ie) {
		d.Type, d.EventID = ie.Type, ie.EventID
	}
	i.logger().Debug("event rejected", "code", code, "type", d.Type, "eventId", d.EventID)
	if i.cfg.OnDiagnostic != nil {
		i.cfg.OnDiagnostic(d)
	}
}

// contiguous reports whether evs are exactly seqs from+1..to.
func contiguous(evs []ir.Event, from, to int64) bool {
	if int64(len(evs)) != to-from {
		return false
	}
	for n, ev := range evs {
		if ev.Seq != from+int64(n)+1 {
			return false
		}
	}
	return true
}

// NewEvent builds an event with an id from the configured generator.
func (i *Instance) NewEvent(eventType string, payload ir.Object) ir.Event {
	return ir.Event{Type: eventType, Payload: payload, EventID: i.cfg.IDs.Generate()}
}
