// Package engine runs one live session: an Instance owns the in-memory
// projection of a session log, commits local events to its store backend,
// and keeps itself in step with peers sharing the same backend.
//
// CONCURRENCY MODEL:
//
// Every operation that changes the projection (Append, inbound replication,
// Rehydrate, Import, Seal, Restore) runs while holding a single-slot
// semaphore, so they execute one at a time in arrival order. Readers
// (State, Height, Epoch, Status) take a read lock on the published view and
// never wait on the semaphore.
//
// Inbound replication messages are queued in a coalescing inbox and applied
// by one worker goroutine. A burst of announcements collapses into a single
// catch-up read.
//
// Listeners registered with Subscribe and OnHydration are called
// synchronously while the semaphore is held. They must not call mutating
// methods on the same Instance.
//
// ORDERING:
//
// The in-memory projection is always the fold of events 1..Height in seq
// order, where seq comes from the store. Wall-clock TS never orders
// anything.
package engine
