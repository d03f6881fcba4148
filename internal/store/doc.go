// Package store provides SQLite-backed durable storage for scorelog session
// logs, and the Backend contract every storage implementation meets.
//
// One database file holds one session and four collections:
//   - events: the append-only log, seq INTEGER PRIMARY KEY, UNIQUE(event_id)
//   - state: singleton bookkeeping documents (generation, last archived id)
//   - snapshots: folded-state checkpoints keyed by height
//   - games: archived sessions, indexed on created_at
//
// # Invariants
//
// Idempotent commit
//   - ON CONFLICT(event_id) DO NOTHING; a duplicate returns the stored seq
//   - the first write of an eventId wins, even if a later one differs
//
// Gapless seq
//   - assigned as MAX(seq)+1 inside a BEGIN IMMEDIATE transaction
//   - a batch commits or fails as a whole
//
// Ordering
//   - every read orders by seq ASC, never by ts
//
// Snapshots never point past the log
//   - PutSnapshot refuses heights above MAX(seq)
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - _txlock=immediate: take the write lock at BEGIN
//
// Payloads and states are stored as RFC 8785 canonical JSON (internal/ir),
// so a duplicate write is compared byte for byte.
package store
