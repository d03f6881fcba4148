// Package replication carries "the log changed" signals between Instances
// that share one store.
//
// Messages are small and best effort: {"type":"append","height":N} after a
// commit and {"type":"reset"} after the log is replaced. Receivers never
// trust a message for content. They read the store, so a lost or duplicated
// message costs at most a full resync.
//
// Transports:
//   - Bus: in-process fan-out, used by tests and single-process setups
//   - WSTransport + Hub: a loopback WebSocket relay between processes
//   - KeyFile: one signal file per session, watched with fsnotify; the
//     fallback when the primary transport is disabled or unreachable
//
// Factory picks between a primary and a fallback transport.
package replication
