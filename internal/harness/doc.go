// Package harness runs multi-tab replication scenarios against the engine.
//
// A scenario opens several tabs (engine Instances) on one shared in-memory
// store directory and one in-process bus. Every tab's inbound replication
// passes through a replication.Faulty, so scenarios can lose or delay
// messages and check that the tabs still converge.
//
// # Scenario Format
//
//	name: message_loss
//	description: "A dropped announcement is repaired by the next one"
//	session: table          # optional, default "table"
//	snapshot_tiers: ""      # optional, "max:interval,..." form
//	tabs: [a, b]
//	steps:
//	  - op: append
//	    tab: a
//	    event: {id: p1, type: player/added, payload: {playerId: alice, name: Alice}}
//	  - op: drop
//	    tab: b
//	    count: 1
//	  - op: append_many
//	    tab: a
//	    repeat: 3
//	    events:
//	      - {id: s, type: score/added, payload: {playerId: alice, points: 1}}
//	assertions:
//	  - type: converged
//	  - type: state
//	    tab: b
//	    path: scores.alice
//	    value: 3
//
// # Steps
//
//   - append, append_many: commit events through a tab. expect_error names
//     the rejection code the call must fail with.
//   - drop: the tab discards its next count inbound messages.
//   - hold: the tab queues inbound messages until deliver.
//   - deliver: release held messages on one tab, or on every tab.
//   - archive: seal the tab's session as a game.
//   - restore: restore the n-th game archived by this scenario (1-based).
//   - reset: reload the tab, optionally onto another session.
//
// After every step each tab drains its inbox, so the recorded heights are
// exactly what a tab shows once pending messages are applied.
//
// # Assertion Types
//
//   - height: a tab's height
//   - converged: tabs on the same session agree on height and state, and
//     the height is the store's max seq
//   - state: the value at a dotted path of a tab's state
//   - games: archived game count, and the newest game's winner
//   - snapshots: stored snapshot count and latest height
//   - interval: a tab's checkpoint interval
//
// # Determinism
//
// Event timestamps and archive times come from testutil.DeterministicClock
// and generated ids from testutil.SequentialIDs, so the same scenario
// always produces the same result. RunWithGolden compares per-step heights
// and final states against testdata/golden/<name>.golden.
package harness
