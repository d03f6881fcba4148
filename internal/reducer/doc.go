// Package reducer holds the static table of event types a session log
// accepts.
//
// Each Definition pairs an event type with a CUE schema for its payload and a
// pure fold function. The engine validates every event against the registry
// before commit and folds committed events through it; it never interprets
// payloads itself.
//
// Dispatch is a map lookup on the event type. There is no reflection and no
// dynamic registration after the engine starts using a Registry.
package reducer
