package engine

import "time"

// Clock stamps event TS values. TS is informational; seq orders events.
//
// Implemented by SystemClock (production) and testutil.DeterministicClock
// (tests).
type Clock interface {
	// NowMillis returns wall time in Unix milliseconds.
	NowMillis() int64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// NowMillis implements Clock.
func (SystemClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}
