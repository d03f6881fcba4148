package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start of a DeterministicClock: 2023-11-14T22:13:20Z.
const Epoch int64 = 1_700_000_000_000

// DeterministicClock is a wall clock for tests that advances by a fixed
// step on every read.
//
// It satisfies engine.Clock (NowMillis) and the archive clock (Now), so the
// same scenario always stamps the same TS values and record times.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start int64
	step  int64
	now   int64
}

// NewDeterministicClock creates a clock at Epoch that advances 1ms per read.
//
// The first call to NowMillis() returns Epoch+1.
func NewDeterministicClock() *DeterministicClock {
	return NewDeterministicClockAt(Epoch, 1)
}

// NewDeterministicClockAt creates a clock at start (Unix ms) advancing step
// ms per read.
func NewDeterministicClockAt(start, step int64) *DeterministicClock {
	return &DeterministicClock{start: start, step: step, now: start}
}

// NowMillis advances the clock and returns the new time in Unix ms.
func (c *DeterministicClock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += c.step
	return c.now
}

// Now is NowMillis as a UTC time.Time.
func (c *DeterministicClock) Now() time.Time {
	return time.UnixMilli(c.NowMillis()).UTC()
}

// Current returns the last value handed out without advancing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d without a read.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d.Milliseconds()
}

// Reset returns the clock to its start.
//
// After Reset(), the next call to NowMillis() returns start+step again.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
