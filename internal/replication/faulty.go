package replication

import (
	"context"
	"sync"
)

// Faulty wraps a Channel and lets tests lose or delay inbound messages.
// Outbound messages pass through untouched.
type Faulty struct {
	inner Channel

	mu      sync.Mutex
	drop    int
	holding bool
	held    []Message
	dropped int
	handler map[uint64]Handler
	next    uint64
	unsub   func()
}

var _ Channel = (*Faulty)(nil)

// NewFaulty wraps ch.
func NewFaulty(ch Channel) *Faulty {
	f := &Faulty{inner: ch, handler: make(map[uint64]Handler)}
	f.unsub = ch.Subscribe(f.receive)
	return f
}

// FaultyTransport wraps every channel opened on inner and reports each one
// to onOpen.
func FaultyTransport(inner Transport, onOpen func(name string, f *Faulty)) Transport {
	return TransportFunc(func(ctx context.Context, name string) (Channel, error) {
		ch, err := inner.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		f := NewFaulty(ch)
		if onOpen != nil {
			onOpen(name, f)
		}
		return f, nil
	})
}

// DropNext discards the next n inbound messages.
func (f *Faulty) DropNext(n int) {
	f.mu.Lock()
	f.drop += n
	f.mu.Unlock()
}

// Hold queues inbound messages instead of delivering them until Release.
func (f *Faulty) Hold() {
	f.mu.Lock()
	f.holding = true
	f.mu.Unlock()
}

// Release stops holding and delivers every queued message in order.
// Returns how many were delivered.
func (f *Faulty) Release() int {
	f.mu.Lock()
	f.holding = false
	held := f.held
	f.held = nil
	f.mu.Unlock()

	for _, msg := range held {
		f.dispatch(msg)
	}
	return len(held)
}

// Dropped returns how many messages have been discarded.
func (f *Faulty) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

func (f *Faulty) receive(msg Message) {
	f.mu.Lock()
	switch {
	case f.drop > 0:
		f.drop--
		f.dropped++
		f.mu.Unlock()
		return
	case f.holding:
		f.held = append(f.held, msg)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.dispatch(msg)
}

func (f *Faulty) dispatch(msg Message) {
	f.mu.Lock()
	hs := make([]Handler, 0, len(f.handler))
	for _, h := range f.handler {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

func (f *Faulty) Broadcast(ctx context.Context, msg Message) error {
	return f.inner.Broadcast(ctx, msg)
}

func (f *Faulty) Subscribe(h Handler) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.handler[id] = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.handler, id)
		f.mu.Unlock()
	}
}

func (f *Faulty) Close() error {
	f.unsub()
	return f.inner.Close()
}
