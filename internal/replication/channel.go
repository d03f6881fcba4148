package replication

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("replication: channel closed")

// Handler receives messages from peers. Handlers run on the transport's
// goroutine and must not block.
type Handler func(Message)

// Channel is one participant on a named broadcast channel. A participant
// never receives its own messages.
type Channel interface {
	Broadcast(ctx context.Context, msg Message) error
	Subscribe(h Handler) (unsubscribe func())
	Close() error
}

// Transport opens channels by session name.
type Transport interface {
	Open(ctx context.Context, name string) (Channel, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, name string) (Channel, error)

// Open implements Transport.
func (f TransportFunc) Open(ctx context.Context, name string) (Channel, error) {
	return f(ctx, name)
}

// endpoint is the handler list and echo filter shared by every Channel
// implementation.
type endpoint struct {
	origin string

	mu       sync.RWMutex
	handlers map[uint64]Handler
	next     uint64
	closed   bool
}

func newEndpoint() *endpoint {
	return &endpoint{origin: uuid.NewString(), handlers: make(map[uint64]Handler)}
}

func (e *endpoint) subscribe(h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return func() {}
	}
	id := e.next
	e.next++
	e.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers, id)
			e.mu.Unlock()
		})
	}
}

// stamp marks msg as sent from this endpoint.
func (e *endpoint) stamp(msg Message) Message {
	msg.Origin = e.origin
	return msg
}

func (e *endpoint) deliver(msg Message) {
	if msg.Origin == e.origin {
		return
	}
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	hs := make([]Handler, 0, len(e.handlers))
	for _, h := range e.handlers {
		hs = append(hs, h)
	}
	e.mu.RUnlock()

	for _, h := range hs {
		h(msg)
	}
}

// close drops every handler. Reports false if already closed.
func (e *endpoint) close() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true
	e.handlers = nil
	return true
}

func (e *endpoint) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Factory opens channels on Primary, or on Fallback when the primary is
// disabled, missing, or fails to open.
type Factory struct {
	Primary        Transport
	Fallback       Transport
	DisablePrimary bool
	Logger         *slog.Logger
}

// Open implements Transport.
func (f Factory) Open(ctx context.Context, name string) (Channel, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if f.Primary != nil && !f.DisablePrimary {
		ch, err := f.Primary.Open(ctx, name)
		if err == nil {
			return ch, nil
		}
		if f.Fallback == nil {
			return nil, err
		}
		logger.Warn("primary replication transport unavailable, using fallback", "channel", name, "error", err)
	}
	if f.Fallback != nil {
		return f.Fallback.Open(ctx, name)
	}
	return Nop{}.Open(ctx, name)
}

// Nop is a transport whose channels send and receive nothing. For a
// session with a single reader.
type Nop struct{}

// Open implements Transport.
func (Nop) Open(context.Context, string) (Channel, error) {
	return nopChannel{}, nil
}

type nopChannel struct{}

func (nopChannel) Broadcast(context.Context, Message) error { return nil }
func (nopChannel) Subscribe(Handler) func()                 { return func() {} }
func (nopChannel) Close() error                             { return nil }
