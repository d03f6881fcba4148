package replication

import (
	"context"
	"sync"
)

// Bus is an in-process transport. Broadcast delivers synchronously to every
// other channel open on the same name.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*busChannel]struct{}
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[string]map[*busChannel]struct{})}
}

// Open joins the named channel.
func (b *Bus) Open(ctx context.Context, name string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := &busChannel{endpoint: newEndpoint(), bus: b, name: name}

	b.mu.Lock()
	defer b.mu.Unlock()
	peers, ok := b.topics[name]
	if !ok {
		peers = make(map[*busChannel]struct{})
		b.topics[name] = peers
	}
	peers[ch] = struct{}{}
	return ch, nil
}

// Members returns how many channels are open on name.
func (b *Bus) Members(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[name])
}

func (b *Bus) publish(name string, msg Message) {
	b.mu.RLock()
	peers := make([]*busChannel, 0, len(b.topics[name]))
	for ch := range b.topics[name] {
		peers = append(peers, ch)
	}
	b.mu.RUnlock()

	for _, ch := range peers {
		ch.deliver(msg)
	}
}

func (b *Bus) leave(ch *busChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	peers := b.topics[ch.name]
	delete(peers, ch)
	if len(peers) == 0 {
		delete(b.topics, ch.name)
	}
}

type busChannel struct {
	*endpoint
	bus  *Bus
	name string
}

func (c *busChannel) Broadcast(ctx context.Context, msg Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.bus.publish(c.name, c.stamp(msg))
	return nil
}

func (c *busChannel) Subscribe(h Handler) func() {
	return c.subscribe(h)
}

func (c *busChannel) Close() error {
	if c.close() {
		c.bus.leave(c)
	}
	return nil
}
