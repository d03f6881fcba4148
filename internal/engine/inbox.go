package engine

import (
	"sync"

	"github.com/roach88/scorelog/internal/replication"
)

// inboxItem is either a peer message or a barrier closed once every item
// queued before it has been applied.
type inboxItem struct {
	msg     replication.Message
	barrier chan struct{}
}

// inbox is an unbounded FIFO between transport goroutines and the apply
// worker. Handlers must not block, so Push never waits.
//
// The signal channel has a buffer of 1: any number of pushes between two
// drains wake the worker once.
type inbox struct {
	mu     sync.Mutex
	items  []inboxItem
	closed bool
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{
		items:  make([]inboxItem, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Push queues a peer message. Returns false if the inbox is closed.
func (q *inbox) Push(msg replication.Message) bool {
	return q.push(inboxItem{msg: msg})
}

// Barrier queues a marker and returns a channel closed when the worker
// reaches it.
func (q *inbox) Barrier() (<-chan struct{}, bool) {
	ch := make(chan struct{})
	return ch, q.push(inboxItem{barrier: ch})
}

func (q *inbox) push(it inboxItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, it)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Drain removes and returns everything queued so far.
func (q *inbox) Drain() []inboxItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = make([]inboxItem, 0, 16)
	return out
}

// Wait returns a channel that signals when items may be available.
func (q *inbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued items.
func (q *inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes and releases any pending barriers.
func (q *inbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for _, it := range q.items {
		if it.barrier != nil {
			close(it.barrier)
		}
	}
	q.items = nil
}

// coalesce reduces a run of peer messages to the one that has to be
// applied: a reset if any reset is present, otherwise the highest append.
// ok is false when nothing needs applying.
func coalesce(items []inboxItem) (replication.Message, bool) {
	var (
		best  replication.Message
		found bool
	)
	for _, it := range items {
		if it.barrier != nil {
			continue
		}
		switch {
		case it.msg.Type == replication.TypeReset:
			return it.msg, true
		case !found || it.msg.Height > best.Height:
			best, found = it.msg, true
		}
	}
	return best, found
}
