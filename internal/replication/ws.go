package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
)

const (
	wsWriteTimeout       = 5 * time.Second
	wsChannelParam       = "channel"
	wsReconnectTimeout   = 30 * time.Second
	wsRedialInitialDelay = 100 * time.Millisecond
	wsRedialMaxDelay     = 2 * time.Second
)

// Hub relays replication messages between WebSocket clients. Clients join a
// room by name (/ws?channel=<dbName>) and every text frame one client sends
// is forwarded to the others in the room. The hub never interprets frames
// beyond routing.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	rooms  map[string]map[*websocket.Conn]struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub. logger may be nil.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		logger: logger,
		rooms:  make(map[string]map[*websocket.Conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP upgrades the request and joins the requested room.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get(wsChannelParam)
	if name == "" {
		http.Error(w, "missing channel parameter", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if !h.join(name, conn) {
		_ = conn.Close(websocket.StatusGoingAway, "hub shutting down")
		return
	}
	h.logger.Debug("replication client joined", "channel", name, "clients", h.Clients(name))

	h.wg.Add(1)
	defer h.wg.Done()
	h.readLoop(name, conn)
}

func (h *Hub) join(name string, conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	room, ok := h.rooms[name]
	if !ok {
		room = make(map[*websocket.Conn]struct{})
		h.rooms[name] = room
	}
	room[conn] = struct{}{}
	return true
}

func (h *Hub) readLoop(name string, conn *websocket.Conn) {
	defer h.remove(name, conn)

	for {
		typ, data, err := conn.Read(h.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if _, err := Decode(data); err != nil {
			h.logger.Warn("dropping malformed replication frame", "channel", name, "error", err)
			continue
		}
		h.relay(name, conn, data)
	}
}

func (h *Hub) relay(name string, from *websocket.Conn, data []byte) {
	h.mu.RLock()
	peers := make([]*websocket.Conn, 0, len(h.rooms[name]))
	for conn := range h.rooms[name] {
		if conn != from {
			peers = append(peers, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range peers {
		ctx, cancel := context.WithTimeout(h.ctx, wsWriteTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Debug("replication relay failed", "channel", name, "error", err)
			h.remove(name, conn)
		}
	}
}

func (h *Hub) remove(name string, conn *websocket.Conn) {
	h.mu.Lock()
	room := h.rooms[name]
	_, exists := room[conn]
	if exists {
		delete(room, conn)
		if len(room) == 0 {
			delete(h.rooms, name)
		}
	}
	h.mu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}

// Clients returns how many clients are in the room.
func (h *Hub) Clients(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[name])
}

// Rooms returns the member count of every room.
func (h *Hub) Rooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for name, room := range h.rooms {
		out[name] = len(room)
	}
	return out
}

// Close disconnects every client and waits for their loops to exit.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var conns []*websocket.Conn
	for _, room := range h.rooms {
		for conn := range room {
			conns = append(conns, conn)
		}
	}
	h.rooms = make(map[string]map[*websocket.Conn]struct{})
	h.mu.Unlock()

	h.cancel()
	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "hub shutting down")
	}
	h.wg.Wait()
	return nil
}

// ErrDisconnected is returned by Broadcast while a WebSocket channel has lost
// its hub and has not reconnected yet.
var ErrDisconnected = errors.New("replication: hub disconnected")

// WSTransport opens channels as WebSocket connections to a Hub. A channel
// that loses its hub redials with backoff; peers are told to resync with a
// reset once it is back. When redial gives up the channel moves to Fallback,
// if set, and stays disconnected otherwise.
type WSTransport struct {
	// URL is the hub endpoint, e.g. ws://127.0.0.1:7411/ws.
	URL    string
	Logger *slog.Logger

	// ReconnectTimeout bounds one redial attempt sequence. Zero means 30s.
	ReconnectTimeout time.Duration
	Fallback         Transport
}

// Open dials the hub and joins the named room.
func (t *WSTransport) Open(ctx context.Context, name string) (Channel, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("replication hub url: %w", err)
	}
	q := u.Query()
	q.Set(wsChannelParam, name)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial replication hub: %w", err)
	}

	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := t.ReconnectTimeout
	if timeout <= 0 {
		timeout = wsReconnectTimeout
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	ch := &wsChannel{
		endpoint: newEndpoint(),
		url:      u.String(),
		name:     name,
		timeout:  timeout,
		fallback: t.Fallback,
		logger:   logger,
		conn:     conn,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go ch.run(loopCtx, conn)
	return ch, nil
}

type wsChannel struct {
	*endpoint
	url      string
	name     string
	timeout  time.Duration
	fallback Transport
	logger   *slog.Logger

	// conn is nil while disconnected. fb is set once the channel has
	// handed over to the fallback transport.
	mu   sync.Mutex
	conn *websocket.Conn
	fb   Channel

	cancel context.CancelFunc
	done   chan struct{}
}

func (c *wsChannel) run(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)
	for {
		c.read(ctx, conn)
		c.setConn(nil)
		if ctx.Err() != nil || c.isClosed() {
			return
		}

		next, err := c.redial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("replication hub unreachable", "channel", c.name, "error", err)
				c.handover(ctx)
			}
			return
		}
		if !c.setConn(next) {
			_ = next.Close(websocket.StatusNormalClosure, "")
			return
		}
		c.logger.Info("replication hub reconnected", "channel", c.name)
		conn = next
		// Appends sent while we were away are lost.
		c.deliver(Reset())
	}
}

func (c *wsChannel) read(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !c.isClosed() && !errors.Is(err, context.Canceled) {
				c.logger.Warn("replication hub connection lost, reconnecting", "channel", c.name, "error", err)
			}
			return
		}
		msg, err := Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed replication frame", "channel", c.name, "error", err)
			continue
		}
		c.deliver(msg)
	}
}

func (c *wsChannel) redial(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = wsRedialInitialDelay
	b.MaxInterval = wsRedialMaxDelay
	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			c.logger.Debug("replication hub redial failed", "channel", c.name, "error", err)
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(c.timeout))
}

// handover moves the channel onto the fallback transport for good.
func (c *wsChannel) handover(ctx context.Context) {
	if c.fallback == nil {
		return
	}
	fb, err := c.fallback.Open(ctx, c.name)
	if err != nil {
		c.logger.Error("fallback replication transport unavailable", "channel", c.name, "error", err)
		return
	}
	fb.Subscribe(c.deliver)

	c.mu.Lock()
	if c.isClosed() {
		c.mu.Unlock()
		_ = fb.Close()
		return
	}
	c.fb = fb
	c.mu.Unlock()

	c.logger.Warn("replication switched to fallback transport", "channel", c.name)
	c.deliver(Reset())
}

// setConn swaps the live connection. Reports false once the channel is
// closed.
func (c *wsChannel) setConn(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return false
	}
	c.conn = conn
	return true
}

func (c *wsChannel) Broadcast(ctx context.Context, msg Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	conn, fb := c.conn, c.fb
	c.mu.Unlock()
	if fb != nil {
		return fb.Broadcast(ctx, msg)
	}
	if conn == nil {
		return fmt.Errorf("broadcast on %s: %w", c.name, ErrDisconnected)
	}

	data, err := Encode(c.stamp(msg))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("broadcast on %s: %w", c.name, err)
	}
	return nil
}

func (c *wsChannel) Subscribe(h Handler) func() {
	return c.subscribe(h)
}

func (c *wsChannel) Close() error {
	if !c.close() {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	// The close handshake may fail if the hub is already gone; the
	// connection is released either way.
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	c.cancel()
	<-c.done

	c.mu.Lock()
	fb := c.fb
	c.fb = nil
	c.mu.Unlock()
	if fb != nil {
		return fb.Close()
	}
	return nil
}
