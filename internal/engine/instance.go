package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/scorelog/internal/ir"
	"github.com/roach88/scorelog/internal/reducer"
	"github.com/roach88/scorelog/internal/replication"
	"github.com/roach88/scorelog/internal/snapshot"
	"github.com/roach88/scorelog/internal/store"
)

// DefaultHydrationTimeout bounds AwaitHydration when Config leaves it unset.
const DefaultHydrationTimeout = 5 * time.Second

// Status is the lifecycle state of an Instance.
type Status int

const (
	StatusLoading Status = iota
	StatusReady
	StatusRehydrating
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusRehydrating:
		return "rehydrating"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Change causes reported to Subscribe listeners.
const (
	CauseAppend    = "append"
	CauseReplicate = "replicate"
	CauseResync    = "resync"
	CauseReset     = "reset"
	CauseRehydrate = "rehydrate"
)

// Change is delivered to Subscribe listeners after the projection moves.
type Change struct {
	DBName string
	Height int64
	State  ir.Object
	Cause  string
}

// Hydration phases reported to OnHydration listeners.
const (
	HydrationStart = "start"
	HydrationDone  = "done"
)

// HydrationEvent marks the start or end of a (re)load. Epoch is set on done.
type HydrationEvent struct {
	Phase  string
	DBName string
	Epoch  int64
}

// Diagnostic describes an event rejected before commit.
type Diagnostic struct {
	Code    reducer.Code
	Type    string
	EventID string
	Message string
}

// Route names the session an Instance serves.
type Route struct {
	DBName string
}

// Config wires an Instance. Registry and Resolver are required.
type Config struct {
	Registry *reducer.Registry
	Resolver store.Resolver

	// Transport opens the replication channel for the route. Nil means a
	// single-reader session (replication.Nop).
	Transport replication.Transport

	Policy           snapshot.Policy
	HydrationTimeout time.Duration

	Clock   Clock
	IDs     IDGenerator
	Logger  *slog.Logger
	Metrics *Metrics
	Diag    *DiagRegistry

	// OnDiagnostic receives one call per rejected event.
	OnDiagnostic func(Diagnostic)

	// OnHydration is registered before the first load so the hydration
	// events of Open itself are observed.
	OnHydration func(HydrationEvent)
}

func (c Config) withDefaults() (Config, error) {
	if c.Registry == nil {
		return c, errors.New("engine: config requires a Registry")
	}
	if c.Resolver == nil {
		return c, errors.New("engine: config requires a Resolver")
	}
	if c.Transport == nil {
		c.Transport = replication.Nop{}
	}
	if c.HydrationTimeout <= 0 {
		c.HydrationTimeout = DefaultHydrationTimeout
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.IDs == nil {
		c.IDs = UUIDv7Generator{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	return c, nil
}

// Instance is one live session: the in-memory projection of a log plus its
// replication endpoint.
//
// Thread-safety model:
//   - State, Height, Epoch, Status, DBName: safe from any goroutine
//   - mutating methods: safe from any goroutine, run one at a time
//   - listeners: called with the mutation slot held, must not mutate
type Instance struct {
	cfg Config
	m   *Metrics

	// sem is the single mutation slot.
	sem chan struct{}

	mu         sync.RWMutex
	dbName     string
	backend    store.Backend
	channel    replication.Channel
	unsub      func()
	state      ir.Object
	height     int64
	generation int64
	interval   int64
	epoch      int64
	status     Status
	changed    chan struct{} // closed and replaced whenever status or epoch moves

	lmu        sync.Mutex
	listeners  map[uint64]func(Change)
	hydrations map[uint64]func(HydrationEvent)
	nextID     uint64

	inbox  *inbox
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	diagID    uint64
	closeOnce sync.Once
	closeErr  error
}

// Open resolves route, loads its log and joins its replication channel.
// The returned Instance is Ready at epoch 1.
func Open(ctx context.Context, cfg Config, route Route) (*Instance, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		cfg:        cfg,
		m:          cfg.Metrics,
		sem:        make(chan struct{}, 1),
		dbName:     route.DBName,
		status:     StatusLoading,
		changed:    make(chan struct{}),
		listeners:  make(map[uint64]func(Change)),
		hydrations: make(map[uint64]func(HydrationEvent)),
		inbox:      newInbox(),
		ctx:        runCtx,
		cancel:     cancel,
	}
	if cfg.OnHydration != nil {
		inst.OnHydration(cfg.OnHydration)
	}

	inst.sem <- struct{}{}
	defer func() { <-inst.sem }()

	inst.emitHydration(HydrationEvent{Phase: HydrationStart, DBName: route.DBName})
	started := time.Now()

	backend, err := cfg.Resolver.Resolve(ctx, route.DBName)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open %s: resolve: %w", route.DBName, err)
	}
	ch, unsub := inst.joinChannel(ctx, route.DBName)

	view, err := inst.load(ctx, backend)
	if err != nil {
		unsub()
		ch.Close()
		cancel()
		return nil, err
	}

	inst.mu.Lock()
	inst.backend = backend
	inst.channel = ch
	inst.unsub = unsub
	inst.applyView(view)
	inst.epoch = 1
	inst.status = StatusReady
	inst.signalLocked()
	inst.mu.Unlock()

	inst.m.Hydrations.Inc()
	inst.m.HydrationDuration.Observe(time.Since(started).Seconds())
	inst.logger().Debug("instance hydrated", "height", view.height, "interval", view.interval, "epoch", 1)
	inst.emitHydration(HydrationEvent{Phase: HydrationDone, DBName: route.DBName, Epoch: 1})

	if cfg.Diag != nil {
		inst.diagID = cfg.Diag.add(inst)
	}

	inst.wg.Add(1)
	go inst.run()
	return inst, nil
}

// joinChannel opens the replication channel for name and routes its
// messages into the inbox. A transport failure degrades to a silent channel.
func (i *Instance) joinChannel(ctx context.Context, name string) (replication.Channel, func()) {
	ch, err := i.cfg.Transport.Open(ctx, name)
	if err != nil {
		i.logger().Warn("replication channel unavailable, running without peers", "error", err)
		ch, _ = replication.Nop{}.Open(ctx, name)
	}
	unsub := ch.Subscribe(func(msg replication.Message) {
		i.inbox.Push(msg)
	})
	return ch, unsub
}

func (i *Instance) logger() *slog.Logger {
	return i.cfg.Logger.With("db", i.DBName())
}

// acquire takes the mutation slot.
func (i *Instance) acquire(ctx context.Context) error {
	select {
	case i.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-i.ctx.Done():
		return ErrClosed
	}
	if i.Status() == StatusClosed {
		<-i.sem
		return ErrClosed
	}
	return nil
}

func (i *Instance) release() {
	<-i.sem
}

// view is a fully loaded projection ready to publish.
type view struct {
	state      ir.Object
	height     int64
	generation int64
	interval   int64
}

// applyView publishes v. Caller holds mu.
func (i *Instance) applyView(v view) {
	i.state = v.state
	i.height = v.height
	i.generation = v.generation
	if v.interval > 0 {
		i.interval = v.interval
	}
}

// signalLocked wakes AwaitHydration waiters. Caller holds mu.
func (i *Instance) signalLocked() {
	close(i.changed)
	i.changed = make(chan struct{})
}

// State returns the current projection. The returned object is shared and
// must not be modified.
func (i *Instance) State() ir.Object {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Height returns the seq of the last folded event.
func (i *Instance) Height() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.height
}

// Epoch counts completed hydrations: 1 after Open, +1 per Rehydrate.
func (i *Instance) Epoch() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.epoch
}

// Status returns the lifecycle state.
func (i *Instance) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.status
}

// DBName returns the session name currently served.
func (i *Instance) DBName() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.dbName
}

// SnapshotInterval returns the checkpoint interval chosen at the last
// hydration.
func (i *Instance) SnapshotInterval() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.interval
}

// Backend returns the store backend currently served.
func (i *Instance) Backend() store.Backend {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.backend
}

func (i *Instance) info() InstanceInfo {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return InstanceInfo{
		DBName:   i.dbName,
		Status:   i.status.String(),
		Height:   i.height,
		Epoch:    i.epoch,
		Interval: i.interval,
		Version:  ir.EngineVersion,
	}
}

// Subscribe registers cb for projection changes.
func (i *Instance) Subscribe(cb func(Change)) (unsubscribe func()) {
	i.lmu.Lock()
	defer i.lmu.Unlock()
	id := i.nextID
	i.nextID++
	i.listeners[id] = cb
	return i.unregister(func() { delete(i.listeners, id) })
}

// OnHydration registers cb for hydration start and done events.
func (i *Instance) OnHydration(cb func(HydrationEvent)) (unsubscribe func()) {
	i.lmu.Lock()
	defer i.lmu.Unlock()
	id := i.nextID
	i.nextID++
	i.hydrations[id] = cb
	return i.unregister(func() { delete(i.hydrations, id) })
}

func (i *Instance) unregister(del func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			i.lmu.Lock()
			del()
			i.lmu.Unlock()
		})
	}
}

// notify delivers one Change built from the published view.
func (i *Instance) notify(cause string) {
	i.mu.RLock()
	c := Change{DBName: i.dbName, Height: i.height, State: i.state, Cause: cause}
	i.mu.RUnlock()

	i.lmu.Lock()
	cbs := make([]func(Change), 0, len(i.listeners))
	for _, cb := range i.listeners {
		cbs = append(cbs, cb)
	}
	i.lmu.Unlock()

	for _, cb := range cbs {
		cb(c)
	}
}

func (i *Instance) emitHydration(ev HydrationEvent) {
	i.lmu.Lock()
	cbs := make([]func(HydrationEvent), 0, len(i.hydrations))
	for _, cb := range i.hydrations {
		cbs = append(cbs, cb)
	}
	i.lmu.Unlock()

	for _, cb := range cbs {
		cb(ev)
	}
}

// broadcast announces msg to peers. Failures are logged and counted; the
// commit they follow is already durable.
func (i *Instance) broadcast(ctx context.Context, msg replication.Message) {
	i.mu.RLock()
	ch := i.channel
	i.mu.RUnlock()
	if ch == nil {
		return
	}
	if err := ch.Broadcast(ctx, msg); err != nil {
		i.m.BroadcastFailures.Inc()
		i.logger().Warn("replication broadcast failed", "type", msg.Type, "height", msg.Height, "error", err)
	}
}

// Close stops the apply worker, leaves the replication channel and drops
// every listener. Safe to call more than once. The backend stays open: its
// Resolver owns it.
func (i *Instance) Close() error {
	i.closeOnce.Do(func() {
		i.inbox.Close()
		i.cancel()
		i.wg.Wait()

		// wait out an in-flight mutation
		i.sem <- struct{}{}
		defer func() { <-i.sem }()

		i.mu.Lock()
		ch, unsub := i.channel, i.unsub
		i.channel, i.unsub = nil, nil
		i.status = StatusClosed
		i.signalLocked()
		i.mu.Unlock()

		if unsub != nil {
			unsub()
		}
		if ch != nil {
			i.closeErr = ch.Close()
		}

		i.lmu.Lock()
		i.listeners = make(map[uint64]func(Change))
		i.hydrations = make(map[uint64]func(HydrationEvent))
		i.lmu.Unlock()

		if i.cfg.Diag != nil {
			i.cfg.Diag.remove(i.diagID)
		}
		i.logger().Debug("instance closed")
	})
	return i.closeErr
}
