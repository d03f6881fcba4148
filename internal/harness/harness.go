package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/scorelog/internal/archive"
	"github.com/roach88/scorelog/internal/engine"
	"github.com/roach88/scorelog/internal/ir"
	"github.com/roach88/scorelog/internal/memstore"
	"github.com/roach88/scorelog/internal/reducer"
	"github.com/roach88/scorelog/internal/replication"
	"github.com/roach88/scorelog/internal/scoring"
	"github.com/roach88/scorelog/internal/snapshot"
	"github.com/roach88/scorelog/internal/testutil"
)

// tab is one open Instance and the fault injector on its inbound side.
type tab struct {
	name string
	inst *engine.Instance
	arch *archive.Manager

	mu     sync.Mutex
	faulty *replication.Faulty
}

func (t *tab) setFaulty(f *replication.Faulty) {
	t.mu.Lock()
	t.faulty = f
	t.mu.Unlock()
}

// Faulty is replaced whenever the tab rejoins a channel.
func (t *tab) fault() *replication.Faulty {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.faulty
}

// Harness executes one scenario. Every run gets a fresh store directory
// and bus.
type Harness struct {
	scenario *Scenario
	dir      *memstore.Directory
	bus      *replication.Bus
	clock    *testutil.DeterministicClock
	ids      *testutil.SequentialIDs
	seeds    *testutil.SequentialIDs
	policy   snapshot.Policy
	logger   *slog.Logger

	tabs  map[string]*tab
	games []string
}

// Run executes a scenario with logging suppressed.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario, nil)
}

// RunContext executes a scenario and returns the result.
// A nil logger discards engine logs.
//
// Execution flow:
//  1. Open every tab on the scenario's session
//  2. Execute steps, draining every tab after each one
//  3. Evaluate assertions
//  4. Capture final tab states and archived games
//
// Step and assertion failures are reported in the Result. The error return
// is for runs that could not be set up or inspected.
func RunContext(ctx context.Context, scenario *Scenario, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	policy, err := scenario.policy()
	if err != nil {
		return nil, fmt.Errorf("snapshot_tiers: %w", err)
	}

	h := &Harness{
		scenario: scenario,
		dir:      memstore.NewDirectory(),
		bus:      replication.NewBus(),
		clock:    testutil.NewDeterministicClock(),
		ids:      testutil.NewSequentialIDs("ev"),
		seeds:    testutil.NewSequentialIDs("seed"),
		policy:   policy,
		logger:   logger,
		tabs:     make(map[string]*tab, len(scenario.Tabs)),
	}
	defer h.close()

	for _, name := range scenario.Tabs {
		if err := h.openTab(ctx, name); err != nil {
			return nil, err
		}
	}

	result := NewResult()
	for i, st := range scenario.Steps {
		ev := TraceEvent{Step: i + 1, Op: st.Op, Tab: st.Tab}
		code, err := h.execute(ctx, st)
		if err != nil {
			result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, st.Op, err))
		}
		ev.Error = code
		if err := h.settle(ctx); err != nil {
			return nil, fmt.Errorf("steps[%d]: drain: %w", i, err)
		}
		ev.Heights = h.heights()
		result.Trace = append(result.Trace, ev)
	}

	if err := h.capture(ctx, result); err != nil {
		return nil, err
	}

	for i, a := range scenario.Assertions {
		if err := h.evaluate(ctx, a, result); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return result, nil
}

func (h *Harness) openTab(ctx context.Context, name string) error {
	t := &tab{name: name}
	log := h.logger.With("tab", name)
	cfg := engine.Config{
		Registry: scoring.Registry(),
		Resolver: h.dir,
		Transport: replication.FaultyTransport(h.bus, func(_ string, f *replication.Faulty) {
			t.setFaulty(f)
		}),
		Policy:           h.policy,
		HydrationTimeout: time.Second,
		Clock:            h.clock,
		IDs:              h.ids,
		Logger:           log,
	}
	inst, err := engine.Open(ctx, cfg, engine.Route{DBName: h.scenario.session()})
	if err != nil {
		return fmt.Errorf("open tab %s: %w", name, err)
	}
	t.inst = inst
	t.arch = archive.New(inst, scoring.Registry(), scoring.Summarize,
		archive.WithClock(h.clock),
		archive.WithIDs(h.seeds),
		archive.WithLogger(log),
	)
	h.tabs[name] = t
	return nil
}

func (h *Harness) close() {
	for _, name := range h.scenario.Tabs {
		if t, ok := h.tabs[name]; ok {
			_ = t.inst.Close()
		}
	}
}

// execute runs one step. A returned code is the expected rejection the
// step ended with.
func (h *Harness) execute(ctx context.Context, st Step) (string, error) {
	t := h.tabs[st.Tab]

	switch st.Op {
	case OpAppend:
		ev, err := h.event(t, *st.Event, "")
		if err != nil {
			return "", err
		}
		_, err = t.inst.Append(ctx, ev)
		return expectRejection(st.ExpectError, err)

	case OpAppendMany:
		evs, err := h.batch(t, st)
		if err != nil {
			return "", err
		}
		_, err = t.inst.AppendMany(ctx, evs)
		return expectRejection(st.ExpectError, err)

	case OpDrop:
		t.fault().DropNext(st.Count)

	case OpHold:
		t.fault().Hold()

	case OpDeliver:
		if t != nil {
			t.fault().Release()
			break
		}
		for _, name := range h.scenario.Tabs {
			h.tabs[name].fault().Release()
		}

	case OpArchive:
		rec, err := t.arch.ArchiveCurrentGameAndReset(ctx, archive.Options{Title: st.Title})
		if err != nil {
			return "", err
		}
		if rec != nil {
			h.games = append(h.games, rec.ID)
		}

	case OpRestore:
		if st.Game > len(h.games) {
			return "", fmt.Errorf("game %d not archived (have %d)", st.Game, len(h.games))
		}
		if _, err := t.arch.RestoreGame(ctx, h.games[st.Game-1]); err != nil {
			return "", err
		}

	case OpReset:
		target := st.Session
		if target == "" {
			target = t.inst.DBName()
		}
		if _, err := t.inst.Rehydrate(ctx, engine.RehydrateOptions{Route: engine.Route{DBName: target}}); err != nil {
			return "", err
		}

	default:
		return "", fmt.Errorf("unknown op %q", st.Op)
	}
	return "", nil
}

// expectRejection matches an append error against the expected code.
func expectRejection(want string, err error) (string, error) {
	if want == "" {
		return "", err
	}
	if err == nil {
		return "", fmt.Errorf("expected rejection %s, append succeeded", want)
	}
	code, ok := reducer.CodeOf(err)
	if !ok {
		return "", fmt.Errorf("expected rejection %s, got: %w", want, err)
	}
	if string(code) != want {
		return "", fmt.Errorf("expected rejection %s, got %s", want, code)
	}
	return want, nil
}

func (h *Harness) event(t *tab, spec EventSpec, suffix string) (ir.Event, error) {
	var payload ir.Object
	if spec.Payload != nil {
		v, err := ir.FromGo(spec.Payload)
		if err != nil {
			return ir.Event{}, fmt.Errorf("payload of %s: %w", spec.Type, err)
		}
		obj, ok := v.(ir.Object)
		if !ok {
			return ir.Event{}, fmt.Errorf("payload of %s: not an object", spec.Type)
		}
		payload = obj
	}

	ev := t.inst.NewEvent(spec.Type, payload)
	if spec.ID != "" {
		ev.EventID = spec.ID + suffix
	}
	return ev, nil
}

func (h *Harness) batch(t *tab, st Step) ([]ir.Event, error) {
	if st.Repeat == 0 {
		evs := make([]ir.Event, 0, len(st.Events))
		for _, spec := range st.Events {
			ev, err := h.event(t, spec, "")
			if err != nil {
				return nil, err
			}
			evs = append(evs, ev)
		}
		return evs, nil
	}

	evs := make([]ir.Event, 0, len(st.Events)*st.Repeat)
	for n := 1; n <= st.Repeat; n++ {
		for _, spec := range st.Events {
			ev, err := h.event(t, spec, fmt.Sprintf("-%d", n))
			if err != nil {
				return nil, err
			}
			evs = append(evs, ev)
		}
	}
	return evs, nil
}

// settle waits until every tab has applied the messages it received.
func (h *Harness) settle(ctx context.Context) error {
	for _, name := range h.scenario.Tabs {
		if err := h.tabs[name].inst.Drain(ctx); err != nil && !errors.Is(err, engine.ErrClosed) {
			return fmt.Errorf("tab %s: %w", name, err)
		}
	}
	return nil
}

func (h *Harness) heights() map[string]int64 {
	out := make(map[string]int64, len(h.tabs))
	for name, t := range h.tabs {
		out[name] = t.inst.Height()
	}
	return out
}

// capture records final tab projections and the default session's games.
func (h *Harness) capture(ctx context.Context, result *Result) error {
	for _, name := range h.scenario.Tabs {
		inst := h.tabs[name].inst
		snaps, err := inst.Backend().SnapshotHeights(ctx)
		if err != nil {
			return fmt.Errorf("tab %s: snapshots: %w", name, err)
		}
		result.Tabs[name] = TabState{
			Session:   inst.DBName(),
			Height:    inst.Height(),
			Interval:  inst.SnapshotInterval(),
			State:     inst.State(),
			Snapshots: snaps,
		}
	}

	b, err := h.dir.Resolve(ctx, h.scenario.session())
	if err != nil {
		return fmt.Errorf("resolve %s: %w", h.scenario.session(), err)
	}
	recs, err := b.ListGames(ctx)
	if err != nil {
		return fmt.Errorf("list games: %w", err)
	}
	for _, rec := range recs {
		result.Games = append(result.Games, GameInfo{
			ID:      rec.ID,
			Title:   rec.Title,
			LastSeq: rec.LastSeq,
			Winner:  rec.Summary.WinnerID,
		})
	}
	return nil
}
