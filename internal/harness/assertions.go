package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/scorelog/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes the step trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s %s\n", ev.Step, ev.Op, ev.Tab, formatHeights(ev.Heights))
	}
	return buf.String()
}

func formatHeights(heights map[string]int64) string {
	names := make([]string, 0, len(heights))
	for name := range heights {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, heights[name])
	}
	return strings.Join(parts, " ")
}

func (h *Harness) evaluate(ctx context.Context, a Assertion, result *Result) error {
	switch a.Type {
	case AssertHeight:
		return assertHeight(result, a)
	case AssertConverged:
		return h.assertConverged(ctx, result)
	case AssertState:
		return assertState(result, a)
	case AssertGames:
		return assertGames(result, a)
	case AssertSnapshots:
		return assertSnapshots(result, a)
	case AssertInterval:
		return assertInterval(result, a)
	default:
		return fmt.Errorf("unknown assertion type: %s", a.Type)
	}
}

func assertHeight(result *Result, a Assertion) error {
	got := result.Tabs[a.Tab].Height
	if got != *a.Height {
		return &AssertionError{
			Type:     AssertHeight,
			Expected: fmt.Sprintf("tab %s at height %d", a.Tab, *a.Height),
			Actual:   fmt.Sprintf("height %d", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertConverged checks that tabs sharing a session agree with each other
// and with the store.
func (h *Harness) assertConverged(ctx context.Context, result *Result) error {
	bySession := make(map[string][]string)
	for _, name := range h.scenario.Tabs {
		s := result.Tabs[name].Session
		bySession[s] = append(bySession[s], name)
	}

	for session, names := range bySession {
		b, err := h.dir.Resolve(ctx, session)
		if err != nil {
			return err
		}
		maxSeq, err := b.MaxSeq(ctx)
		if err != nil {
			return err
		}

		first := result.Tabs[names[0]]
		for _, name := range names {
			ts := result.Tabs[name]
			if ts.Height != maxSeq {
				return &AssertionError{
					Type:     AssertConverged,
					Expected: fmt.Sprintf("tab %s at store height %d", name, maxSeq),
					Actual:   fmt.Sprintf("height %d", ts.Height),
					Trace:    result.Trace,
				}
			}
			if !ir.Equal(ts.State, first.State) {
				return &AssertionError{
					Type:     AssertConverged,
					Expected: fmt.Sprintf("tab %s state %s", name, canonicalString(first.State)),
					Actual:   canonicalString(ts.State),
					Trace:    result.Trace,
				}
			}
		}
	}
	return nil
}

func assertState(result *Result, a Assertion) error {
	want, err := ir.FromGo(a.Value)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}
	got, ok := lookup(result.Tabs[a.Tab].State, a.Path)
	if !ok {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("tab %s %s = %s", a.Tab, a.Path, canonicalString(want)),
			Actual:   "path not found",
			Trace:    result.Trace,
		}
	}
	if !ir.Equal(got, want) {
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("tab %s %s = %s", a.Tab, a.Path, canonicalString(want)),
			Actual:   canonicalString(got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// lookup walks a dotted path through nested objects. Array elements are
// addressed by their "id" field.
func lookup(state ir.Object, path string) (ir.Value, bool) {
	var cur ir.Value = state
	for _, key := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case ir.Object:
			next, ok := v[key]
			if !ok {
				return nil, false
			}
			cur = next
		case ir.Array:
			found := false
			for _, elem := range v {
				if obj, ok := elem.(ir.Object); ok && obj.String("id") == key {
					cur, found = obj, true
					break
				}
			}
			if !found {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	return cur, true
}

func assertGames(result *Result, a Assertion) error {
	if a.Count != nil && len(result.Games) != *a.Count {
		return &AssertionError{
			Type:     AssertGames,
			Expected: fmt.Sprintf("%d archived games", *a.Count),
			Actual:   fmt.Sprintf("%d", len(result.Games)),
			Trace:    result.Trace,
		}
	}
	if a.Winner == "" {
		return nil
	}
	if len(result.Games) == 0 {
		return &AssertionError{
			Type:     AssertGames,
			Expected: fmt.Sprintf("newest game won by %s", a.Winner),
			Actual:   "no archived games",
			Trace:    result.Trace,
		}
	}
	if got := result.Games[0].Winner; got != a.Winner {
		return &AssertionError{
			Type:     AssertGames,
			Expected: fmt.Sprintf("newest game won by %s", a.Winner),
			Actual:   fmt.Sprintf("won by %q", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertSnapshots(result *Result, a Assertion) error {
	snaps := result.Tabs[a.Tab].Snapshots
	if a.Count != nil && len(snaps) != *a.Count {
		return &AssertionError{
			Type:     AssertSnapshots,
			Expected: fmt.Sprintf("%d snapshots in tab %s's store", *a.Count, a.Tab),
			Actual:   fmt.Sprintf("%d %v", len(snaps), snaps),
			Trace:    result.Trace,
		}
	}
	if a.Latest == nil {
		return nil
	}
	var latest int64
	if len(snaps) > 0 {
		latest = snaps[len(snaps)-1]
	}
	if latest != *a.Latest {
		return &AssertionError{
			Type:     AssertSnapshots,
			Expected: fmt.Sprintf("latest snapshot at %d", *a.Latest),
			Actual:   fmt.Sprintf("%d", latest),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertInterval(result *Result, a Assertion) error {
	got := result.Tabs[a.Tab].Interval
	if got != a.Interval {
		return &AssertionError{
			Type:     AssertInterval,
			Expected: fmt.Sprintf("tab %s checkpointing every %d", a.Tab, a.Interval),
			Actual:   fmt.Sprintf("every %d", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

func canonicalString(v ir.Value) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}
