package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/scorelog/internal/ir"
)

// Snapshot is what a golden file pins for a scenario: the heights every tab
// showed after each step, the final projections, and the archive.
//
// Game ids and snapshot lists are left out; ids are random by
// construction and snapshot placement has its own assertion.
type Snapshot struct {
	Scenario string
	Trace    []TraceEvent
	Tabs     map[string]TabState
	Games    []GameInfo
}

// toCanonicalMap converts a Snapshot to plain maps for canonical JSON.
// ir.MarshalCanonical only handles IR types and primitives.
func (s *Snapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		heights := make(map[string]any, len(ev.Heights))
		for name, h := range ev.Heights {
			heights[name] = h
		}
		m := map[string]any{
			"step":    ev.Step,
			"op":      ev.Op,
			"heights": heights,
		}
		if ev.Tab != "" {
			m["tab"] = ev.Tab
		}
		if ev.Error != "" {
			m["error"] = ev.Error
		}
		trace[i] = m
	}

	tabs := make(map[string]any, len(s.Tabs))
	for name, ts := range s.Tabs {
		tabs[name] = map[string]any{
			"session": ts.Session,
			"height":  ts.Height,
			"state":   ts.State,
		}
	}

	games := make([]any, len(s.Games))
	for i, g := range s.Games {
		games[i] = map[string]any{
			"title":   g.Title,
			"lastSeq": g.LastSeq,
			"winner":  g.Winner,
		}
	}

	return map[string]any{
		"scenario": s.Scenario,
		"trace":    trace,
		"tabs":     tabs,
		"games":    games,
	}
}

// MarshalSnapshot renders result as the canonical JSON stored in golden
// files.
func MarshalSnapshot(name string, result *Result) ([]byte, error) {
	snap := Snapshot{Scenario: name, Trace: result.Trace, Tabs: result.Tabs, Games: result.Games}
	return ir.MarshalCanonical(snap.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares it against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass. Test failure (via
// goldie) occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(name, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
