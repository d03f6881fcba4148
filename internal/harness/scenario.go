package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/scorelog/internal/reducer"
	"github.com/roach88/scorelog/internal/snapshot"
	"github.com/roach88/scorelog/internal/store"
)

// DefaultSession is the session tabs open when a scenario names none.
const DefaultSession = "table"

// Scenario defines a multi-tab replication scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. It is also the golden file name.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Session is the session every tab opens. Empty means DefaultSession.
	Session string `yaml:"session,omitempty"`

	// SnapshotTiers overrides the checkpoint tier table ("1000:20,5000:50").
	SnapshotTiers string `yaml:"snapshot_tiers,omitempty"`

	// Tabs names the Instances, opened in order before the first step.
	Tabs []string `yaml:"tabs"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// EventSpec is one event to append. An empty ID is generated.
type EventSpec struct {
	ID      string         `yaml:"id,omitempty"`
	Type    string         `yaml:"type"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// Step is one action taken by a tab.
type Step struct {
	Op  string `yaml:"op"`
	Tab string `yaml:"tab,omitempty"`

	// Event is the event of an append.
	Event *EventSpec `yaml:"event,omitempty"`

	// Events and Repeat describe an append_many. With Repeat > 0 the list is
	// emitted Repeat times; ids get a "-<n>" suffix so each copy is new.
	Events []EventSpec `yaml:"events,omitempty"`
	Repeat int         `yaml:"repeat,omitempty"`

	// Count is the number of messages a drop discards.
	Count int `yaml:"count,omitempty"`

	// Title names the record of an archive.
	Title string `yaml:"title,omitempty"`

	// Game selects the archived game a restore brings back (1-based, in
	// archive order).
	Game int `yaml:"game,omitempty"`

	// Session is the target of a reset. Empty reloads the tab's session.
	Session string `yaml:"session,omitempty"`

	// ExpectError is the rejection code an append must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step ops.
const (
	OpAppend     = "append"
	OpAppendMany = "append_many"
	OpDrop       = "drop"
	OpHold       = "hold"
	OpDeliver    = "deliver"
	OpArchive    = "archive"
	OpRestore    = "restore"
	OpReset      = "reset"
)

// Assertion validates the final state of a run.
type Assertion struct {
	Type string `yaml:"type"`
	Tab  string `yaml:"tab,omitempty"`

	// Height is the expected height (used by height).
	Height *int64 `yaml:"height,omitempty"`

	// Path and Value select and compare a state value (used by state).
	Path  string `yaml:"path,omitempty"`
	Value any    `yaml:"value,omitempty"`

	// Count is the expected number of games or snapshots.
	Count *int `yaml:"count,omitempty"`

	// Winner is the newest game's expected winner (used by games).
	Winner string `yaml:"winner,omitempty"`

	// Latest is the expected highest snapshot height (used by snapshots).
	Latest *int64 `yaml:"latest,omitempty"`

	// Interval is the expected checkpoint interval (used by interval).
	Interval int64 `yaml:"interval,omitempty"`
}

// Assertion type constants.
const (
	AssertHeight    = "height"
	AssertConverged = "converged"
	AssertState     = "state"
	AssertGames     = "games"
	AssertSnapshots = "snapshots"
	AssertInterval  = "interval"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// session returns the scenario's session name.
func (s *Scenario) session() string {
	if s.Session == "" {
		return DefaultSession
	}
	return s.Session
}

// policy builds the checkpoint policy.
func (s *Scenario) policy() (snapshot.Policy, error) {
	tiers, err := snapshot.ParseTiers(s.SnapshotTiers)
	if err != nil {
		return snapshot.Policy{}, err
	}
	return snapshot.NewPolicy(tiers)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if !store.ValidDBName(s.session()) {
		return fmt.Errorf("invalid session name %q", s.Session)
	}
	if _, err := s.policy(); err != nil {
		return fmt.Errorf("snapshot_tiers: %w", err)
	}

	if len(s.Tabs) == 0 {
		return fmt.Errorf("tabs list is required and must be non-empty")
	}
	tabs := make(map[string]bool, len(s.Tabs))
	for i, name := range s.Tabs {
		if name == "" {
			return fmt.Errorf("tabs[%d]: name is required", i)
		}
		if tabs[name] {
			return fmt.Errorf("tabs[%d]: duplicate tab %q", i, name)
		}
		tabs[name] = true
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i], tabs); err != nil {
			return err
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], tabs); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step, tabs map[string]bool) error {
	if st.Op == "" {
		return fmt.Errorf("steps[%d]: op is required", index)
	}
	needTab := st.Op != OpDeliver
	if needTab && st.Tab == "" {
		return fmt.Errorf("steps[%d]: tab is required for %s", index, st.Op)
	}
	if st.Tab != "" && !tabs[st.Tab] {
		return fmt.Errorf("steps[%d]: unknown tab %q", index, st.Tab)
	}
	if st.ExpectError != "" && st.Op != OpAppend && st.Op != OpAppendMany {
		return fmt.Errorf("steps[%d]: expect_error is only valid for append steps", index)
	}
	if st.ExpectError != "" && !knownCode(st.ExpectError) {
		return fmt.Errorf("steps[%d]: unknown rejection code %q", index, st.ExpectError)
	}

	switch st.Op {
	case OpAppend:
		if st.Event == nil {
			return fmt.Errorf("steps[%d]: event is required for append", index)
		}
	case OpAppendMany:
		if len(st.Events) == 0 {
			return fmt.Errorf("steps[%d]: events list is required for append_many", index)
		}
		if st.Repeat < 0 {
			return fmt.Errorf("steps[%d]: repeat must be non-negative", index)
		}
	case OpDrop:
		if st.Count < 1 {
			return fmt.Errorf("steps[%d]: count must be positive for drop", index)
		}
	case OpRestore:
		if st.Game < 1 {
			return fmt.Errorf("steps[%d]: game is required for restore (1-based)", index)
		}
	case OpReset:
		if st.Session != "" && !store.ValidDBName(st.Session) {
			return fmt.Errorf("steps[%d]: invalid session name %q", index, st.Session)
		}
	case OpHold, OpDeliver, OpArchive:
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}
	return nil
}

func knownCode(code string) bool {
	switch reducer.Code(code) {
	case reducer.CodeInvalidShape, reducer.CodeInvalidPayload, reducer.CodeUnknownType:
		return true
	}
	return false
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, tabs map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Tab != "" && !tabs[a.Tab] {
		return fmt.Errorf("assertions[%d]: unknown tab %q", index, a.Tab)
	}
	requireTab := func() error {
		if a.Tab == "" {
			return fmt.Errorf("assertions[%d]: tab is required for %s", index, a.Type)
		}
		return nil
	}

	switch a.Type {
	case AssertHeight:
		if err := requireTab(); err != nil {
			return err
		}
		if a.Height == nil {
			return fmt.Errorf("assertions[%d]: height is required for height", index)
		}
	case AssertConverged:
	case AssertState:
		if err := requireTab(); err != nil {
			return err
		}
		if a.Path == "" {
			return fmt.Errorf("assertions[%d]: path is required for state", index)
		}
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for state", index)
		}
	case AssertGames:
		if a.Count == nil && a.Winner == "" {
			return fmt.Errorf("assertions[%d]: count or winner is required for games", index)
		}
	case AssertSnapshots:
		if err := requireTab(); err != nil {
			return err
		}
		if a.Count == nil && a.Latest == nil {
			return fmt.Errorf("assertions[%d]: count or latest is required for snapshots", index)
		}
	case AssertInterval:
		if err := requireTab(); err != nil {
			return err
		}
		if a.Interval <= 0 {
			return fmt.Errorf("assertions[%d]: interval must be positive", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
