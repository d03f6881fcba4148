package harness

import "github.com/roach88/scorelog/internal/ir"

// TraceEvent records one executed step and the tab heights after it.
type TraceEvent struct {
	Step    int              `json:"step"`
	Op      string           `json:"op"`
	Tab     string           `json:"tab,omitempty"`
	Heights map[string]int64 `json:"heights"`

	// Error is the rejection code of an expected failure.
	Error string `json:"error,omitempty"`
}

// TabState is a tab's projection at the end of a scenario.
type TabState struct {
	Session   string    `json:"session"`
	Height    int64     `json:"height"`
	Interval  int64     `json:"interval"`
	State     ir.Object `json:"state"`
	Snapshots []int64   `json:"snapshots"`
}

// GameInfo is an archived game left in the scenario's session.
type GameInfo struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	LastSeq int64  `json:"lastSeq"`
	Winner  string `json:"winner"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step and assertion succeeded.
	Pass bool `json:"pass"`

	// Trace has one entry per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds step and assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Tabs holds final projections by tab name.
	Tabs map[string]TabState `json:"tabs"`

	// Games lists the default session's archive, newest first.
	Games []GameInfo `json:"games"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Tabs:   make(map[string]TabState),
		Games:  []GameInfo{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
