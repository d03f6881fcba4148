package ir

import "time"

// Event is one committed (or about to be committed) fact in a session log.
type Event struct {
	Type    string `json:"type"`
	Payload Object `json:"payload"`
	// EventID is the caller-generated idempotency key, unique per store.
	EventID string `json:"eventId"`
	// TS is wall time in Unix milliseconds. Informational only: ordering
	// always comes from Seq.
	TS int64 `json:"ts"`
	// Seq is assigned by the store at commit. Zero before commit.
	Seq int64 `json:"seq"`
}

// Snapshot is a checkpoint of the folded state at Height.
type Snapshot struct {
	Height    int64  `json:"height"`
	State     Object `json:"state"`
	StateHash string `json:"stateHash"`
	// Generation is the log generation the checkpoint was taken in.
	Generation int64 `json:"generation"`
}

// Bundle is a full export of a session log.
type Bundle struct {
	LatestSeq int64   `json:"latestSeq"`
	Events    []Event `json:"events"`
}

// Summary is the sealed projection of a finished session.
type Summary struct {
	WinnerID string           `json:"winnerId"`
	Scores   map[string]int64 `json:"scores"`
	Players  []string         `json:"players"`
	Rounds   int64            `json:"rounds"`
	Mode     string           `json:"mode,omitempty"`
	Meta     Object           `json:"meta,omitempty"`
}

// GameRecord is an archived session. Immutable once created.
type GameRecord struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"createdAt"`
	FinishedAt time.Time `json:"finishedAt"`
	LastSeq    int64     `json:"lastSeq"`
	Summary    Summary   `json:"summary"`
	Bundle     Bundle    `json:"bundle"`
}

// CommitResult reports where an event landed in the log.
type CommitResult struct {
	Seq int64
	// Inserted is false when the eventId already existed and Seq is the
	// existing row's seq.
	Inserted bool
	// Conflict is set on a duplicate whose stored type or payload differs
	// from the one offered. The stored row wins.
	Conflict bool
}
