// Package snapshot decides how often a session log is checkpointed.
//
// The interval is picked from the log's size when an Instance opens: small
// logs checkpoint often, large logs less often, so a reload never replays
// more than one interval of events.
package snapshot

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Tier maps logs with at most MaxEvents events to an Interval.
type Tier struct {
	MaxEvents int64 `mapstructure:"max_events" yaml:"max_events"`
	Interval  int64 `mapstructure:"interval" yaml:"interval"`
}

// DefaultTiers is the tier table used when none is configured.
var DefaultTiers = []Tier{
	{MaxEvents: 1000, Interval: 20},
	{MaxEvents: 5000, Interval: 50},
	{MaxEvents: 20000, Interval: 100},
}

// Policy is an ordered tier table.
type Policy struct {
	tiers []Tier
}

// NewPolicy validates and sorts tiers. An empty table means DefaultTiers.
func NewPolicy(tiers []Tier) (Policy, error) {
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MaxEvents < sorted[j].MaxEvents })

	for i, t := range sorted {
		if t.Interval <= 0 {
			return Policy{}, fmt.Errorf("snapshot tier %d: interval must be positive, got %d", i, t.Interval)
		}
		if t.MaxEvents < 0 {
			return Policy{}, fmt.Errorf("snapshot tier %d: max_events must not be negative", i)
		}
		if i > 0 && sorted[i-1].MaxEvents == t.MaxEvents {
			return Policy{}, fmt.Errorf("snapshot tiers: duplicate max_events %d", t.MaxEvents)
		}
	}
	return Policy{tiers: sorted}, nil
}

// Default returns the policy built from DefaultTiers.
func Default() Policy {
	p, _ := NewPolicy(nil)
	return p
}

// Interval returns the checkpoint interval for a log holding count events.
// Counts above the largest tier use the largest tier's interval.
func (p Policy) Interval(count int64) int64 {
	tiers := p.tiers
	if len(tiers) == 0 {
		tiers = DefaultTiers
	}
	for _, t := range tiers {
		if count <= t.MaxEvents {
			return t.Interval
		}
	}
	return tiers[len(tiers)-1].Interval
}

// Tiers returns a copy of the table.
func (p Policy) Tiers() []Tier {
	out := make([]Tier, len(p.tiers))
	copy(out, p.tiers)
	return out
}

// Due reports whether seq lands on a checkpoint for interval.
func Due(seq, interval int64) bool {
	return interval > 0 && seq > 0 && seq%interval == 0
}

// ParseTiers reads the compact "max:interval,max:interval" form used by
// flags and environment variables, e.g. "1000:20,5000:50".
func ParseTiers(s string) ([]Tier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var tiers []Tier
	for _, part := range strings.Split(s, ",") {
		maxStr, ivStr, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("snapshot tier %q: want max:interval", part)
		}
		maxEvents, err := strconv.ParseInt(maxStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("snapshot tier %q: %w", part, err)
		}
		interval, err := strconv.ParseInt(ivStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("snapshot tier %q: %w", part, err)
		}
		tiers = append(tiers, Tier{MaxEvents: maxEvents, Interval: interval})
	}
	return tiers, nil
}
