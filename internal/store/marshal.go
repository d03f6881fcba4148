package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/scorelog/internal/ir"
)

// marshalObject converts an Object to canonical JSON TEXT for storage.
// Canonical form means a duplicate write can be compared byte for byte.
func marshalObject(obj ir.Object) (string, error) {
	if obj == nil {
		obj = ir.Object{}
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return string(data), nil
}

// unmarshalObject parses stored JSON TEXT. Uses ir.Object.UnmarshalJSON,
// which decodes numbers through json.Number to keep int64 precision.
func unmarshalObject(data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	var obj ir.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return obj, nil
}

func marshalSummary(sum ir.Summary) (string, error) {
	data, err := json.Marshal(sum)
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	return string(data), nil
}

func unmarshalSummary(data string) (ir.Summary, error) {
	var sum ir.Summary
	if err := json.Unmarshal([]byte(data), &sum); err != nil {
		return ir.Summary{}, fmt.Errorf("unmarshal summary: %w", err)
	}
	return sum, nil
}

func marshalBundle(b ir.Bundle) (string, error) {
	if b.Events == nil {
		b.Events = []ir.Event{}
	}
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}
	return string(data), nil
}

func unmarshalBundle(data string) (ir.Bundle, error) {
	var b ir.Bundle
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return ir.Bundle{}, fmt.Errorf("unmarshal bundle: %w", err)
	}
	if b.Events == nil {
		b.Events = []ir.Event{}
	}
	return b, nil
}

// Times are stored as Unix milliseconds, the resolution of event ts.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func parseGeneration(value string, found bool) (int64, error) {
	if !found || value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse generation %q: %w", value, err)
	}
	return n, nil
}
