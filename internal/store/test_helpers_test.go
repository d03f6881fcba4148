package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/roach88/scorelog/internal/ir"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testEvent creates a test event with minimal required fields.
func testEvent(id, typ string, payload ir.Object) ir.Event {
	if payload == nil {
		payload = ir.Object{}
	}
	return ir.Event{Type: typ, EventID: id, Payload: payload, TS: 1_700_000_000_000}
}

func testEvents(prefix string, n int) []ir.Event {
	out := make([]ir.Event, n)
	for i := range out {
		out[i] = testEvent(fmt.Sprintf("%s-%d", prefix, i+1), "test/tick", ir.Object{"i": ir.Int(int64(i + 1))})
	}
	return out
}
