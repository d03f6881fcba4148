package store_test

import (
	"testing"

	"github.com/roach88/scorelog/internal/store"
	"github.com/roach88/scorelog/internal/store/storetest"
)

func TestSQLiteBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		d := store.NewDirectory(t.TempDir())
		t.Cleanup(func() { d.Close() })
		b, err := d.Resolve(t.Context(), "conformance")
		if err != nil {
			t.Fatalf("Resolve() failed: %v", err)
		}
		return b
	})
}
