package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/scorelog/internal/store"
)

// Directory hands out one Store per session name. Every Instance resolving
// the same name sees the same data.
type Directory struct {
	opts []Option

	mu     sync.Mutex
	stores map[string]*Store
}

var _ store.Resolver = (*Directory)(nil)

// NewDirectory returns an empty directory. opts apply to every store it
// creates.
func NewDirectory(opts ...Option) *Directory {
	return &Directory{opts: opts, stores: make(map[string]*Store)}
}

// Resolve returns the store for dbName, creating it on first use.
func (d *Directory) Resolve(ctx context.Context, dbName string) (store.Backend, error) {
	return d.Store(ctx, dbName)
}

// Store is Resolve returning the concrete type.
func (d *Directory) Store(ctx context.Context, dbName string) (*Store, error) {
	if !store.ValidDBName(dbName) {
		return nil, fmt.Errorf("resolve %q: invalid session name", dbName)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.stores[dbName]; ok {
		return s, nil
	}
	s, err := New(d.opts...)
	if err != nil {
		return nil, err
	}
	d.stores[dbName] = s
	return s, nil
}
