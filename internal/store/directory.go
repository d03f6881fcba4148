package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

var dbNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidDBName reports whether name is usable as a session name and file stem.
func ValidDBName(name string) bool {
	return dbNamePattern.MatchString(name)
}

// Directory resolves session names to SQLite files <dir>/<dbName>.db.
// Stores are opened once and shared by every caller in the process.
type Directory struct {
	dir  string
	opts []Option

	mu     sync.Mutex
	open   map[string]*Store
	closed bool
}

var _ Resolver = (*Directory)(nil)

// NewDirectory returns a resolver rooted at dir. The directory is created on
// first use.
func NewDirectory(dir string, opts ...Option) *Directory {
	return &Directory{dir: dir, opts: opts, open: make(map[string]*Store)}
}

// Resolve opens (or returns the already open) store for dbName.
func (d *Directory) Resolve(ctx context.Context, dbName string) (Backend, error) {
	return d.Store(ctx, dbName)
}

// Store is Resolve returning the concrete type.
func (d *Directory) Store(ctx context.Context, dbName string) (*Store, error) {
	if !ValidDBName(dbName) {
		return nil, fmt.Errorf("resolve %q: invalid session name", dbName)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, errors.New("resolve: directory closed")
	}
	if s, ok := d.open[dbName]; ok {
		return s, nil
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, fmt.Errorf("resolve %q: %w", dbName, err)
	}
	s, err := Open(d.Path(dbName), d.opts...)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", dbName, err)
	}
	d.open[dbName] = s
	return s, nil
}

// Path returns the file a session name maps to.
func (d *Directory) Path(dbName string) string {
	return filepath.Join(d.dir, dbName+".db")
}

// Close closes every store opened through d.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	var errs []error
	for name, s := range d.open {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(d.open, name)
	}
	return errors.Join(errs...)
}
