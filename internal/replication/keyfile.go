package replication

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// KeyFile is the fallback transport: one signal file per session,
// <Dir>/<name>.signal, rewritten on every broadcast. Peers watch the
// directory and read the file whenever it changes.
//
// Rapid broadcasts can coalesce into one observed change. Receivers only
// need the latest height, so this loses nothing they cannot recover.
type KeyFile struct {
	Dir    string
	Logger *slog.Logger
}

var nonceCounter atomic.Uint64

// Open starts watching the signal file for name.
func (k *KeyFile) Open(ctx context.Context, name string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(k.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("signal dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory: the file is replaced by rename, which would
	// drop a watch on the file itself.
	if err := watcher.Add(k.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch signal dir %s: %w", k.Dir, err)
	}

	logger := k.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ch := &keyFileChannel{
		endpoint: newEndpoint(),
		path:     filepath.Join(k.Dir, name+".signal"),
		watcher:  watcher,
		logger:   logger,
		done:     make(chan struct{}),
	}
	ch.wg.Add(1)
	go ch.processEvents()
	return ch, nil
}

// SignalPath returns the file a session's signals are written to.
func (k *KeyFile) SignalPath(name string) string {
	return filepath.Join(k.Dir, name+".signal")
}

type keyFileChannel struct {
	*endpoint
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup

	// last is the nonce most recently delivered, to skip repeated events for
	// one write.
	last string
}

func (c *keyFileChannel) processEvents() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return

		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Name != c.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			c.readSignal()

		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("signal watcher error", "path", c.path, "error", err)
		}
	}
}

func (c *keyFileChannel) readSignal() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("read signal file", "path", c.path, "error", err)
		}
		return
	}
	if len(data) == 0 {
		return
	}
	msg, err := Decode(data)
	if err != nil {
		c.logger.Debug("ignoring partial signal file", "path", c.path, "error", err)
		return
	}
	if msg.Nonce != "" && msg.Nonce == c.last {
		return
	}
	c.last = msg.Nonce
	c.deliver(msg)
}

// Broadcast overwrites the signal file. The write goes through a temp file
// and rename so readers never see a torn value.
func (c *keyFileChannel) Broadcast(ctx context.Context, msg Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg = c.stamp(msg)
	msg.Nonce = strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(nonceCounter.Add(1), 36)
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".signal-*")
	if err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("broadcast: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("broadcast: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("broadcast: %w", err)
	}
	return nil
}

func (c *keyFileChannel) Subscribe(h Handler) func() {
	return c.subscribe(h)
}

func (c *keyFileChannel) Close() error {
	if !c.close() {
		return nil
	}
	close(c.done)
	if err := c.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	c.wg.Wait()
	return nil
}
