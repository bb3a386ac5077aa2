// Package directory implements the file-system-shaped facade over a
// writer agent: logical paths under an optional prefix, an in-memory
// atomic side-table for small control files, and a watch-subscription
// mechanism for observers that want to react to writes and deletes.
package directory

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/go-mizu/segstore/agent"
)

// ErrNotFound is returned by facade operations that address a path with
// no current fragment list or atomic entry.
var ErrNotFound = errors.New("directory: no such file")

// EventKind classifies a Watch notification.
type EventKind int

const (
	EventWrite EventKind = iota
	EventDelete
)

func (k EventKind) String() string {
	switch k {
	case EventWrite:
		return "write"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is delivered to every active Watch subscriber each time Notify is
// called with it; the facade does not generate events on its own writes
// or deletes.
type Event struct {
	Path string
	Kind EventKind
}

// Config configures a Facade.
type Config struct {
	Logger *slog.Logger
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{}
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Facade is a file-system-shaped view over an *agent.Agent. Multiple
// facades, each with its own prefix, may share one agent; the prefix only
// namespaces logical paths, it does not isolate the underlying segment.
type Facade struct {
	agent       *agent.Agent
	prefix      string
	segmentPath string
	logger      *slog.Logger

	mu      sync.RWMutex
	atomics map[string][]byte

	watchMu  sync.RWMutex
	watchers map[ulid.ULID]func(Event)
}

// New creates a Facade over a, namespacing every logical path under prefix
// ("" for no namespacing). segmentPath is the active segment file's path,
// used only by SyncDirectory to locate its parent directory.
func New(a *agent.Agent, prefix, segmentPath string, cfg Config) *Facade {
	cfg.applyDefaults()
	return &Facade{
		agent:       a,
		prefix:      prefix,
		segmentPath: segmentPath,
		logger:      cfg.Logger,
		atomics:     make(map[string][]byte),
		watchers:    make(map[ulid.ULID]func(Event)),
	}
}

func (f *Facade) fullPath(path string) string {
	return f.prefix + path
}

// Exists reports whether path currently has a fragment list in the
// agent's index (possibly empty, e.g. after a zero-length write).
func (f *Facade) Exists(path string) bool {
	return f.agent.Exists(f.fullPath(path))
}

// GetFileHandle returns a FileHandle for path, or ErrNotFound if path has
// never been written (or was deleted).
func (f *Facade) GetFileHandle(path string) (*FileHandle, error) {
	size, ok := f.agent.FileLen(f.fullPath(path))
	if !ok {
		return nil, ErrNotFound
	}
	return &FileHandle{path: path, size: size, facade: f}, nil
}

// Delete removes path's fragments. It does not notify watchers: per the
// watch contract, the core never triggers callbacks itself, only the
// indexer does, at its own commit barriers, via Notify.
func (f *Facade) Delete(path string) error {
	return f.agent.Delete(f.fullPath(path))
}

// OpenWrite returns a WriteStream for appending to path. Every buffered
// write it issues is overwrite=false; replacing path's contents wholesale
// goes through AtomicWrite instead.
func (f *Facade) OpenWrite(path string) *WriteStream {
	return &WriteStream{
		facade:   f,
		path:     path,
		fullPath: f.fullPath(path),
	}
}

// AtomicRead returns a copy of path's atomic side-table entry, or
// ErrNotFound if it has never been atomically written.
func (f *Facade) AtomicRead(path string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, ok := f.atomics[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// AtomicWrite replaces path's atomic side-table entry in one step: readers
// never observe a partial write. It also forwards the bytes to the agent
// as a write_static(path, bytes, overwrite=true), so path still lands in
// the fragment index and is packed into any published segment; the
// side-table exists only to serve AtomicRead without a round trip through
// the agent.
func (f *Facade) AtomicWrite(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := append([]byte(nil), data...)

	full := f.fullPath(path)
	if err := f.agent.Write(ctx, full, data, true); err != nil {
		return err
	}

	f.mu.Lock()
	f.atomics[path] = stored
	f.mu.Unlock()
	return nil
}

// SyncDirectory fsyncs the directory containing the facade's segment
// file, so directory entries created there (the segment file itself, or
// a published segment Export renamed into that same directory) survive a
// crash. A published segment exported to a different directory is not
// covered. On non-Linux platforms it is a no-op. See the decision
// recorded in DESIGN.md for why this is implemented rather than left a
// no-op.
func (f *Facade) SyncDirectory() error {
	return syncDirectory(f.segmentPath)
}

// Watch registers cb to be called on every Event the indexer reports via
// Notify for any path under this facade. It returns the subscription's
// ULID and a cancel function; the ULID distinguishes subscribers in logs
// and diagnostics.
func (f *Facade) Watch(cb func(Event)) (ulid.ULID, func()) {
	id := ulid.Make()
	f.watchMu.Lock()
	f.watchers[id] = cb
	f.watchMu.Unlock()

	f.logger.Debug("watch subscribed", "id", id.String())
	return id, func() {
		f.watchMu.Lock()
		delete(f.watchers, id)
		f.watchMu.Unlock()
	}
}

// Notify fans e out to every active Watch subscriber. The facade never
// calls this itself on Write/Delete/AtomicWrite: per the watch contract,
// the core does not trigger callbacks, the indexer does, at whatever
// points it considers a commit barrier.
func (f *Facade) Notify(e Event) {
	f.watchMu.RLock()
	defer f.watchMu.RUnlock()
	for _, cb := range f.watchers {
		cb(e)
	}
}
