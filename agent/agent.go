// Package agent implements the single-threaded writer agent: one goroutine
// owning one fragment.Index and one segment.Backend exclusively, driven by
// a bounded mailbox of closures. All reads, writes, deletes, and exports
// against a given segment go through this goroutine, so the index and
// backend never need their own locking.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-mizu/segstore/fragment"
	"github.com/go-mizu/segstore/publish"
	"github.com/go-mizu/segstore/segment"
	"github.com/go-mizu/segstore/segment/blocking"
	"github.com/go-mizu/segstore/segment/directio"
)

// MailboxCapacity bounds the number of pending operations an Agent will
// queue before Write/Delete/ReadRange/Export callers start blocking.
const MailboxCapacity = 100

// ErrFinalized is returned by any operation submitted after Close: the
// agent's backend has been closed and the segment is no longer writable
// or readable through this agent.
var ErrFinalized = errors.New("agent: finalized")

// Config configures an Agent. The zero value is not ready to use; call
// DefaultConfig and override fields as needed.
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

// Agent owns one fragment.Index and one segment.Backend for the lifetime
// of one active segment file.
type Agent struct {
	mailbox chan func()
	stopCh  chan struct{}
	stopped sync.Once

	idx     *fragment.Index
	backend segment.Backend
	direct  bool
	logger  *slog.Logger
}

// Open selects a backend for segmentPath by probing direct-I/O capability
// in dir, then starts the agent goroutine. The backend choice is sticky
// for the Agent's lifetime; it is never re-probed.
func Open(dir, segmentPath string, cfg Config) (*Agent, error) {
	cfg.applyDefaults()

	direct := directio.Probe(dir)
	var backend segment.Backend
	var err error
	if direct {
		backend, err = directio.Open(segmentPath)
	} else {
		backend, err = blocking.Open(segmentPath)
	}
	if err != nil {
		return nil, fmt.Errorf("agent: open backend for %s: %w", segmentPath, err)
	}

	a := &Agent{
		mailbox: make(chan func(), MailboxCapacity),
		stopCh:  make(chan struct{}),
		idx:     fragment.New(),
		backend: backend,
		direct:  direct,
		logger:  cfg.Logger,
	}
	a.logger.Info("agent opened", "segment", segmentPath, "direct_io", direct)
	go a.run()
	return a, nil
}

// Direct reports whether the agent selected the direct-I/O backend.
func (a *Agent) Direct() bool { return a.direct }

func (a *Agent) run() {
	for {
		select {
		case job := <-a.mailbox:
			job()
		case <-a.stopCh:
			return
		}
	}
}

// submit enqueues job on the mailbox, blocking until there is room, ctx is
// done, or the agent has been closed.
func (a *Agent) submit(ctx context.Context, job func()) error {
	select {
	case <-a.stopCh:
		return ErrFinalized
	default:
	}
	select {
	case a.mailbox <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopCh:
		return ErrFinalized
	}
}

// Write appends data to path's fragment list and waits for the append to
// complete. If overwrite is true, path's existing fragments are discarded
// first; the new bytes are still appended to the segment file, never
// written in place.
func (a *Agent) Write(ctx context.Context, path string, data []byte, overwrite bool) error {
	respCh, err := a.WriteAsync(ctx, path, data, overwrite)
	if err != nil {
		return err
	}
	select {
	case err := <-respCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteAsync submits path's append-and-mark job to the mailbox and
// returns as soon as it is accepted, without waiting for the backend
// append itself to complete. The returned channel receives exactly one
// response once the job runs; callers that want to pipeline many writes
// ahead of reading their results (e.g. directory.WriteStream) call this
// directly instead of Write.
func (a *Agent) WriteAsync(ctx context.Context, path string, data []byte, overwrite bool) (<-chan error, error) {
	respCh := make(chan error, 1)
	err := a.submit(ctx, func() {
		start, end, err := a.backend.Append(ctx, data)
		if err != nil {
			respCh <- fmt.Errorf("agent: append: %w", err)
			return
		}
		a.idx.Mark(path, start, end, overwrite)
		respCh <- nil
	})
	if err != nil {
		return nil, err
	}
	return respCh, nil
}

// Delete removes path's fragment list. Apart from ErrFinalized after
// Close, it never fails: deleting a path that was never written or
// already deleted is a no-op.
func (a *Agent) Delete(path string) error {
	ctx := context.Background()
	done := make(chan struct{})
	err := a.submit(ctx, func() {
		a.idx.Clear(path)
		close(done)
	})
	if err != nil {
		return err
	}
	<-done
	return nil
}

// Exists reports whether path currently has a fragment list.
func (a *Agent) Exists(path string) bool {
	ctx := context.Background()
	respCh := make(chan bool, 1)
	if err := a.submit(ctx, func() { respCh <- a.idx.Exists(path) }); err != nil {
		return false
	}
	return <-respCh
}

// FileLen returns path's logical length and true, or (0, false) if path
// does not exist.
func (a *Agent) FileLen(path string) (uint64, bool) {
	ctx := context.Background()
	type result struct {
		size uint64
		ok   bool
	}
	respCh := make(chan result, 1)
	if err := a.submit(ctx, func() {
		size, ok := a.idx.Size(path)
		respCh <- result{size, ok}
	}); err != nil {
		return 0, false
	}
	r := <-respCh
	return r.size, r.ok
}

// SegmentSize returns the sum of every known path's logical length.
func (a *Agent) SegmentSize() uint64 {
	ctx := context.Background()
	respCh := make(chan uint64, 1)
	if err := a.submit(ctx, func() { respCh <- a.idx.TotalSize() }); err != nil {
		return 0
	}
	return <-respCh
}

// ReadRange flushes any pending writes, resolves [lo, hi) against path's
// fragment list, and returns the assembled bytes. Flushing happens before
// resolution so the returned data is always consistent with a durable
// view of the fragment index at the moment of the call.
func (a *Agent) ReadRange(ctx context.Context, path string, lo, hi uint64) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	respCh := make(chan result, 1)
	err := a.submit(ctx, func() {
		if err := a.backend.Flush(ctx); err != nil {
			respCh <- result{err: fmt.Errorf("agent: flush: %w", err)}
			return
		}
		sel, err := a.idx.Resolve(path, lo, hi)
		if err != nil {
			respCh <- result{err: err}
			return
		}
		data, err := a.readSelection(ctx, sel)
		respCh <- result{data: data, err: err}
	})
	if err != nil {
		return nil, err
	}
	select {
	case r := <-respCh:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Agent) readSelection(ctx context.Context, sel fragment.Selection) ([]byte, error) {
	if len(sel.Requests) == 0 {
		return nil, nil
	}
	ch, err := a.backend.ReadMany(ctx, sel.Requests)
	if err != nil {
		return nil, fmt.Errorf("agent: read many: %w", err)
	}
	parts := make([][]byte, len(sel.Requests))
	for r := range ch {
		if r.Err != nil {
			return nil, fmt.Errorf("agent: read: %w", r.Err)
		}
		parts[r.Index] = r.Data
	}
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// Export publishes the current fragment index and segment file to outPath
// via package publish, serialized through the same mailbox as every other
// operation so no write races the export's flush.
func (a *Agent) Export(ctx context.Context, outPath string, hotCache []byte) error {
	respCh := make(chan error, 1)
	err := a.submit(ctx, func() {
		respCh <- publish.Export(ctx, a.idx, a.backend, outPath, hotCache, nil)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-respCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the agent goroutine and closes the underlying backend. Any
// operation submitted after Close returns ErrFinalized.
func (a *Agent) Close() error {
	a.stopped.Do(func() { close(a.stopCh) })
	return a.backend.Close()
}
