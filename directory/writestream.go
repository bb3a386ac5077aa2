package directory

import (
	"context"
	"errors"
	"sync"
)

// WriteStream implements the deferred-response write contract: each call
// to Write submits the new write to the agent's mailbox synchronously,
// pipelining it behind the previous write, and returns the *previous*
// write's response instead of waiting on its own. A slow or failing write
// never blocks the caller that issued it — only the one after it. Close
// checks the final pending write's response; it performs no implicit
// flush of its own.
type WriteStream struct {
	facade   *Facade
	path     string
	fullPath string

	mu      sync.Mutex
	pending <-chan error
	closed  bool
}

// Write submits p to the agent and returns the error from the *previous*
// Write call on this stream (nil if this is the first call). Submission
// to the mailbox happens before Write returns; only the response to the
// append this call just submitted is deferred to the next call.
func (w *WriteStream) Write(ctx context.Context, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	prevErr := w.waitPendingLocked()

	data := append([]byte(nil), p...)
	respCh, err := w.facade.agent.WriteAsync(ctx, w.fullPath, data, false)
	if err != nil {
		return errors.Join(prevErr, err)
	}
	w.pending = respCh
	return prevErr
}

// Close checks the last pending write's response. Calling Close more than
// once is a no-op returning nil.
func (w *WriteStream) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.waitPendingLocked()
}

func (w *WriteStream) waitPendingLocked() error {
	if w.pending == nil {
		return nil
	}
	err := <-w.pending
	w.pending = nil
	return err
}
