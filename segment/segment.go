// Package segment defines the capability-set contract a segment file
// backend must satisfy. Two implementations exist, segment/directio and
// segment/blocking; neither imports the other, and package agent is
// parameterized over this interface rather than over a concrete type.
package segment

import (
	"context"

	"github.com/go-mizu/segstore/fragment"
)

// PhysicalRead is a request to read Length bytes starting at Offset from
// the backend's underlying file. It is the same shape fragment.Index
// emits from Resolve.
type PhysicalRead = fragment.PhysicalRead

// ReadResult is one completed physical read, delivered out of order as
// backends may service a batch concurrently. Index identifies which
// request (by position in the slice passed to ReadMany) this result
// answers, so callers can reassemble logical order without a round trip.
type ReadResult struct {
	Index int
	Data  []byte
	Err   error
}

// Backend is a dual-personality segment file: an append-only writer and a
// random-access reader over the bytes already made durable. Implementations
// are not safe for concurrent use; in this repository exactly one
// agent.Agent goroutine drives a Backend for its entire lifetime.
type Backend interface {
	// Append writes p to the end of the segment and returns the physical
	// byte range it now occupies. The written bytes are not guaranteed
	// durable or even visible to ReadMany until a subsequent Flush.
	Append(ctx context.Context, p []byte) (start, end uint64, err error)

	// CurrentPos is the logical end of everything Append has accepted,
	// flushed or not.
	CurrentPos() uint64

	// FlushedPos is the highest offset known durable and readable.
	FlushedPos() uint64

	// Flush makes all previously Appended bytes readable via ReadMany
	// (and, depending on the backend, durable on disk). It does not imply
	// Sync.
	Flush(ctx context.Context) error

	// Sync forces previously flushed bytes to stable storage.
	Sync(ctx context.Context) error

	// ReadMany services a batch of physical reads concurrently, delivering
	// results on the returned channel as they complete. The channel is
	// closed after len(reqs) results have been sent (or immediately, with
	// an error, if the batch itself could not be started).
	ReadMany(ctx context.Context, reqs []PhysicalRead) (<-chan ReadResult, error)

	// Close releases the backend's file descriptor(s) and any mapping.
	// A closed Backend must not be used again.
	Close() error
}
