// Package blocking implements a segment.Backend over ordinary buffered
// file I/O: a buffered append writer plus a read-only mmap mapping that is
// remapped whenever the flushed length advances past what is currently
// mapped. It is the portable fallback backend, selected whenever the
// direct-I/O backend's capability probe fails.
package blocking

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sync/errgroup"

	"github.com/go-mizu/segstore/segment"
)

// WriteBufferSize is the size of the in-memory buffer accumulating Append
// calls before they are flushed to the file.
const WriteBufferSize = 512 * 1024

// ReadFanOut bounds how many goroutines ReadMany uses to service one batch
// concurrently.
const ReadFanOut = 4

// Backend is a segment.Backend backed by a single append-mode file, an
// in-process write buffer, and a lazily (re)established read-only mmap
// mapping of the bytes already flushed.
type Backend struct {
	mu sync.Mutex

	f   *os.File
	buf []byte // pending bytes not yet flushed to f

	currentPos uint64 // logical end of everything Append has accepted
	flushedPos uint64 // highest offset durable and covered by mapping

	mapping    mmap.MMap
	mappedFile *os.File // read-only fd backing mapping, separate from f
	mappedLen  uint64
}

// Open creates the segment file at path if it does not exist and returns
// a ready Backend. An existing file is not truncated: the Backend appends
// after its current contents, and CurrentPos/FlushedPos start at its size.
func Open(path string) (*Backend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blocking: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blocking: stat %s: %w", path, err)
	}
	return &Backend{
		f:          f,
		currentPos: uint64(info.Size()),
		flushedPos: uint64(info.Size()),
	}, nil
}

// Append implements segment.Backend.
func (b *Backend) Append(ctx context.Context, p []byte) (start, end uint64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	start = b.currentPos
	b.buf = append(b.buf, p...)
	b.currentPos += uint64(len(p))
	end = b.currentPos

	if len(b.buf) >= WriteBufferSize {
		if err := b.flushLocked(); err != nil {
			return start, end, err
		}
	}
	return start, end, nil
}

// CurrentPos implements segment.Backend.
func (b *Backend) CurrentPos() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentPos
}

// FlushedPos implements segment.Backend.
func (b *Backend) FlushedPos() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushedPos
}

// Flush implements segment.Backend: it writes the pending buffer to the
// underlying file and, if the flushed length has advanced, remaps.
func (b *Backend) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

func (b *Backend) flushLocked() error {
	if len(b.buf) > 0 {
		if _, err := b.f.Write(b.buf); err != nil {
			return fmt.Errorf("blocking: write: %w", err)
		}
		b.flushedPos += uint64(len(b.buf))
		b.buf = b.buf[:0]
	} else {
		b.flushedPos = b.currentPos
	}
	return b.remapLocked()
}

// remapLocked establishes or extends the read-only mapping to cover
// flushedPos bytes. Per spec.md §4.B', it remaps only when the reader's
// observed length is below the current flushed length.
func (b *Backend) remapLocked() error {
	if b.flushedPos == 0 || b.flushedPos <= b.mappedLen {
		return nil
	}
	if b.mapping != nil {
		if err := b.mapping.Unmap(); err != nil {
			return fmt.Errorf("blocking: unmap: %w", err)
		}
		b.mappedFile.Close()
		b.mapping = nil
	}

	f, err := os.Open(b.f.Name())
	if err != nil {
		return fmt.Errorf("blocking: reopen for mmap: %w", err)
	}
	m, err := mmap.MapRegion(f, int(b.flushedPos), mmap.RDONLY, 0, 0)
	if err != nil {
		f.Close()
		return fmt.Errorf("blocking: mmap: %w", err)
	}
	b.mapping = m
	b.mappedFile = f
	b.mappedLen = b.flushedPos
	return nil
}

// Sync implements segment.Backend.
func (b *Backend) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.flushLocked(); err != nil {
		return err
	}
	if err := b.f.Sync(); err != nil {
		return fmt.Errorf("blocking: fsync: %w", err)
	}
	return nil
}

// ReadMany implements segment.Backend by slicing the current mapping
// directly: since segstore's fragment index never hands out a read past
// FlushedPos, every request is already covered by the mapping once the
// caller has observed that flushed position.
func (b *Backend) ReadMany(ctx context.Context, reqs []segment.PhysicalRead) (<-chan segment.ReadResult, error) {
	b.mu.Lock()
	mapping := b.mapping
	mappedLen := b.mappedLen
	b.mu.Unlock()

	out := make(chan segment.ReadResult, len(reqs))
	if len(reqs) == 0 {
		close(out)
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ReadFanOut)
	for i, r := range reqs {
		i, r := i, r
		g.Go(func() error {
			data, err := sliceRequest(mapping, mappedLen, r)
			select {
			case out <- segment.ReadResult{Index: i, Data: data, Err: err}:
			case <-gctx.Done():
				return gctx.Err()
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(out)
	}()
	return out, nil
}

func sliceRequest(mapping mmap.MMap, mappedLen uint64, r segment.PhysicalRead) ([]byte, error) {
	if r.Offset+r.Length > mappedLen {
		return nil, errors.New("blocking: read past flushed length")
	}
	data := make([]byte, r.Length)
	copy(data, mapping[r.Offset:r.Offset+r.Length])
	return data, nil
}

// Close implements segment.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if len(b.buf) > 0 {
		if err := b.flushLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.mapping != nil {
		if err := b.mapping.Unmap(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, b.mappedFile.Close())
	}
	errs = append(errs, b.f.Close())
	return errors.Join(errs...)
}
