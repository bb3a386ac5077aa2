//go:build !linux

package directio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/go-mizu/segstore/segment"
)

// probe always reports false outside Linux: O_DIRECT has no portable
// equivalent, so agent.Open never selects this backend on these platforms.
func probe(dir string) bool { return false }

// Backend is a portable fallback implementation kept so this package still
// builds (and can still be used directly by tests) on non-Linux platforms,
// using ordinary buffered file I/O instead of O_DIRECT.
type Backend struct {
	mu sync.Mutex

	fd *os.File

	buf        []byte
	currentPos uint64
	flushedPos uint64
}

func open(path string) (*Backend, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("directio: open %s: %w", path, err)
	}
	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("directio: stat %s: %w", path, err)
	}
	return &Backend{
		fd:         fd,
		currentPos: uint64(info.Size()),
		flushedPos: uint64(info.Size()),
	}, nil
}

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

	if len(b.buf) >= WriteBlockSize {
		if err := b.flushLocked(); err != nil {
			return start, end, err
		}
	}
	return start, end, nil
}

func (b *Backend) CurrentPos() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentPos
}

func (b *Backend) FlushedPos() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushedPos
}

func (b *Backend) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

func (b *Backend) flushLocked() error {
	if len(b.buf) == 0 {
		return nil
	}
	n, err := b.fd.WriteAt(b.buf, int64(b.flushedPos))
	if err != nil {
		return fmt.Errorf("directio: write: %w", err)
	}
	b.flushedPos += uint64(n)
	b.buf = b.buf[:0]
	return nil
}

func (b *Backend) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.flushLocked(); err != nil {
		return err
	}
	return b.fd.Sync()
}

func (b *Backend) ReadMany(ctx context.Context, reqs []segment.PhysicalRead) (<-chan segment.ReadResult, error) {
	out := make(chan segment.ReadResult, len(reqs))
	if len(reqs) == 0 {
		close(out)
		return out, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxInFlightBuffers)
	for i, r := range reqs {
		i, r := i, r
		g.Go(func() error {
			data := make([]byte, r.Length)
			_, err := b.fd.ReadAt(data, int64(r.Offset))
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

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	if err := b.flushLocked(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, b.fd.Close())
	return errors.Join(errs...)
}
