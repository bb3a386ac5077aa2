//go:build linux

package directio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/go-mizu/segstore/segment"
)

// preallocChunk is how much the backend Fallocates ahead of currentPos at
// a time, amortizing the syscall across many Appends.
const preallocChunk = 64 * 1024 * 1024

func probe(dir string) bool {
	f, err := os.CreateTemp(dir, ".segstore-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	defer os.Remove(name)
	defer f.Close()

	if err := unix.Fallocate(int(f.Fd()), 0, 0, WriteBlockSize); err != nil {
		return false
	}

	dfd, err := unix.Open(name, unix.O_RDWR|unix.O_DIRECT, 0)
	if err != nil {
		return false
	}
	unix.Close(dfd)
	return true
}

// inflightBlock is one aligned block submitted to the O_DIRECT descriptor
// but not yet known to have landed.
type inflightBlock struct {
	length uint64
	done   chan error
}

// Backend is a segment.Backend that writes full aligned blocks through an
// O_DIRECT file descriptor and keeps the unaligned tail, plus all reads,
// on a second ordinary descriptor to the same file. Aligned blocks are
// submitted to the kernel without Append waiting for them to land:
// submitBlock launches the pwrite in its own goroutine, bounded to
// MaxInFlightBuffers concurrent syscalls by the inflight semaphore, and a
// background reaper drains their completions in submission order to
// advance flushedPos. This is what lets MaxInFlightBuffers writes be
// genuinely in flight at once instead of serializing on Append.
type Backend struct {
	mu   sync.Mutex
	cond *sync.Cond

	directFd int
	fd       *os.File // buffered companion, used for reads and the tail write

	buf        []byte // bytes accepted by Append not yet submitted anywhere
	currentPos uint64 // logical end of everything Append has accepted
	submitPos  uint64 // end of the last aligned block handed to submitBlock
	flushedPos uint64 // end of the last block the reaper has confirmed landed
	allocated  uint64

	asyncErr error // first error reported by a completed submitBlock

	inflight  *semaphore.Weighted
	submitted chan *inflightBlock // completions, in submission order
	reaperEnd chan struct{}
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

	directFd, err := unix.Open(path, unix.O_RDWR|unix.O_DIRECT, 0)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("directio: open direct %s: %w", path, err)
	}

	size := uint64(info.Size())
	b := &Backend{
		directFd:   directFd,
		fd:         fd,
		currentPos: size,
		submitPos:  size,
		flushedPos: size,
		allocated:  size,
		inflight:   semaphore.NewWeighted(MaxInFlightBuffers),
		submitted:  make(chan *inflightBlock, MaxInFlightBuffers),
		reaperEnd:  make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.reap()

	if err := b.growLocked(b.currentPos + WriteBlockSize); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// reap drains submitted block completions in the order they were handed
// to submitBlock, advancing flushedPos only once every block before it is
// also known to have landed.
func (b *Backend) reap() {
	for blk := range b.submitted {
		err := <-blk.done
		b.mu.Lock()
		if err != nil && b.asyncErr == nil {
			b.asyncErr = err
		}
		b.flushedPos += blk.length
		b.cond.Broadcast()
		b.mu.Unlock()
	}
	close(b.reaperEnd)
}

func (b *Backend) growLocked(need uint64) error {
	if need <= b.allocated {
		return nil
	}
	newSize := b.allocated + preallocChunk
	for newSize < need {
		newSize += preallocChunk
	}
	if err := unix.Fallocate(int(b.fd.Fd()), 0, 0, int64(newSize)); err != nil {
		return fmt.Errorf("directio: fallocate: %w", err)
	}
	b.allocated = newSize
	return nil
}

// Append implements segment.Backend. It buffers p and submits any full
// aligned blocks asynchronously; it does not wait for those blocks to
// reach disk.
func (b *Backend) Append(ctx context.Context, p []byte) (start, end uint64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.asyncErr != nil {
		return 0, 0, b.asyncErr
	}

	start = b.currentPos
	b.buf = append(b.buf, p...)
	b.currentPos += uint64(len(p))
	end = b.currentPos

	if err := b.growLocked(b.currentPos + WriteBlockSize); err != nil {
		return start, end, err
	}

	for len(b.buf) >= WriteBlockSize {
		block := b.buf[:WriteBlockSize]
		if err := b.submitBlock(ctx, block); err != nil {
			return start, end, err
		}
		b.buf = append([]byte(nil), b.buf[WriteBlockSize:]...)
	}
	return start, end, nil
}

// submitBlock hands one aligned WriteBlockSize-sized block to a goroutine
// that writes it through the O_DIRECT descriptor, bounding the number of
// concurrent pwrite syscalls at MaxInFlightBuffers via the semaphore.
// Acquiring the semaphore and enqueueing onto submitted are the only
// blocking steps; the pwrite itself runs without holding b.mu.
func (b *Backend) submitBlock(ctx context.Context, block []byte) error {
	if err := b.inflight.Acquire(ctx, 1); err != nil {
		return err
	}

	off := int64(b.submitPos)
	b.submitPos += uint64(len(block))

	blk := &inflightBlock{length: uint64(len(block)), done: make(chan error, 1)}
	go func(directFd int, block []byte, off int64) {
		defer b.inflight.Release(1)
		n, err := unix.Pwrite(directFd, block, off)
		switch {
		case err != nil:
			blk.done <- fmt.Errorf("directio: pwrite: %w", err)
		case n != len(block):
			blk.done <- fmt.Errorf("directio: short direct write: %d of %d", n, len(block))
		default:
			blk.done <- nil
		}
	}(b.directFd, block, off)

	b.submitted <- blk
	return nil
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

// Flush implements segment.Backend: it waits for every submitted block to
// land, then writes any unaligned tail through the buffered companion
// descriptor, since O_DIRECT requires block alignment the accumulated
// remainder may not satisfy.
func (b *Backend) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

// flushLocked blocks until the reaper has confirmed every block submitted
// so far, then writes the pending tail. It does not itself watch ctx once
// waiting has started, matching the rest of this backend's Flush/Sync.
func (b *Backend) flushLocked() error {
	for b.flushedPos < b.submitPos && b.asyncErr == nil {
		b.cond.Wait()
	}
	if b.asyncErr != nil {
		return b.asyncErr
	}
	if len(b.buf) == 0 {
		return nil
	}
	n, err := b.fd.WriteAt(b.buf, int64(b.flushedPos))
	if err != nil {
		return fmt.Errorf("directio: tail write: %w", err)
	}
	if n != len(b.buf) {
		return fmt.Errorf("directio: short tail write: %d of %d", n, len(b.buf))
	}
	b.flushedPos += uint64(n)
	b.submitPos = b.flushedPos
	b.buf = b.buf[:0]
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
	if err := unix.Fsync(b.directFd); err != nil {
		return fmt.Errorf("directio: fsync direct fd: %w", err)
	}
	if err := b.fd.Sync(); err != nil {
		return fmt.Errorf("directio: fsync companion fd: %w", err)
	}
	return nil
}

// mergedGroup is a set of request indices whose physical ranges are close
// enough together (within MaxReadAmplification) that ReadMany issues one
// pread covering all of them.
type mergedGroup struct {
	offset  uint64
	length  uint64
	members []int // indices into the original reqs slice, in request order
}

// mergeRequests assumes reqs arrive in offset-ascending order, which is
// what fragment.Index.Resolve always produces (it walks fragments sorted
// by physical start). A caller issuing out-of-order or overlapping
// requests would simply defeat merging, not corrupt results, since each
// request is still served independently by its recorded member index.
func mergeRequests(reqs []segment.PhysicalRead) []mergedGroup {
	type item struct {
		idx int
		r   segment.PhysicalRead
	}
	items := make([]item, len(reqs))
	for i, r := range reqs {
		items[i] = item{idx: i, r: r}
	}

	var groups []mergedGroup
	for _, it := range items {
		if len(groups) > 0 {
			g := &groups[len(groups)-1]
			gapStart := g.offset + g.length
			if it.r.Offset >= gapStart &&
				it.r.Offset-gapStart <= MaxReadAmplification &&
				(it.r.Offset+it.r.Length)-g.offset <= MaxMergedReadBytes {
				g.length = (it.r.Offset + it.r.Length) - g.offset
				g.members = append(g.members, it.idx)
				continue
			}
		}
		groups = append(groups, mergedGroup{
			offset:  it.r.Offset,
			length:  it.r.Length,
			members: []int{it.idx},
		})
	}
	return groups
}

// ReadMany implements segment.Backend.
func (b *Backend) ReadMany(ctx context.Context, reqs []segment.PhysicalRead) (<-chan segment.ReadResult, error) {
	out := make(chan segment.ReadResult, len(reqs))
	if len(reqs) == 0 {
		close(out)
		return out, nil
	}

	groups := mergeRequests(reqs)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxInFlightBuffers)

	for _, grp := range groups {
		grp := grp
		g.Go(func() error {
			merged := make([]byte, grp.length)
			n, err := b.fd.ReadAt(merged, int64(grp.offset))
			if err != nil && uint64(n) < grp.length {
				for _, idx := range grp.members {
					select {
					case out <- segment.ReadResult{Index: idx, Err: fmt.Errorf("directio: pread: %w", err)}:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
				return nil
			}
			for _, idx := range grp.members {
				r := reqs[idx]
				lo := r.Offset - grp.offset
				data := append([]byte(nil), merged[lo:lo+r.Length]...)
				select {
				case out <- segment.ReadResult{Index: idx, Data: data}:
				case <-gctx.Done():
					return gctx.Err()
				}
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

// Close implements segment.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	flushErr := b.flushLocked()
	finalSize := b.currentPos
	b.mu.Unlock()

	close(b.submitted)
	<-b.reaperEnd

	var errs []error
	if flushErr != nil {
		errs = append(errs, flushErr)
	}
	if err := unix.Ftruncate(int(b.fd.Fd()), int64(finalSize)); err != nil {
		errs = append(errs, fmt.Errorf("directio: truncate to final size: %w", err))
	}
	if err := unix.Close(b.directFd); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, b.fd.Close())
	return errors.Join(errs...)
}
