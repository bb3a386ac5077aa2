package blocking_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-mizu/segstore/segment"
	"github.com/go-mizu/segstore/segment/blocking"
)

func openBackend(t *testing.T) *blocking.Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segment.dat")
	b, err := blocking.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestAppendAndFlush(t *testing.T) {
	ctx := context.Background()
	b := openBackend(t)

	start, end, err := b.Append(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if start != 0 || end != 5 {
		t.Fatalf("Append range = [%d,%d), want [0,5)", start, end)
	}
	if got := b.CurrentPos(); got != 5 {
		t.Fatalf("CurrentPos() = %d, want 5", got)
	}
	if got := b.FlushedPos(); got != 0 {
		t.Fatalf("FlushedPos() = %d, want 0 before Flush", got)
	}

	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := b.FlushedPos(); got != 5 {
		t.Fatalf("FlushedPos() = %d, want 5 after Flush", got)
	}
}

func TestReadManyAfterFlush(t *testing.T) {
	ctx := context.Background()
	b := openBackend(t)

	if _, _, err := b.Append(ctx, []byte("HELLOWORLD")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reqs := []segment.PhysicalRead{{Offset: 0, Length: 5}, {Offset: 5, Length: 5}}
	ch, err := b.ReadMany(ctx, reqs)
	if err != nil {
		t.Fatalf("ReadMany: %v", err)
	}

	got := make(map[int]string)
	for r := range ch {
		if r.Err != nil {
			t.Fatalf("read result %d: %v", r.Index, r.Err)
		}
		got[r.Index] = string(r.Data)
	}
	if got[0] != "HELLO" || got[1] != "WORLD" {
		t.Fatalf("ReadMany results = %+v, want {0:HELLO 1:WORLD}", got)
	}
}

func TestReadManyBeforeFlushFails(t *testing.T) {
	ctx := context.Background()
	b := openBackend(t)

	if _, _, err := b.Append(ctx, []byte("unflushed")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ch, err := b.ReadMany(ctx, []segment.PhysicalRead{{Offset: 0, Length: 9}})
	if err != nil {
		t.Fatalf("ReadMany: %v", err)
	}
	r := <-ch
	if r.Err == nil {
		t.Fatal("ReadMany before Flush: got nil error, want a read-past-flushed error")
	}
}

func TestSyncFlushesPending(t *testing.T) {
	ctx := context.Background()
	b := openBackend(t)

	if _, _, err := b.Append(ctx, []byte("data")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := b.FlushedPos(); got != 4 {
		t.Fatalf("FlushedPos() = %d, want 4 after Sync", got)
	}
}

func TestReopenPreservesSize(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "segment.dat")

	b1, err := blocking.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := b1.Append(ctx, []byte("123456")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := b1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b2, err := blocking.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b2.Close()
	if got := b2.CurrentPos(); got != 6 {
		t.Fatalf("CurrentPos() after reopen = %d, want 6", got)
	}
}
