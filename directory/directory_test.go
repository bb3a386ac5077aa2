package directory_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-mizu/segstore/agent"
	"github.com/go-mizu/segstore/directory"
)

func openFacade(t *testing.T) *directory.Facade {
	t.Helper()
	dir := t.TempDir()
	a, err := agent.Open(dir, filepath.Join(dir, "segment.dat"), agent.DefaultConfig())
	if err != nil {
		t.Fatalf("agent.Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return directory.New(a, "", filepath.Join(dir, "segment.dat"), directory.DefaultConfig())
}

func TestGetFileHandleNotFound(t *testing.T) {
	f := openFacade(t)
	if _, err := f.GetFileHandle("/missing"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("GetFileHandle error = %v, want ErrNotFound", err)
	}
}

func TestWriteStreamDeferredResponse(t *testing.T) {
	ctx := context.Background()
	f := openFacade(t)

	ws := f.OpenWrite("/a")
	if err := ws.Write(ctx, []byte("HELLO")); err != nil {
		t.Fatalf("first Write returned an error for a call with no predecessor: %v", err)
	}
	if err := ws.Write(ctx, []byte("WORLD")); err != nil {
		t.Fatalf("second Write returned the first write's error unexpectedly: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h, err := f.GetFileHandle("/a")
	if err != nil {
		t.Fatalf("GetFileHandle: %v", err)
	}
	if h.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", h.Len())
	}
	data, err := h.ReadBytes(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(data) != "HELLOWORLD" {
		t.Fatalf("ReadBytes = %q, want %q", data, "HELLOWORLD")
	}
}

func TestAtomicReadWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := openFacade(t)

	if _, err := f.AtomicRead("/meta"); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("AtomicRead before write error = %v, want ErrNotFound", err)
	}

	if err := f.AtomicWrite(ctx, "/meta", []byte("v1")); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}
	got, err := f.AtomicRead("/meta")
	if err != nil {
		t.Fatalf("AtomicRead: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("AtomicRead = %q, want %q", got, "v1")
	}

	if err := f.AtomicWrite(ctx, "/meta", []byte("v2")); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}
	got, err = f.AtomicRead("/meta")
	if err != nil {
		t.Fatalf("AtomicRead: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("AtomicRead after second write = %q, want %q", got, "v2")
	}
}

func TestWriteDeleteAtomicWriteNeverAutoNotify(t *testing.T) {
	ctx := context.Background()
	f := openFacade(t)

	var mu sync.Mutex
	var events []directory.Event
	_, cancel := f.Watch(func(e directory.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	defer cancel()

	ws := f.OpenWrite("/a")
	if err := ws.Write(ctx, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.AtomicWrite(ctx, "/meta", []byte("v1")); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}
	if err := f.Delete("/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 0 {
		t.Fatalf("events = %+v, want none: the core never notifies on its own", events)
	}
}

func TestNotifyReachesActiveSubscribersOnly(t *testing.T) {
	f := openFacade(t)

	var mu sync.Mutex
	var events []directory.Event
	_, cancel := f.Watch(func(e directory.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	f.Notify(directory.Event{Path: "/a", Kind: directory.EventWrite})
	cancel()
	f.Notify(directory.Event{Path: "/a", Kind: directory.EventDelete})

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].Kind != directory.EventWrite {
		t.Fatalf("events = %+v, want exactly one EventWrite", events)
	}
}

func TestOpenWriteTwoStreamsAppend(t *testing.T) {
	ctx := context.Background()
	f := openFacade(t)

	ws := f.OpenWrite("/a")
	ws.Write(ctx, []byte("OLD"))
	ws.Close()

	// A second stream over the same path never discards the first: every
	// OpenWrite buffered write is overwrite=false. Wholesale replacement
	// goes through AtomicWrite instead.
	ws2 := f.OpenWrite("/a")
	if err := ws2.Write(ctx, []byte("NEW")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := ws2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h, err := f.GetFileHandle("/a")
	if err != nil {
		t.Fatalf("GetFileHandle: %v", err)
	}
	if h.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", h.Len())
	}
	data, err := h.ReadBytes(ctx, 0, 6)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(data) != "OLDNEW" {
		t.Fatalf("ReadBytes = %q, want %q", data, "OLDNEW")
	}
}

func TestSyncDirectoryNoError(t *testing.T) {
	f := openFacade(t)
	if err := f.SyncDirectory(); err != nil {
		t.Fatalf("SyncDirectory: %v", err)
	}
}
