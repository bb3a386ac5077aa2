package agent_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-mizu/segstore/agent"
	"github.com/go-mizu/segstore/metadata"
)

func openAgent(t *testing.T) *agent.Agent {
	t.Helper()
	dir := t.TempDir()
	a, err := agent.Open(dir, filepath.Join(dir, "segment.dat"), agent.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestWriteExistsFileLen(t *testing.T) {
	ctx := context.Background()
	a := openAgent(t)

	if a.Exists("/a") {
		t.Fatal("Exists(/a) = true before any write")
	}

	if err := a.Write(ctx, "/a", []byte("HELLO"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !a.Exists("/a") {
		t.Fatal("Exists(/a) = false after write")
	}
	size, ok := a.FileLen("/a")
	if !ok || size != 5 {
		t.Fatalf("FileLen(/a) = %d, %v; want 5, true", size, ok)
	}
}

func TestWriteAppendThenRead(t *testing.T) {
	ctx := context.Background()
	a := openAgent(t)

	if err := a.Write(ctx, "/a", []byte("HELLO"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := a.Write(ctx, "/a", []byte("WORLD"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := a.ReadRange(ctx, "/a", 0, 10)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if string(data) != "HELLOWORLD" {
		t.Fatalf("ReadRange = %q, want %q", data, "HELLOWORLD")
	}
}

func TestWriteOverwrite(t *testing.T) {
	ctx := context.Background()
	a := openAgent(t)

	if err := a.Write(ctx, "/a", []byte("OLDVALUE"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := a.Write(ctx, "/a", []byte("NEW"), true); err != nil {
		t.Fatalf("Write overwrite: %v", err)
	}

	size, ok := a.FileLen("/a")
	if !ok || size != 3 {
		t.Fatalf("FileLen(/a) = %d, %v; want 3, true", size, ok)
	}
	data, err := a.ReadRange(ctx, "/a", 0, 3)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if string(data) != "NEW" {
		t.Fatalf("ReadRange = %q, want %q", data, "NEW")
	}
}

func TestDeleteThenExistsFalse(t *testing.T) {
	ctx := context.Background()
	a := openAgent(t)

	if err := a.Write(ctx, "/a", []byte("X"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := a.Delete("/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if a.Exists("/a") {
		t.Fatal("Exists(/a) = true after Delete")
	}
	// Delete of an already-deleted path never fails.
	if err := a.Delete("/a"); err != nil {
		t.Fatalf("Delete (again): %v", err)
	}
}

func TestWriteAsyncPipelinesAheadOfCompletion(t *testing.T) {
	ctx := context.Background()
	a := openAgent(t)

	ch1, err := a.WriteAsync(ctx, "/a", []byte("HELLO"), false)
	if err != nil {
		t.Fatalf("WriteAsync: %v", err)
	}
	// The second submission must not need to wait for the first write's
	// backend round trip to finish: WriteAsync only blocks on the mailbox
	// accepting the job.
	ch2, err := a.WriteAsync(ctx, "/a", []byte("WORLD"), false)
	if err != nil {
		t.Fatalf("WriteAsync: %v", err)
	}

	if err := <-ch1; err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := <-ch2; err != nil {
		t.Fatalf("second write: %v", err)
	}

	data, err := a.ReadRange(ctx, "/a", 0, 10)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if string(data) != "HELLOWORLD" {
		t.Fatalf("ReadRange = %q, want %q", data, "HELLOWORLD")
	}
}

func TestSegmentSizeSumsAllPaths(t *testing.T) {
	ctx := context.Background()
	a := openAgent(t)

	if err := a.Write(ctx, "/a", []byte("abc"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := a.Write(ctx, "/b", []byte("de"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := a.SegmentSize(); got != 5 {
		t.Fatalf("SegmentSize() = %d, want 5", got)
	}
}

func TestExportProducesValidSegment(t *testing.T) {
	ctx := context.Background()
	a := openAgent(t)

	if err := a.Write(ctx, "/a", []byte("CONTENT"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	outPath := filepath.Join(t.TempDir(), "published.seg")
	if err := a.Export(ctx, outPath, []byte("cache")); err != nil {
		t.Fatalf("Export: %v", err)
	}

	raw, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	footer, err := metadata.DecodeFooter(raw[len(raw)-metadata.FooterSize:])
	if err != nil {
		t.Fatalf("DecodeFooter: %v", err)
	}
	meta, err := metadata.Decode(raw[footer.MetadataStart : footer.MetadataStart+footer.MetadataLength])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	r, ok := meta.Files["/a"]
	if !ok {
		t.Fatal("published metadata missing /a")
	}
	if got := string(raw[r.Start:r.End]); got != "CONTENT" {
		t.Fatalf("/a contents = %q, want %q", got, "CONTENT")
	}
}

func TestWriteAfterCloseFails(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := agent.Open(dir, filepath.Join(dir, "segment.dat"), agent.DefaultConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Write(ctx, "/a", []byte("x"), false); !errors.Is(err, agent.ErrFinalized) {
		t.Fatalf("Write after Close error = %v, want ErrFinalized", err)
	}
}
