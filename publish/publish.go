// Package publish implements the published-segment exporter: it flushes an
// active segment's pending writes, copies every logical file's bytes into
// a new, contiguous output file, and appends a metadata blob plus a fixed
// footer so a reader never needs the original fragment index again.
package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/go-mizu/segstore/fragment"
	"github.com/go-mizu/segstore/metadata"
	"github.com/go-mizu/segstore/segment"
)

// readBlockSize bounds how much of one fragment Export reads into memory
// at a time while copying it into the output file.
const readBlockSize = 512 * 1024

// Export writes a published segment to outPath: a single contiguous file
// containing, in path-ascending order, every logical file's bytes,
// followed by a serialized metadata.Metadata blob and a 16-byte footer
// pointing at it.
//
// It proceeds in the following steps:
//  1. flush the backend so every fragment the index knows about is
//     readable;
//  2. walk the index by path ascending, and within each path by physical
//     start ascending, so reads stream sequentially through the source
//     file wherever possible;
//  3. copy each path's bytes contiguously into a uuid-suffixed temp file
//     next to outPath;
//  4. record each path's contiguous range in the new file;
//  5. append the encoded metadata.Metadata (files + hotCache);
//  6. append the 16-byte footer;
//  7. fsync and rename the temp file into place at outPath;
//  8. invoke progress, if non-nil, after each logical file is copied.
func Export(ctx context.Context, idx *fragment.Index, backend segment.Backend, outPath string, hotCache []byte, progress func(done, total int)) error {
	if err := backend.Flush(ctx); err != nil {
		return fmt.Errorf("publish: flush: %w", err)
	}

	entries := idx.IterByPath()

	tmpPath := filepath.Join(filepath.Dir(outPath), "."+filepath.Base(outPath)+"."+uuid.NewString()+".tmp")
	out, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("publish: create temp output: %w", err)
	}
	defer func() {
		out.Close()
		os.Remove(tmpPath)
	}()

	files := make(map[string]metadata.Range, len(entries))
	var pos uint64

	for i, e := range entries {
		start := pos
		n, err := copyPath(ctx, out, backend, e.Fragments)
		if err != nil {
			return fmt.Errorf("publish: copy %s: %w", e.Path, err)
		}
		pos += n
		files[e.Path] = metadata.Range{Start: start, End: pos}

		if progress != nil {
			progress(i+1, len(entries))
		}
	}

	meta := metadata.Metadata{Files: files, HotCache: hotCache}
	metaBytes := meta.Encode()
	if _, err := out.Write(metaBytes); err != nil {
		return fmt.Errorf("publish: write metadata: %w", err)
	}

	footer := metadata.Footer{MetadataStart: pos, MetadataLength: uint64(len(metaBytes))}
	footerBytes := footer.Encode()
	if _, err := out.Write(footerBytes[:]); err != nil {
		return fmt.Errorf("publish: write footer: %w", err)
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("publish: fsync: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("publish: close temp output: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("publish: rename into place: %w", err)
	}
	return nil
}

// copyPath copies one logical path's fragments, sorted by physical start
// ascending, into w, and returns the number of bytes written.
func copyPath(ctx context.Context, w io.Writer, backend segment.Backend, fragments []fragment.Range) (uint64, error) {
	sorted := make([]fragment.Range, len(fragments))
	copy(sorted, fragments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var written uint64
	for _, f := range sorted {
		n, err := copyRange(ctx, w, backend, f)
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// copyRange streams one fragment's bytes from backend into w in
// readBlockSize chunks via ReadMany, so no single fragment forces the
// whole of it into memory at once.
func copyRange(ctx context.Context, w io.Writer, backend segment.Backend, f fragment.Range) (uint64, error) {
	var written uint64
	for off := f.Start; off < f.End; {
		length := f.End - off
		if length > readBlockSize {
			length = readBlockSize
		}

		ch, err := backend.ReadMany(ctx, []segment.PhysicalRead{{Offset: off, Length: length}})
		if err != nil {
			return written, fmt.Errorf("read many: %w", err)
		}
		r := <-ch
		if r.Err != nil {
			return written, fmt.Errorf("read: %w", r.Err)
		}
		if _, err := w.Write(r.Data); err != nil {
			return written, fmt.Errorf("write: %w", err)
		}

		written += uint64(len(r.Data))
		off += length
	}
	return written, nil
}
