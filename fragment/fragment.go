// Package fragment implements the in-memory fragment index: the mapping
// from a logical path to the ordered list of physical byte ranges
// ("fragments") within an active segment file that make up its content.
package fragment

import (
	"errors"
	"sort"
)

// ErrNotFound is returned when an operation addresses a logical path that
// has no fragment list (never written, deleted, or cleared).
var ErrNotFound = errors.New("fragment: no such file")

// Range is a physical half-open byte range [Start, End) within the active
// segment file. Fragments are immutable once recorded: they are never
// split, merged, or shifted.
type Range struct {
	Start uint64
	End   uint64
}

// Len reports the number of bytes the range covers.
func (r Range) Len() uint64 { return r.End - r.Start }

// PhysicalRead is a request to read Length bytes starting at Offset from
// the active segment file. It is the unit Resolve emits and the unit a
// segment.Backend's ReadMany consumes.
type PhysicalRead struct {
	Offset uint64
	Length uint64
}

// Selection is the result of resolving a logical byte range against a
// fragment list: the physical reads needed to serve it, plus the highest
// physical offset any fragment of the path touches — the durability
// barrier the caller must cross before issuing those reads.
type Selection struct {
	Requests      []PhysicalRead
	MinFlushedPos uint64
}

// list is the ordered fragment sequence for one logical path. Order is
// insertion order; concatenating fragment contents in list order yields
// the logical file's bytes.
type list struct {
	fragments []Range
}

func (l *list) totalSize() uint64 {
	var n uint64
	for _, f := range l.fragments {
		n += f.Len()
	}
	return n
}

// Index is the mapping LogicalPath -> fragment list. It is not safe for
// concurrent use by multiple goroutines; in this repository it is owned
// exclusively by a single agent goroutine (see package agent), matching
// spec.md's "no user-level locking on the fragment index" invariant.
type Index struct {
	entries map[string]*list
}

// New creates an empty fragment index.
func New() *Index {
	return &Index{entries: make(map[string]*list)}
}

// Mark records a new fragment [start, end) for path. If overwrite is true
// the existing fragment list for path is cleared first. Mark never fails;
// a zero-length range ([start,end) with start == end) records no fragment
// per spec.md B4 ("empty writes do not create fragments"), but overwrite
// still takes effect and path's (possibly empty) list is still created.
func (idx *Index) Mark(path string, start, end uint64, overwrite bool) {
	if overwrite {
		idx.clear(path)
	}
	if end <= start {
		idx.ensure(path)
		return
	}
	l := idx.ensure(path)
	l.fragments = append(l.fragments, Range{Start: start, End: end})
}

func (idx *Index) ensure(path string) *list {
	l, ok := idx.entries[path]
	if !ok {
		l = &list{}
		idx.entries[path] = l
	}
	return l
}

// Exists reports whether path has a fragment list (possibly empty, if
// Mark was only ever called for path with zero-length ranges).
func (idx *Index) Exists(path string) bool {
	_, ok := idx.entries[path]
	return ok
}

// Clear removes path's fragment list entirely, matching spec.md I4:
// deletion is logical and atomic from the index's perspective.
func (idx *Index) Clear(path string) {
	idx.clear(path)
}

func (idx *Index) clear(path string) {
	delete(idx.entries, path)
}

// Size returns the logical length of path and true, or (0, false) if path
// does not exist.
func (idx *Index) Size(path string) (uint64, bool) {
	l, ok := idx.entries[path]
	if !ok {
		return 0, false
	}
	return l.totalSize(), true
}

// TotalSize returns the sum of Size over every present path.
func (idx *Index) TotalSize() uint64 {
	var n uint64
	for _, l := range idx.entries {
		n += l.totalSize()
	}
	return n
}

// Resolve implements spec.md §4.A's resolution algorithm: it returns the
// physical reads needed to serve file_range=[lo,hi) of path, plus the
// highest physical offset the path's fragments touch.
func (idx *Index) Resolve(path string, lo, hi uint64) (Selection, error) {
	l, ok := idx.entries[path]
	if !ok {
		return Selection{}, ErrNotFound
	}

	var maxEnd uint64
	sorted := make([]Range, len(l.fragments))
	copy(sorted, l.fragments)
	for _, f := range sorted {
		if f.End > maxEnd {
			maxEnd = f.End
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	toSkip := lo
	remaining := hi - lo
	var reqs []PhysicalRead
	for _, f := range sorted {
		if remaining == 0 {
			break
		}
		flen := f.Len()
		if flen <= toSkip {
			toSkip -= flen
			continue
		}
		start := f.Start + toSkip
		avail := f.End - start
		n := avail
		if n > remaining {
			n = remaining
		}
		reqs = append(reqs, PhysicalRead{Offset: start, Length: n})
		remaining -= n
		toSkip = 0
	}

	return Selection{Requests: reqs, MinFlushedPos: maxEnd}, nil
}

// PathEntry is one (path, fragments) pair as produced by IterByPath.
type PathEntry struct {
	Path      string
	Fragments []Range
}

// IterByPath returns every present path and its fragment list, sorted by
// path ascending. It is used by the published-segment writer so export
// proceeds in a deterministic order (spec.md §4.E step 5).
func (idx *Index) IterByPath() []PathEntry {
	paths := make([]string, 0, len(idx.entries))
	for p := range idx.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]PathEntry, 0, len(paths))
	for _, p := range paths {
		l := idx.entries[p]
		frags := make([]Range, len(l.fragments))
		copy(frags, l.fragments)
		out = append(out, PathEntry{Path: p, Fragments: frags})
	}
	return out
}
