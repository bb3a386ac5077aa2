// Package metadata implements the binary encoding of a published segment's
// trailing metadata blob and its fixed-size footer.
package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ErrMalformed is returned when a buffer passed to Decode or DecodeFooter
// is too short to contain a complete, self-consistent encoding.
var ErrMalformed = errors.New("metadata: malformed input")

// Range is a physical half-open byte range [Start, End) within a published
// segment file, describing where one logical file's bytes live.
type Range struct {
	Start uint64
	End   uint64
}

// Metadata is everything a published segment records about its contents
// beyond the raw file bytes: the map from logical path to physical range,
// and an opaque hot-cache blob a reader may use to warm its own indexes
// without a second pass over the file.
type Metadata struct {
	Files    map[string]Range
	HotCache []byte
}

// Encode serializes m as: a 4-byte big-endian file count, then per file a
// 2-byte path length, the path bytes, and 16 bytes of start/end, followed
// by an 8-byte big-endian hot-cache length and the hot-cache bytes.
func (m Metadata) Encode() []byte {
	size := 4
	for path := range m.Files {
		size += 2 + len(path) + 16
	}
	size += 8 + len(m.HotCache)

	buf := make([]byte, size)
	off := 0

	binary.BigEndian.PutUint32(buf[off:], uint32(len(m.Files)))
	off += 4

	for _, path := range sortedKeys(m.Files) {
		r := m.Files[path]
		binary.BigEndian.PutUint16(buf[off:], uint16(len(path)))
		off += 2
		off += copy(buf[off:], path)
		binary.BigEndian.PutUint64(buf[off:], r.Start)
		off += 8
		binary.BigEndian.PutUint64(buf[off:], r.End)
		off += 8
	}

	binary.BigEndian.PutUint64(buf[off:], uint64(len(m.HotCache)))
	off += 8
	copy(buf[off:], m.HotCache)

	return buf
}

// Decode parses a buffer produced by Encode. HotCache is a direct subslice
// of b, so the hot-cache bytes are not copied and alias the caller's
// buffer; path strings are produced by string(b) conversion, which copies
// them.
func Decode(b []byte) (Metadata, error) {
	if len(b) < 4 {
		return Metadata{}, ErrMalformed
	}
	count := binary.BigEndian.Uint32(b)
	off := 4

	files := make(map[string]Range, count)
	for i := uint32(0); i < count; i++ {
		if off+2 > len(b) {
			return Metadata{}, fmt.Errorf("metadata: %w: path length at entry %d", ErrMalformed, i)
		}
		pathLen := int(binary.BigEndian.Uint16(b[off:]))
		off += 2

		if off+pathLen+16 > len(b) {
			return Metadata{}, fmt.Errorf("metadata: %w: path/range at entry %d", ErrMalformed, i)
		}
		path := string(b[off : off+pathLen])
		off += pathLen

		start := binary.BigEndian.Uint64(b[off:])
		off += 8
		end := binary.BigEndian.Uint64(b[off:])
		off += 8

		files[path] = Range{Start: start, End: end}
	}

	if off+8 > len(b) {
		return Metadata{}, fmt.Errorf("metadata: %w: hot cache length", ErrMalformed)
	}
	hotLen := binary.BigEndian.Uint64(b[off:])
	off += 8

	if uint64(off)+hotLen > uint64(len(b)) {
		return Metadata{}, fmt.Errorf("metadata: %w: hot cache body", ErrMalformed)
	}
	hotCache := b[off : uint64(off)+hotLen]

	return Metadata{Files: files, HotCache: hotCache}, nil
}

func sortedKeys(m map[string]Range) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FooterSize is the fixed encoded size of a Footer.
const FooterSize = 16

// Footer is the last 16 bytes of a published segment file: where its
// metadata blob begins and how long it is. A reader locates the footer by
// seeking to file_size - FooterSize.
type Footer struct {
	MetadataStart  uint64
	MetadataLength uint64
}

// Encode serializes f as 16 bytes: big-endian MetadataStart followed by
// big-endian MetadataLength.
func (f Footer) Encode() [FooterSize]byte {
	var out [FooterSize]byte
	binary.BigEndian.PutUint64(out[0:8], f.MetadataStart)
	binary.BigEndian.PutUint64(out[8:16], f.MetadataLength)
	return out
}

// DecodeFooter parses the trailing FooterSize bytes of last16. It rejects
// any input shorter than FooterSize.
func DecodeFooter(last16 []byte) (Footer, error) {
	if len(last16) < FooterSize {
		return Footer{}, fmt.Errorf("metadata: %w: footer needs %d bytes, got %d", ErrMalformed, FooterSize, len(last16))
	}
	b := last16[len(last16)-FooterSize:]
	return Footer{
		MetadataStart:  binary.BigEndian.Uint64(b[0:8]),
		MetadataLength: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}
