// Package directio implements a segment.Backend over aligned direct I/O:
// on Linux, writes go through O_DIRECT with a pool of in-flight aligned
// buffers bounded by a weighted semaphore, and reads are coalesced and
// issued with pread. On platforms without O_DIRECT support the package
// still builds (see backend_portable.go) but agent.Open never selects it
// there; see Probe.
package directio

import (
	"github.com/go-mizu/segstore/segment"
)

// WriteBlockSize is the unit direct-I/O writes are issued in; a remainder
// shorter than this is not padded but written through the ordinary
// companion descriptor on Flush.
const WriteBlockSize = 512 * 1024

// MaxInFlightBuffers bounds the write-behind depth: at most this many
// aligned buffers may be outstanding (submitted but not yet confirmed
// durable) at once.
const MaxInFlightBuffers = 10

// MaxMergedReadBytes is the largest single coalesced read ReadMany will
// issue when two or more requested ranges are close enough together to
// combine into one pread.
const MaxMergedReadBytes = 512 * 1024

// MaxReadAmplification is the largest number of unrequested bytes
// ReadMany will read in order to merge adjacent requests into one pread.
const MaxReadAmplification = 64 * 1024

// Probe reports whether the direct-I/O backend is usable in dir: it
// attempts to create a throwaway file with O_DIRECT and Fallocate it, and
// reports false on any error (ENOTSUP, EINVAL, or the platform build not
// implementing it at all). agent.Open calls this once per agent lifetime
// and is never expected to re-probe.
func Probe(dir string) bool {
	return probe(dir)
}

// Open creates the segment file at path for direct I/O if it does not
// exist and returns a ready Backend; an existing file is not truncated,
// and the Backend appends after its current contents. Callers should have already called Probe(dir)
// and be prepared to fall back to segment/blocking if it returned false;
// Open itself still returns a usable (if unaccelerated) Backend on
// platforms where direct I/O isn't wired, via the portable build tag.
func Open(path string) (*Backend, error) {
	return open(path)
}

var _ segment.Backend = (*Backend)(nil)
