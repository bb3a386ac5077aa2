package directory

import "context"

// FileHandle is a cached view of one logical path's size, scoped to the
// facade that produced it. The size is a snapshot at GetFileHandle time;
// it does not track subsequent writes to the same path.
type FileHandle struct {
	path   string
	size   uint64
	facade *Facade
}

// Path returns the logical path this handle was opened for.
func (h *FileHandle) Path() string { return h.path }

// Len returns the cached logical length.
func (h *FileHandle) Len() uint64 { return h.size }

// ReadBytes reads [lo, hi) of the handle's path through the owning
// facade's agent.
func (h *FileHandle) ReadBytes(ctx context.Context, lo, hi uint64) ([]byte, error) {
	return h.facade.agent.ReadRange(ctx, h.facade.fullPath(h.path), lo, hi)
}
