//go:build linux

package directory

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// syncDirectory opens and fsyncs the parent directory of path, forcing
// the directory entry created by a prior rename (e.g. after Export) to
// stable storage.
func syncDirectory(path string) error {
	dir := filepath.Dir(path)
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return fmt.Errorf("directory: open %s for sync: %w", dir, err)
	}
	defer unix.Close(fd)

	if err := unix.Fsync(fd); err != nil {
		return fmt.Errorf("directory: fsync %s: %w", dir, err)
	}
	return nil
}
