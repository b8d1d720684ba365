package storage

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"golang.org/x/sys/unix"
)

// FreeSpaceFunc reports the bytes available to unprivileged writers under path
type FreeSpaceFunc func(path string) (uint64, error)

// FreeBytes reports the bytes available under path
func FreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("failed to stat filesystem of %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// CheckFreeSpace returns a ResourceExhaustedError when less than required
// bytes are available under path
func CheckFreeSpace(free FreeSpaceFunc, path string, required uint64) error {
	if required == 0 {
		return nil
	}
	available, err := free(path)
	if err != nil {
		return err
	}
	if available < required {
		return &archiveerr.ResourceExhaustedError{
			Path:      path,
			Available: humanize.IBytes(available),
			Required:  humanize.IBytes(required),
		}
	}
	return nil
}
