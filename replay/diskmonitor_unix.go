//go:build linux || darwin

package replay

import (
	"context"

	"golang.org/x/sys/unix"
)

// StatfsDiskMonitor reports over-limit once the free space on the
// filesystem backing Path drops at or below MinFreeBytes.
type StatfsDiskMonitor struct {
	Path         string
	MinFreeBytes uint64
}

func (m StatfsDiskMonitor) OverLimit(context.Context) (bool, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(m.Path, &stat); err != nil {
		return false, err
	}
	free := uint64(stat.Bavail) * uint64(stat.Bsize)
	return free <= m.MinFreeBytes, nil
}
