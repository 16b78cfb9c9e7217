//go:build !(linux || darwin)

package replay

import "context"

// StatfsDiskMonitor has no statfs(2) equivalent wired on this platform;
// it always reports under-limit rather than failing the pipeline outright.
type StatfsDiskMonitor struct {
	Path         string
	MinFreeBytes uint64
}

func (m StatfsDiskMonitor) OverLimit(context.Context) (bool, error) { return false, nil }
