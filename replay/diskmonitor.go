package replay

import "context"

// DiskMonitor reports whether local disk usage has crossed the configured
// limit. The reader stage checks it after reading every message and
// aborts with *errs.DiskLimit once it reports over-limit.
type DiskMonitor interface {
	OverLimit(ctx context.Context) (bool, error)
}

// NoOpDiskMonitor never reports over-limit; the default when Pipeline.Disk
// is left unset.
type NoOpDiskMonitor struct{}

func (NoOpDiskMonitor) OverLimit(context.Context) (bool, error) { return false, nil }

// FixedDiskMonitor is a DiskMonitor test double that reports a fixed
// over-limit verdict (or error) regardless of context.
type FixedDiskMonitor struct {
	Over bool
	Err  error
}

func (m FixedDiskMonitor) OverLimit(context.Context) (bool, error) { return m.Over, m.Err }
