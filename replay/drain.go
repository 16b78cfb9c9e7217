package replay

import (
	"context"
	"time"
)

// drainConfig mirrors the shape of the teacher's longpoll.ChannelConfig,
// adapted in-module (not imported) since this package's draining needs are
// narrower: always drain everything currently queued, never block waiting
// for a channel close.
type drainConfig struct {
	// MaxItems caps how many values a single drain call returns; <= 0
	// means unbounded.
	MaxItems int
	// MinItems is the number to wait for before returning, unless
	// PartialTimeout elapses first.
	MinItems int
	// PartialTimeout bounds how long to wait to reach MinItems.
	PartialTimeout time.Duration
}

// drainChannel receives as many values as possible from ch, waiting up to
// cfg.PartialTimeout to accumulate cfg.MinItems, then draining whatever
// else is immediately available up to cfg.MaxItems. It returns early if ctx
// is done or ch is closed; closed is true if ch was drained because it was
// closed rather than because the size/time bounds were reached.
func drainChannel[T any](ctx context.Context, cfg drainConfig, ch <-chan T) (items []T, closed bool) {
	maxItems := cfg.MaxItems
	minItems := cfg.MinItems
	partialTimeout := cfg.PartialTimeout

	var timeoutCh <-chan time.Time
	if partialTimeout > 0 && minItems > 0 {
		timer := time.NewTimer(partialTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

minLoop:
	for (maxItems <= 0 || len(items) < maxItems) && len(items) < minItems {
		select {
		case <-ctx.Done():
			return items, false
		case <-timeoutCh:
			break minLoop
		case v, ok := <-ch:
			if !ok {
				return items, true
			}
			items = append(items, v)
		}
	}

maxLoop:
	for maxItems <= 0 || len(items) < maxItems {
		select {
		case <-ctx.Done():
			return items, false
		case v, ok := <-ch:
			if !ok {
				return items, true
			}
			items = append(items, v)
		default:
			break maxLoop
		}
	}

	return items, false
}
