package replay

import (
	"context"
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/go-replica/wire"
)

// ackBatcher groups outgoing acknowledgement messages the way the
// teacher's microbatch package groups any job: flush on size or on a
// timer, whichever comes first. MaxConcurrency is pinned to 1, preserving
// the wire channel's single-writer-goroutine discipline.
type ackBatcher struct {
	batcher *microbatch.Batcher[wire.Message]
}

// newAckBatcher returns a batcher that flushes queued acks to ch in
// submission order, in groups of up to maxSize or every flushInterval.
func newAckBatcher(ch wire.Channel, maxSize int, flushInterval time.Duration) *ackBatcher {
	b := &ackBatcher{}
	b.batcher = microbatch.NewBatcher[wire.Message](&microbatch.BatcherConfig{
		MaxSize:        maxSize,
		FlushInterval:  flushInterval,
		MaxConcurrency: 1,
	}, func(_ context.Context, jobs []wire.Message) error {
		for _, m := range jobs {
			if err := ch.Write(m); err != nil {
				return err
			}
		}
		return nil
	})
	return b
}

// enqueue schedules m for the next flush and waits for that flush (and any
// write error from it) to complete.
func (b *ackBatcher) enqueue(ctx context.Context, m wire.Message) error {
	result, err := b.batcher.Submit(ctx, m)
	if err != nil {
		return err
	}
	return result.Wait(ctx)
}

// close stops accepting new acks and waits for any already-scheduled batch
// to flush.
func (b *ackBatcher) close() error {
	return b.batcher.Close()
}
