// Package replay implements the three-stage replay pipeline (C4): a
// reader that pulls messages off the wire and enqueues them with
// back-pressure, a replayer that applies them to storage under lock and
// tracks consistency, and a writer that drains outgoing acknowledgements.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/joeycumines/go-replica/config"
	"github.com/joeycumines/go-replica/consistency"
	"github.com/joeycumines/go-replica/election"
	"github.com/joeycumines/go-replica/errs"
	"github.com/joeycumines/go-replica/internal/fsm"
	"github.com/joeycumines/go-replica/internal/logging"
	"github.com/joeycumines/go-replica/locktable"
	"github.com/joeycumines/go-replica/storage"
	"github.com/joeycumines/go-replica/wire"
)

// defaultQueuePollInterval matches the spec's QUEUE_POLL_INTERVAL (~1s):
// how often the reader retries a full replay queue, and how often the
// replayer checks whether a soft exit has been requested.
const defaultQueuePollInterval = time.Second

// dbCacheClearInterval is the number of replayed operations between
// DB-id cache clearings. The replayer keeps no DB-id cache, so reaching
// the interval has no effect.
const dbCacheClearInterval = 1000

// heartbeatIdleInterval is how long the writer waits for outgoing traffic
// before sending a spontaneous heartbeat response, so the master does not
// time the connection out during a quiet period.
const heartbeatIdleInterval = 5 * time.Second

// Metric names reported via Metrics; see DESIGN.md for rationale.
const (
	MetricQueueOverflow       = "replay.queue_overflow"
	MetricPreprocessorDiscard = "replay.preprocessor_discard"
	MetricAcksSent            = "replay.acks_sent"
)

var errReplayerDied = errors.New("replay: replayer exited while reader was offering")
var errWriterDied = errors.New("replay: writer exited while replayer was enqueuing an ack")

// ExitMode is the replayer's shutdown discipline: ExitSoft drains the
// replay queue before returning; ExitImmediate abandons it.
type ExitMode int32

const (
	exitNone ExitMode = iota
	// ExitSoft drains queued work before the replayer returns.
	ExitSoft
	// ExitImmediate abandons queued work immediately.
	ExitImmediate
)

// Metrics is the narrow observability collaborator named in §10.3: no
// backend is required, and the default is a no-op.
type Metrics interface {
	IncCounter(name string, delta int64)
	SetGauge(name string, value float64)
}

// NoOpMetrics discards every counter and gauge.
type NoOpMetrics struct{}

func (NoOpMetrics) IncCounter(string, int64) {}
func (NoOpMetrics) SetGauge(string, float64) {}

// MapMetrics is an in-memory Metrics test double.
type MapMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
}

// NewMapMetrics returns an empty MapMetrics.
func NewMapMetrics() *MapMetrics {
	return &MapMetrics{counters: make(map[string]int64), gauges: make(map[string]float64)}
}

func (m *MapMetrics) IncCounter(name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += delta
}

func (m *MapMetrics) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// Counter returns the current value of the named counter.
func (m *MapMetrics) Counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Gauge returns the current value of the named gauge.
func (m *MapMetrics) Gauge(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

// PreprocessFunc runs CPU-bound work ahead of replay for a write-carrying
// entry (e.g. warming a decode cache). Its result is an optimization only:
// the replayer always applies the entry itself regardless of whether
// preprocessing ran, so a discarded preprocessor task is always safe for
// correctness.
type PreprocessFunc func(e wire.Entry)

// Pipeline wires the reader, replayer, and writer stages together. Fields
// other than Config/Channel/Storage must either be supplied or are
// defaulted by New.
type Pipeline struct {
	Config      config.Config
	Channel     wire.Channel
	Storage     storage.Engine
	Locks       *locktable.Table
	Consistency *consistency.Tracker
	Election    election.Authority
	Logger      logging.Logger
	Metrics     Metrics
	Preprocess  PreprocessFunc
	// Disk reports whether local disk usage has crossed its configured
	// limit; the reader checks it after every message. Defaults to
	// NoOpDiskMonitor.
	Disk DiskMonitor

	// BelievedMaster is the node name the replica currently trusts as
	// master, passed to Election.AmISynced on every replayed message.
	BelievedMaster string
	// PollInterval overrides defaultQueuePollInterval; tests shrink it so
	// back-pressure scenarios run quickly.
	PollInterval time.Duration

	replayQ chan wire.Message
	outputQ chan wire.Message
	sem     *semaphore.Weighted

	exitRequest   atomic.Int32
	// replayerState/writerState track each stage's lifecycle so the
	// reader/replayer can tell a dead downstream stage apart from mere
	// back-pressure while offering into its queue.
	replayerState fsm.Cell
	writerState   fsm.Cell

	replayerLocker atomic.Uint64 // locktable.LockerID for the replayer's record locks

	fatalMu sync.Mutex
	fatal   error

	overflowSinceLog atomic.Int64

	testDelayMs       atomic.Int64
	dontProcessStream atomic.Bool
}

// New constructs a Pipeline, applying defaults for any unset collaborator.
func New(cfg config.Config, ch wire.Channel, engine storage.Engine) *Pipeline {
	p := &Pipeline{
		Config:  cfg,
		Channel: ch,
		Storage: engine,
	}
	p.init()
	return p
}

func (p *Pipeline) init() {
	if p.Logger == nil {
		p.Logger = logging.Default()
	}
	if p.Metrics == nil {
		p.Metrics = NoOpMetrics{}
	}
	if p.Disk == nil {
		p.Disk = NoOpDiskMonitor{}
	}
	if p.Consistency == nil {
		p.Consistency = consistency.New()
	}
	if p.Locks == nil {
		p.Locks = locktable.New(p.Logger)
	}
	if p.PollInterval <= 0 {
		p.PollInterval = defaultQueuePollInterval
	}
	size := p.Config.ReplicaMessageQueueSize
	if size <= 0 {
		size = 1
	}
	if p.replayQ == nil {
		p.replayQ = make(chan wire.Message, size)
	}
	if p.outputQ == nil {
		p.outputQ = make(chan wire.Message, size)
	}
	if p.sem == nil {
		threads := p.Config.ReplayPreprocessorThreads
		if threads <= 0 {
			threads = 1
		}
		p.sem = semaphore.NewWeighted(int64(threads))
	}
	if p.replayerLocker.Load() == 0 {
		p.replayerLocker.Store(uint64(p.Locks.NewLocker(true, false)))
	}
}

// SetReplayerLocker pins the locktable.LockerID the replayer acquires
// record locks under. Call before Run. Without this, New assigns a fresh
// locker on first use; a node reconnecting across pipeline instances
// passes the same id each time so locks a prior incarnation held (and a
// role transition may have rebound) remain attributable to the same
// locker.
func (p *Pipeline) SetReplayerLocker(id locktable.LockerID) {
	p.replayerLocker.Store(uint64(id))
}

// SetTestDelay sets an artificial per-message delay the reader sleeps
// before enqueuing each message; test hook only.
func (p *Pipeline) SetTestDelay(d time.Duration) {
	p.testDelayMs.Store(int64(d / time.Millisecond))
}

// SetDontProcessStream makes the reader silently discard every message it
// reads instead of enqueuing it, simulating a network partition; test
// hook only.
func (p *Pipeline) SetDontProcessStream(v bool) {
	p.dontProcessStream.Store(v)
}

// QueueOverflowCount reports how many times the reader observed a full
// replay queue, via the poll-interval retry loop.
func (p *Pipeline) QueueOverflowCount() int64 {
	return p.overflowSinceLog.Load()
}

// Run drives the reader/replayer/writer goroutines until one exits with
// an error, ctx is done, or a clean shutdown completes. The first
// non-nil error from any stage is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	p.init()

	g, gctx := errgroup.WithContext(ctx)

	p.replayerState.Store(fsm.Running)
	p.writerState.Store(fsm.Running)

	g.Go(func() error {
		return p.readLoop(gctx)
	})
	g.Go(func() error {
		defer p.replayerState.Store(fsm.Stopped)
		defer close(p.outputQ)
		return p.replayLoop(gctx)
	})
	g.Go(func() error {
		defer p.writerState.Store(fsm.Stopped)
		return p.writeLoop(gctx)
	})

	err := g.Wait()

	p.fatalMu.Lock()
	fatal := p.fatal
	p.fatalMu.Unlock()
	if err == nil && fatal != nil {
		err = fatal
	}
	return err
}

func (p *Pipeline) storeFatal(err error) {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	if p.fatal == nil {
		p.fatal = err
	}
}

func (p *Pipeline) exitMode() ExitMode {
	return ExitMode(p.exitRequest.Load())
}

// requestExit records mode if no stronger exit has already been
// requested (ExitImmediate always wins over ExitSoft).
func (p *Pipeline) requestExit(mode ExitMode) {
	for {
		cur := ExitMode(p.exitRequest.Load())
		if cur == ExitImmediate || cur == mode {
			return
		}
		if p.exitRequest.CompareAndSwap(int32(cur), int32(mode)) {
			return
		}
	}
}

// readLoop is the reader stage: pulls messages off the wire channel,
// optionally dispatches write-carrying entries to the preprocessor pool,
// then offers the message into the bounded replay queue.
func (p *Pipeline) readLoop(ctx context.Context) error {
	p.Channel.SetReadTimeout(p.Config.PreHeartbeatTimeout)
	var sawHeartbeat bool
	for {
		if p.exitMode() != exitNone {
			return nil
		}

		msg, err := p.Channel.Read()
		if err != nil {
			p.storeFatal(err)
			return err
		}
		if !sawHeartbeat && msg.Kind == wire.KindHeartbeat {
			sawHeartbeat = true
			p.Channel.SetReadTimeout(p.Config.ReplicaFeederChannelTimeout)
		}

		if over, err := p.Disk.OverLimit(ctx); err != nil {
			p.storeFatal(err)
			return err
		} else if over {
			err := &errs.DiskLimit{Cause: errors.New("local disk usage exceeds configured limit")}
			p.storeFatal(err)
			return err
		}

		if p.dontProcessStream.Load() {
			continue
		}
		if delay := time.Duration(p.testDelayMs.Load()) * time.Millisecond; delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		p.maybePreprocess(msg)

		if err := p.offer(ctx, msg); err != nil {
			p.storeFatal(err)
			return err
		}

		if msg.Kind == wire.KindShutdownRequest {
			return nil
		}
	}
}

func (p *Pipeline) maybePreprocess(msg wire.Message) {
	if p.Preprocess == nil || !p.Config.ReplayPreprocessorEnabled || msg.Kind != wire.KindEntry {
		return
	}
	e := msg.Entry
	if e.Kind != wire.EntryPut && e.Kind != wire.EntryDelete {
		return
	}
	if !p.sem.TryAcquire(1) {
		p.Metrics.IncCounter(MetricPreprocessorDiscard, 1)
		return
	}
	entry := *e
	go func() {
		defer p.sem.Release(1)
		p.Preprocess(entry)
	}()
}

// offer blocks until msg is accepted into the replay queue, the replayer
// has died, or ctx is done, retrying at the poll interval and counting
// every retry as an overflow.
func (p *Pipeline) offer(ctx context.Context, msg wire.Message) error {
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case p.replayQ <- msg:
			return nil
		case <-ticker.C:
			p.overflowSinceLog.Add(1)
			p.Metrics.IncCounter(MetricQueueOverflow, 1)
			if !p.replayerState.IsRunning() {
				return errReplayerDied
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// replayLoop is the replayer stage: applies entries to storage under
// lock, updates the consistency tracker, runs the shutdown protocol, and
// enqueues acknowledgements.
func (p *Pipeline) replayLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	var ops int64
	for {
		if p.exitMode() == ExitImmediate {
			return nil
		}

		select {
		case msg, ok := <-p.replayQ:
			if !ok {
				return nil
			}
			if err := p.handleMessage(ctx, msg); err != nil {
				p.storeFatal(err)
				var groupShutdown *errs.GroupShutdown
				if errors.As(err, &groupShutdown) {
					// Keep the channel open and the other stages running
					// so the writer can still flush the shutdown ack; Run
					// reports the stored GroupShutdown once they return.
					return nil
				}
				_ = p.Channel.Close()
				return err
			}
			if msg.Kind == wire.KindShutdownRequest {
				return nil
			}
			ops++
			if ops%dbCacheClearInterval == 0 {
				// No DB-id cache is kept, so there is nothing to clear.
			}

		case <-ticker.C:
			if p.exitMode() == ExitSoft {
				return p.drainAndExit(ctx)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainAndExit implements the SOFT half of shutdown: whatever is
// currently buffered in the replay queue is applied before returning,
// rather than abandoned as ExitImmediate would.
func (p *Pipeline) drainAndExit(ctx context.Context) error {
	items, _ := drainChannel(ctx, drainConfig{MaxItems: cap(p.replayQ)}, p.replayQ)
	for _, msg := range items {
		if err := p.handleMessage(ctx, msg); err != nil {
			p.storeFatal(err)
			_ = p.Channel.Close()
			return err
		}
	}
	return nil
}

// Shutdown requests the replayer exit after briefly draining (ExitSoft)
// or immediately (ExitImmediate). Idempotent: a stronger request always
// wins, and repeating the same request is a no-op, matching the round
// trip property that calling shutdown twice behaves like calling it once.
func (p *Pipeline) Shutdown(mode ExitMode) {
	p.requestExit(mode)
}

func (p *Pipeline) handleMessage(ctx context.Context, msg wire.Message) error {
	if p.Election != nil {
		d, err := p.Election.AmISynced(ctx, p.BelievedMaster)
		if err != nil {
			return err
		}
		if !d.InSync {
			return &errs.MasterObsolete{Cause: fmt.Errorf("election now reports master %q", d.Current)}
		}
	}

	switch msg.Kind {
	case wire.KindShutdownRequest:
		return p.runShutdownProtocol(ctx, msg)

	case wire.KindHeartbeat:
		hb := msg.Heartbeat
		p.Consistency.TrackHeartbeat(time.Now(), consistency.Heartbeat{
			MasterNow:  hb.MasterNow,
			MasterVLSN: hb.MasterTxnEndVLSN,
		})
		return p.enqueueAck(ctx, wire.NewAck(wire.Ack{Kind: wire.AckHeartbeat, HeartbeatID: hb.HeartbeatID}))

	case wire.KindEntry:
		return p.replayEntry(ctx, *msg.Entry)

	default:
		return nil
	}
}

func (p *Pipeline) replayEntry(ctx context.Context, e wire.Entry) error {
	if e.RecordKey != "" {
		locker := locktable.LockerID(p.replayerLocker.Load())
		record := p.Locks.RecordID(e.RecordKey)
		if _, err := p.Locks.LockCancellable(ctx, record, locker, locktable.Write, false, nil); err != nil {
			return err
		}
		defer p.Locks.Release(record, locker)
	}

	if err := p.Storage.Apply(ctx, e); err != nil {
		return err
	}

	if e.Kind.IsTxnEnd() {
		p.Consistency.TrackTxnEnd(time.Now(), consistency.TxnEnd{
			VLSN:             e.VLSN,
			MasterCommitTime: e.MasterCommitTime,
		})
	} else {
		p.Consistency.TrackVLSN(e.VLSN)
	}

	return p.enqueueAck(ctx, wire.NewAck(wire.Ack{Kind: wire.AckEntry, VLSN: e.VLSN}))
}

// runShutdownProtocol implements the group-shutdown sequence: ack
// immediately, disable the read timeout so a long checkpoint isn't
// mistaken for a dead peer, request the other stages to stop, force a
// minimize-recovery checkpoint, then surface GroupShutdown.
func (p *Pipeline) runShutdownProtocol(ctx context.Context, msg wire.Message) error {
	if err := p.enqueueAck(ctx, wire.NewAck(wire.Ack{Kind: wire.AckShutdown})); err != nil {
		return err
	}
	p.Channel.SetReadTimeout(wire.NoTimeout)
	p.requestExit(ExitSoft)

	if err := p.Storage.Checkpoint(ctx, true); err != nil {
		return err
	}

	p.requestExit(ExitImmediate)
	return &errs.GroupShutdown{}
}

func (p *Pipeline) enqueueAck(ctx context.Context, ack wire.Message) error {
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case p.outputQ <- ack:
			return nil
		case <-ticker.C:
			if !p.writerState.IsRunning() {
				return errWriterDied
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeLoop is the writer stage: drains the output queue via an
// interval/size batcher, sending a spontaneous heartbeat response if no
// traffic has gone out for heartbeatIdleInterval.
func (p *Pipeline) writeLoop(ctx context.Context) error {
	batcher := newAckBatcher(p.Channel, 16, 50*time.Millisecond)
	defer batcher.close()

	idle := time.NewTimer(heartbeatIdleInterval)
	defer idle.Stop()

	for {
		select {
		case ack, ok := <-p.outputQ:
			if !ok {
				return nil
			}
			if err := batcher.enqueue(ctx, ack); err != nil {
				p.storeFatal(err)
				return err
			}
			p.Metrics.IncCounter(MetricAcksSent, 1)
			resetTimer(idle, heartbeatIdleInterval)

		case <-idle.C:
			hr := wire.NewHeartbeatResponse(wire.HeartbeatResponse{ReplicaNow: time.Now()})
			if err := p.Channel.Write(hr); err != nil {
				p.storeFatal(err)
				return err
			}
			resetTimer(idle, heartbeatIdleInterval)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
