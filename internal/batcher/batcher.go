// Package batcher implements the Adaptive Event Batcher (spec §4.1):
// groups PaymentEvents per (content-hash, direction) key and flushes them
// on size, timeout, overflow, or shutdown, with a periodic tuner that
// adjusts the adaptive batch size and timeout from observed load.
package batcher

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	micropayclock "github.com/bsv-streaming/micropay/internal/clock"
	"github.com/bsv-streaming/micropay/internal/model"
)

// Config mirrors pkg/config.BatcherConfig in duration/int form ready for
// the tuner's arithmetic.
type Config struct {
	MinBatchSize         int
	MaxBatchSize         int
	MinBatchTimeout      time.Duration
	MaxBatchTimeout      time.Duration
	HighLoadEventsPerSec float64
	LowLoadEventsPerSec  float64
	TargetLatency        time.Duration
	MaxQueueSize         int
	MaxBatchesInMemory   int
	TuningInterval       time.Duration
	AggressiveTuning     bool
}

func (c Config) clampSize(v int) int {
	if v < c.MinBatchSize {
		return c.MinBatchSize
	}
	if v > c.MaxBatchSize {
		return c.MaxBatchSize
	}
	return v
}

func (c Config) clampTimeout(v time.Duration) time.Duration {
	if v < c.MinBatchTimeout {
		return c.MinBatchTimeout
	}
	if v > c.MaxBatchTimeout {
		return c.MaxBatchTimeout
	}
	return v
}

// aggressiveFactor returns F per spec §4.1 ("aggressive-factor F∈[1.2,1.5]").
func (c Config) aggressiveFactor() float64 {
	if c.AggressiveTuning {
		return 1.5
	}
	return 1.2
}

// Observer receives notifications from the Batcher. All methods must
// return promptly; they run on the Batcher's internal goroutines.
type Observer interface {
	OnBatch(model.Batch, model.BatchMetrics)
	OnTune(params TuneSnapshot)
	OnShutdown()
}

// NopObserver implements Observer with no-ops, for callers that only
// want the return value of Ingest/Flush and don't need notifications.
type NopObserver struct{}

func (NopObserver) OnBatch(model.Batch, model.BatchMetrics) {}
func (NopObserver) OnTune(TuneSnapshot)                     {}
func (NopObserver) OnShutdown()                             {}

// TuneSnapshot reports the tuner's live parameters and inputs, returned
// by Metrics() and passed to Observer.OnTune after each tick.
type TuneSnapshot struct {
	CurrentBatchSize    int
	CurrentBatchTimeout time.Duration
	EventsPerSecond     float64
	AvgLatency          time.Duration
	QueueDepth          int
}

// Metrics is the running counters and adaptive parameters §4.1's
// metrics() operation returns.
type Metrics struct {
	TuneSnapshot
	TotalEvents   uint64
	TotalBatches  uint64
	RejectedTotal uint64
}

type pendingKey struct {
	mu        sync.Mutex
	events    []model.PaymentEvent
	openedAt  time.Time
	timer     micropayclock.Handle
}

// Batcher is the concurrency-safe, per-key event aggregator.
type Batcher struct {
	cfg   Config
	sched micropayclock.Scheduler
	obs   Observer
	log   *logrus.Entry

	mu     sync.Mutex // guards keys map and closed; NOT held during per-key work
	keys   map[model.BatchKey]*pendingKey
	closed bool

	// tuner state, guarded by tuneMu
	tuneMu       sync.Mutex
	curBatchSize int
	curTimeout   time.Duration
	totalEvents  uint64
	totalBatches uint64
	rejected     uint64
	tickerStart  time.Time
	eventsSinceTick uint64
	latencies    []time.Duration // bounded per §5 (1000 cap, truncate to 500)

	tuneHandle micropayclock.Handle

	recent   []model.Batch // ring buffer, capped at MaxBatchesInMemory
	recentAt int
}

const (
	latencyWindowCap   = 1000
	latencyTruncateTo  = 500
)

// New constructs a Batcher. sched is typically clock.New() in production
// and a mock clock in tests. obs may be nil, in which case NopObserver is
// used.
func New(cfg Config, sched micropayclock.Scheduler, obs Observer, log *logrus.Entry) *Batcher {
	if obs == nil {
		obs = NopObserver{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	b := &Batcher{
		cfg:          cfg,
		sched:        sched,
		obs:          obs,
		log:          log,
		keys:         make(map[model.BatchKey]*pendingKey),
		curBatchSize: cfg.clampSize(cfg.MinBatchSize),
		curTimeout:   cfg.clampTimeout(cfg.MaxBatchTimeout),
		tickerStart:  sched.Now(),
	}
	if cfg.TuningInterval > 0 {
		b.tuneHandle = sched.Every(cfg.TuningInterval, b.tick)
	}
	return b
}

// Ingest admits a PaymentEvent, per spec §4.1. It may trigger a
// synchronous flush (size threshold or overflow).
func (b *Batcher) Ingest(evt model.PaymentEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return model.New(model.KindShuttingDown, "batcher.Ingest", nil)
	}
	key := evt.Key()
	pk, ok := b.keys[key]
	if !ok {
		pk = &pendingKey{openedAt: b.sched.Now()}
		b.keys[key] = pk
	}
	b.mu.Unlock()

	pk.mu.Lock()
	maxQueue := b.currentMaxQueue()
	if len(pk.events) >= maxQueue {
		pk.mu.Unlock()
		b.tuneMu.Lock()
		b.rejected++
		b.tuneMu.Unlock()
		return model.New(model.KindOverflow, "batcher.Ingest", nil)
	}
	pk.events = append(pk.events, evt)
	b.tuneMu.Lock()
	b.totalEvents++
	b.eventsSinceTick++
	size := b.curBatchSize
	timeout := b.curTimeout
	b.tuneMu.Unlock()

	overflow := len(pk.events) >= maxQueue
	sizeHit := len(pk.events) >= size
	var toFlush *model.Batch
	switch {
	case overflow:
		toFlush = b.drainLocked(key, pk, model.FlushOverflow)
	case sizeHit:
		toFlush = b.drainLocked(key, pk, model.FlushSize)
	default:
		if pk.timer == nil {
			pk.timer = b.sched.After(timeout, func() { b.Flush(key, true) })
		}
	}
	pk.mu.Unlock()

	if toFlush != nil {
		b.publish(*toFlush)
	}
	return nil
}

func (b *Batcher) currentMaxQueue() int {
	if b.cfg.MaxQueueSize <= 0 {
		return 1 << 30
	}
	return b.cfg.MaxQueueSize
}

// drainLocked must be called with pk.mu held; it detaches the pending
// events into an immutable Batch and clears the slot for reuse. The
// caller publishes the batch after releasing pk.mu.
func (b *Batcher) drainLocked(key model.BatchKey, pk *pendingKey, reason model.FlushReason) *model.Batch {
	if len(pk.events) == 0 {
		return nil
	}
	if pk.timer != nil {
		pk.timer.Cancel()
		pk.timer = nil
	}
	events := pk.events
	opened := pk.openedAt
	pk.events = nil
	pk.openedAt = b.sched.Now()
	batch := model.Batch{
		Key:       key,
		Events:    events,
		OpenedAt:  opened,
		FlushedAt: b.sched.Now(),
		Reason:    reason,
	}
	return &batch
}

// Flush emits a Batch for key if non-empty. forced is informational only
// (true when invoked by the timer rather than by Ingest's size check).
func (b *Batcher) Flush(key model.BatchKey, forced bool) {
	b.mu.Lock()
	pk, ok := b.keys[key]
	b.mu.Unlock()
	if !ok {
		return
	}
	reason := model.FlushTimeout
	if !forced {
		reason = model.FlushSize
	}
	pk.mu.Lock()
	batch := b.drainLocked(key, pk, reason)
	pk.mu.Unlock()
	if batch != nil {
		b.publish(*batch)
	}
}

// FlushAll flushes every non-empty key; invoked on shutdown.
func (b *Batcher) FlushAll() []model.Batch {
	b.mu.Lock()
	keys := make([]model.BatchKey, 0, len(b.keys))
	for k := range b.keys {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	out := make([]model.Batch, 0, len(keys))
	for _, k := range keys {
		b.mu.Lock()
		pk := b.keys[k]
		b.mu.Unlock()
		pk.mu.Lock()
		batch := b.drainLocked(k, pk, model.FlushShutdown)
		pk.mu.Unlock()
		if batch != nil {
			b.publish(*batch)
			out = append(out, *batch)
		}
	}
	return out
}

// Shutdown flushes every key, stops the tuner, and rejects further
// Ingest calls.
func (b *Batcher) Shutdown() []model.Batch {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.tuneHandle != nil {
		b.tuneHandle.Cancel()
	}
	out := b.FlushAll()
	b.obs.OnShutdown()
	return out
}

func (b *Batcher) publish(batch model.Batch) {
	metrics := batch.Metrics()

	b.tuneMu.Lock()
	b.totalBatches++
	for _, e := range batch.Events {
		b.latencies = append(b.latencies, batch.FlushedAt.Sub(e.ArrivedAt))
	}
	if len(b.latencies) > latencyWindowCap {
		b.latencies = append([]time.Duration(nil), b.latencies[len(b.latencies)-latencyTruncateTo:]...)
	}
	b.tuneMu.Unlock()

	b.mu.Lock()
	if b.cfg.MaxBatchesInMemory > 0 {
		if len(b.recent) < b.cfg.MaxBatchesInMemory {
			b.recent = append(b.recent, batch)
		} else {
			b.recent[b.recentAt%b.cfg.MaxBatchesInMemory] = batch
		}
		b.recentAt++
	}
	b.mu.Unlock()

	b.obs.OnBatch(batch, metrics)
}

// RecentBatches returns a snapshot of the most recently flushed batches,
// bounded by MaxBatchesInMemory (spec §5 memory bounds).
func (b *Batcher) RecentBatches() []model.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Batch, len(b.recent))
	copy(out, b.recent)
	return out
}

// UpdateConfig re-clamps the current adaptive size/timeout into the new
// bounds. Active per-key timers are left to fire at their existing
// deadline; the next Ingest for that key will use the new timeout.
func (b *Batcher) UpdateConfig(cfg Config) {
	b.tuneMu.Lock()
	b.cfg = cfg
	b.curBatchSize = cfg.clampSize(b.curBatchSize)
	b.curTimeout = cfg.clampTimeout(b.curTimeout)
	b.tuneMu.Unlock()
}

// Metrics returns running counters and current adaptive parameters.
//
// Note on lock ordering: this never holds tuneMu while acquiring b.mu or a
// per-key mutex (queueDepth is computed after tuneMu is released) so it
// cannot invert against Ingest's pk.mu-then-tuneMu order.
func (b *Batcher) Metrics() Metrics {
	b.tuneMu.Lock()
	snap := TuneSnapshot{
		CurrentBatchSize:    b.curBatchSize,
		CurrentBatchTimeout: b.curTimeout,
		EventsPerSecond:     b.eventsPerSecondLocked(),
		AvgLatency:          b.avgLatencyLocked(),
	}
	totalEvents, totalBatches, rejected := b.totalEvents, b.totalBatches, b.rejected
	b.tuneMu.Unlock()

	snap.QueueDepth = b.queueDepth()

	return Metrics{
		TuneSnapshot:  snap,
		TotalEvents:   totalEvents,
		TotalBatches:  totalBatches,
		RejectedTotal: rejected,
	}
}

func (b *Batcher) queueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	depth := 0
	for _, pk := range b.keys {
		pk.mu.Lock()
		depth += len(pk.events)
		pk.mu.Unlock()
	}
	return depth
}

func (b *Batcher) eventsPerSecondLocked() float64 {
	elapsed := b.sched.Now().Sub(b.tickerStart).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(b.eventsSinceTick) / elapsed
}

func (b *Batcher) avgLatencyLocked() time.Duration {
	if len(b.latencies) == 0 {
		return 0
	}
	var sum time.Duration
	for _, l := range b.latencies {
		sum += l
	}
	return sum / time.Duration(len(b.latencies))
}
