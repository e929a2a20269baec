package batcher

import "time"

// tick implements spec §4.1's periodic tuning algorithm. It runs on the
// Scheduler's Every callback and must not hold tuneMu while calling out
// to the Observer or while taking per-key locks (queueDepth is computed
// before tuneMu is acquired, same ordering discipline as Metrics).
func (b *Batcher) tick() {
	depth := b.queueDepth()

	b.tuneMu.Lock()

	eventsPerSec := b.eventsPerSecondLocked()
	avgLatency := b.avgLatencyLocked()
	target := b.cfg.TargetLatency
	f := b.cfg.aggressiveFactor()

	switch {
	case eventsPerSec > b.cfg.HighLoadEventsPerSec:
		if avgLatency > (target*3)/2 { // 1.5x target
			b.curBatchSize = b.cfg.clampSize(int(float64(b.curBatchSize) * f))
			b.curTimeout = b.cfg.clampTimeout(time.Duration(float64(b.curTimeout) / f))
		}
		if depth > 2*b.curBatchSize {
			b.curBatchSize = b.cfg.clampSize(b.curBatchSize + 10)
		}
	case eventsPerSec < b.cfg.LowLoadEventsPerSec:
		if avgLatency > target {
			b.curTimeout = b.cfg.clampTimeout(time.Duration(float64(b.curTimeout) / 1.3))
		}
		b.curBatchSize = b.cfg.clampSize(int(float64(b.curBatchSize) / 1.2))
	default: // medium load
		if avgLatency > (target*6)/5 { // 1.2x target
			b.curTimeout = b.cfg.clampTimeout(b.curTimeout - 10*time.Millisecond)
		} else if avgLatency < target/2 {
			b.curBatchSize = b.cfg.clampSize(b.curBatchSize + 5)
		}
	}

	// §4.1: "after each tick, truncate the latency sample window"; the
	// events/sec measurement is a per-interval rate, so the counter and
	// window start reset too.
	b.eventsSinceTick = 0
	b.tickerStart = b.sched.Now()
	if len(b.latencies) > latencyTruncateTo {
		b.latencies = append([]time.Duration(nil), b.latencies[len(b.latencies)-latencyTruncateTo:]...)
	}

	snapshot := TuneSnapshot{
		CurrentBatchSize:    b.curBatchSize,
		CurrentBatchTimeout: b.curTimeout,
		EventsPerSecond:     eventsPerSec,
		AvgLatency:          avgLatency,
		QueueDepth:          depth,
	}
	b.tuneMu.Unlock()

	b.obs.OnTune(snapshot)
}
