package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bsv-streaming/micropay/internal/batcher"
	"github.com/bsv-streaming/micropay/internal/channel"
	"github.com/bsv-streaming/micropay/internal/dispatcher"
	"github.com/bsv-streaming/micropay/internal/model"
)

// Metrics holds the Prometheus collectors the Supervisor registers and
// refreshes. Registration happens in a private registry (spec §4.5: the
// Supervisor does not itself bind an HTTP listener); Registry() hands the
// collectors to whatever the embedding application uses to serve /metrics.
type Metrics struct {
	registry *prometheus.Registry

	batchesFlushed   prometheus.Counter
	batchQueueDepth  prometheus.Gauge
	batchAvgLatency  prometheus.Gauge
	channelsOpen     prometheus.Gauge
	channelsSettling prometheus.Gauge
	endpointFailures *prometheus.GaugeVec
	endpointOpen     *prometheus.GaugeVec
	checkpoints      prometheus.Counter
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		batchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "micropay", Subsystem: "batcher", Name: "batches_flushed_total",
			Help: "Number of batches flushed across all keys.",
		}),
		batchQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "micropay", Subsystem: "batcher", Name: "queue_depth",
			Help: "Total pending events across all batch keys.",
		}),
		batchAvgLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "micropay", Subsystem: "batcher", Name: "avg_latency_ms",
			Help: "Rolling average flush latency in milliseconds.",
		}),
		channelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "micropay", Subsystem: "channel", Name: "channels_open",
			Help: "Number of channels currently in the open state.",
		}),
		channelsSettling: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "micropay", Subsystem: "channel", Name: "channels_settling",
			Help: "Number of channels currently settling.",
		}),
		endpointFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "micropay", Subsystem: "dispatcher", Name: "endpoint_failures_total",
			Help: "Cumulative failed broadcast attempts per endpoint.",
		}, []string{"endpoint"}),
		endpointOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "micropay", Subsystem: "dispatcher", Name: "endpoint_circuit_open",
			Help: "1 if the endpoint's circuit breaker is currently open.",
		}, []string{"endpoint"}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "micropay", Subsystem: "supervisor", Name: "checkpoints_total",
			Help: "Number of checkpoint ticks that completed successfully.",
		}),
	}
	reg.MustRegister(
		m.batchesFlushed, m.batchQueueDepth, m.batchAvgLatency,
		m.channelsOpen, m.channelsSettling,
		m.endpointFailures, m.endpointOpen, m.checkpoints,
	)
	return m
}

// Registry returns the private Prometheus registry backing these
// collectors, for an embedding application to serve over its own /metrics
// handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// metricsObserver adapts a Metrics instance to batcher.Observer so the
// Batcher can be constructed with live metrics wiring before the
// Supervisor itself exists (the Batcher takes its Observer at
// construction time; the Supervisor is built afterward around the
// already-running Batcher).
type metricsObserver struct{ m *Metrics }

func (o metricsObserver) OnBatch(b model.Batch, bm model.BatchMetrics) { o.m.observeBatch(b, bm) }
func (o metricsObserver) OnTune(batcher.TuneSnapshot)                  {}
func (o metricsObserver) OnShutdown()                                  {}

// NewMetricsObserver returns a fresh Metrics instance together with a
// batcher.Observer that feeds it, for wiring into batcher.New before the
// Supervisor that will eventually own both is constructed.
func NewMetricsObserver() (*Metrics, batcher.Observer) {
	m := newMetrics()
	return m, metricsObserver{m: m}
}

func (m *Metrics) observeBatch(_ model.Batch, bm model.BatchMetrics) {
	m.batchesFlushed.Inc()
	_ = bm
}

func (m *Metrics) refreshBatcher(bm batcher.Metrics) {
	m.batchQueueDepth.Set(float64(bm.QueueDepth))
	m.batchAvgLatency.Set(float64(bm.AvgLatency.Milliseconds()))
}

func (m *Metrics) refreshChannels(snapshots []channel.Snapshot) {
	var open, settling float64
	for _, s := range snapshots {
		switch s.Status {
		case model.ChannelOpen, model.ChannelPaused:
			open++
		case model.ChannelSettling:
			settling++
		}
	}
	m.channelsOpen.Set(open)
	m.channelsSettling.Set(settling)
}

func (m *Metrics) refreshDispatcher(snapshots []dispatcher.EndpointSnapshot) {
	for _, s := range snapshots {
		m.endpointFailures.WithLabelValues(s.Name).Set(float64(s.Stats.Failures))
		open := 0.0
		if s.Open {
			open = 1.0
		}
		m.endpointOpen.WithLabelValues(s.Name).Set(open)
	}
}
