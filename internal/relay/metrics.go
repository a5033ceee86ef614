package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "rlog"
	metricsSubsystem = "relay"
)

// metrics holds the relay's Prometheus collectors.
type metrics struct {
	ingestTotal    prometheus.Counter
	ingestSkipped  prometheus.Counter
	framesDropped  prometheus.Counter
	encodeErrors   prometheus.Counter
	bytesSent      prometheus.Counter
	queueDepth     prometheus.Gauge
	framesDrained  prometheus.Counter
	clients        prometheus.Gauge
	connects       *prometheus.CounterVec
	disconnects    *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	handshakeBytes prometheus.Histogram
}

// newMetrics registers collectors with reg. A nil reg leaves them
// unregistered, which keeps independent servers in tests from colliding.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		ingestTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "ingest_total",
			Help:      "Diff frames encoded and enqueued",
		}),
		ingestSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "ingest_skipped_total",
			Help:      "Ingest calls skipped because the delivery queue was full",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "frames_dropped_total",
			Help:      "Encoded frames discarded because the queue filled during encode",
		}),
		encodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "encode_errors_total",
			Help:      "Snapshot encoder failures",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to observers, handshakes included",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "queue_depth",
			Help:      "Frames waiting in the delivery queue at the start of the last tick",
		}),
		framesDrained: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "frames_drained_total",
			Help:      "Frames taken off the delivery queue by the broadcast loop",
		}),
		clients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "clients",
			Help:      "Active observer connections",
		}),
		connects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connects_total",
			Help:      "Observers that completed the handshake",
		}, []string{"transport"}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "disconnects_total",
			Help:      "Observer connections closed, by reason",
		}, []string{"reason"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "rejected_total",
			Help:      "Connections refused before or during the handshake",
		}, []string{"cause"}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tick_duration_seconds",
			Help:      "Broadcast tick duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .02, .05, .1},
		}),
		handshakeBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "handshake_bytes",
			Help:      "Size of full-snapshot frames sent to newcomers",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),
	}
}
