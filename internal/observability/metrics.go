// Package observability provides logging setup and Prometheus metrics.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hlledger"

// Metrics holds the Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Fetch
	FetchPages      prometheus.Counter
	FetchRetries    prometheus.Counter
	FetchPartial    prometheus.Counter
	UpstreamLatency *prometheus.HistogramVec

	// Ledger
	RecordsSkipped      *prometheus.CounterVec
	ReconstructDuration prometheus.Histogram
	Reconstructions     *prometheus.CounterVec

	// Sync
	FillsAppended prometheus.Counter
	IngestEvents  *prometheus.CounterVec

	// Stream
	StreamSubscribers prometheus.Gauge
	StreamDropped     prometheus.Counter
}

// NewMetrics creates a Metrics instance registered on its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FetchPages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "pages_total",
			Help:      "Fill pages fetched from the upstream",
		}),
		FetchRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "retries_total",
			Help:      "Failed upstream attempts that were retried",
		}),
		FetchPartial: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "partial_total",
			Help:      "Range collections that stopped early after exhausting retries",
		}),
		UpstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream call latency by request type",
			Buckets:   prometheus.DefBuckets,
		}, []string{"request"}),

		RecordsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "records_skipped_total",
			Help:      "Malformed upstream records skipped during parsing",
		}, []string{"kind"}),
		ReconstructDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "reconstruct_duration_seconds",
			Help:      "Time to replay and aggregate one request",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		Reconstructions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "reconstructions_total",
			Help:      "Reconstruction requests by outcome",
		}, []string{"outcome"}),

		FillsAppended: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "fills_appended_total",
			Help:      "New fills written to storage",
		}),
		IngestEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Fill events consumed from NATS by result",
		}, []string{"result"}),

		StreamSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Connected websocket subscribers",
		}),
		StreamDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "dropped_subscribers_total",
			Help:      "Subscribers dropped for falling behind",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncFetchPages() {
	if m != nil {
		m.FetchPages.Inc()
	}
}

func (m *Metrics) IncFetchRetries() {
	if m != nil {
		m.FetchRetries.Inc()
	}
}

func (m *Metrics) IncFetchPartial() {
	if m != nil {
		m.FetchPartial.Inc()
	}
}

// ObserveUpstream records the latency of one upstream call.
func (m *Metrics) ObserveUpstream(request string, start time.Time) {
	if m != nil {
		m.UpstreamLatency.WithLabelValues(request).Observe(time.Since(start).Seconds())
	}
}

// AddSkipped counts skipped records of the given kind (fill, funding).
func (m *Metrics) AddSkipped(kind string, n int) {
	if m != nil && n > 0 {
		m.RecordsSkipped.WithLabelValues(kind).Add(float64(n))
	}
}

func (m *Metrics) ObserveReconstruct(start time.Time, outcome string) {
	if m != nil {
		m.ReconstructDuration.Observe(time.Since(start).Seconds())
		m.Reconstructions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) AddFillsAppended(n int) {
	if m != nil && n > 0 {
		m.FillsAppended.Add(float64(n))
	}
}

func (m *Metrics) IncIngest(result string) {
	if m != nil {
		m.IngestEvents.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetSubscribers(n int) {
	if m != nil {
		m.StreamSubscribers.Set(float64(n))
	}
}

func (m *Metrics) IncStreamDropped() {
	if m != nil {
		m.StreamDropped.Inc()
	}
}
