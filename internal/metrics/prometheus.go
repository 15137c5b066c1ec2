package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "sitestream"

// Prometheus implements Collector backed by Prometheus.
type Prometheus struct {
	reg       prometheus.Registerer
	gatherer  prometheus.Gatherer
	namespace string
	once      sync.Once

	connectAttempts *prometheus.CounterVec
	backoff         prometheus.Histogram
	frames          prometheus.Counter
	frameBytes      prometheus.Histogram
	handlerPanics   prometheus.Counter

	restarts       prometheus.Counter
	consolidations prometheus.Counter
	consolidated   prometheus.Counter
	runners        *prometheus.GaugeVec
	subscriptions  prometheus.Gauge

	duplicates   prometheus.Counter
	dropped      prometheus.Counter
	decodeErrors prometheus.Counter
	sinkErrors   *prometheus.CounterVec
}

var _ Collector = (*Prometheus)(nil)

// NewPrometheus returns a collector registering on reg. A nil reg gets a
// fresh registry, which is also used to serve Handler.
func NewPrometheus(reg *prometheus.Registry, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Prometheus{reg: reg, gatherer: reg, namespace: namespace}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	p.ensureRegistered()
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

func (p *Prometheus) ensureRegistered() {
	p.once.Do(func() {
		f := promauto.With(p.reg)

		p.connectAttempts = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "connection",
			Name:      "connect_attempts_total",
			Help:      "Stream connect attempts by result.",
		}, []string{"result"})
		p.backoff = f.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "connection",
			Name:      "backoff_seconds",
			Help:      "Delays slept between connect attempts.",
			Buckets:   []float64{0.1, 1, 2, 4, 16, 60, 256, 3600},
		})
		p.frames = f.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "connection",
			Name:      "frames_total",
			Help:      "Complete frames delivered to the handler.",
		})
		p.frameBytes = f.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "connection",
			Name:      "frame_size_bytes",
			Help:      "Size of delivered frames.",
			Buckets:   []float64{64, 256, 1024, 4096, 16384, 65536},
		})
		p.handlerPanics = f.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "connection",
			Name:      "handler_panics_total",
			Help:      "Frame handler panics recovered by the read loop.",
		})

		p.restarts = f.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "restarts_total",
			Help:      "Unhealthy runners restarted by the supervisor.",
		})
		p.consolidations = f.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "consolidations_total",
			Help:      "Completed consolidations.",
		})
		p.consolidated = f.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "consolidated_runners_total",
			Help:      "Runners removed by consolidation.",
		})
		p.runners = f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "runners",
			Help:      "Runners by health class.",
		}, []string{"class"})
		p.subscriptions = f.NewGauge(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "pool",
			Name:      "subscriptions",
			Help:      "Subscription IDs across all groups.",
		})

		p.duplicates = f.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "router",
			Name:      "duplicates_total",
			Help:      "Frames dropped as duplicates.",
		})
		p.dropped = f.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "router",
			Name:      "dropped_total",
			Help:      "Frames dropped on queue overflow.",
		})
		p.decodeErrors = f.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "router",
			Name:      "decode_errors_total",
			Help:      "Frames that failed to decode.",
		})
		p.sinkErrors = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "router",
			Name:      "sink_errors_total",
			Help:      "Sink delivery failures by sink.",
		}, []string{"sink"})
	})
}

func (p *Prometheus) RecordConnectAttempt(result string) {
	p.ensureRegistered()
	p.connectAttempts.WithLabelValues(result).Inc()
}

func (p *Prometheus) RecordBackoff(delay time.Duration) {
	p.ensureRegistered()
	p.backoff.Observe(delay.Seconds())
}

func (p *Prometheus) RecordFrame(size int) {
	p.ensureRegistered()
	p.frames.Inc()
	p.frameBytes.Observe(float64(size))
}

func (p *Prometheus) RecordHandlerPanic() {
	p.ensureRegistered()
	p.handlerPanics.Inc()
}

func (p *Prometheus) RecordRestart() {
	p.ensureRegistered()
	p.restarts.Inc()
}

func (p *Prometheus) RecordConsolidation(before, after int) {
	p.ensureRegistered()
	p.consolidations.Inc()
	if before > after {
		p.consolidated.Add(float64(before - after))
	}
}

func (p *Prometheus) SetRunners(total, healthy, nonfull int) {
	p.ensureRegistered()
	p.runners.WithLabelValues("total").Set(float64(total))
	p.runners.WithLabelValues("healthy").Set(float64(healthy))
	p.runners.WithLabelValues("unhealthy").Set(float64(total - healthy))
	p.runners.WithLabelValues("nonfull").Set(float64(nonfull))
}

func (p *Prometheus) SetSubscriptions(n int) {
	p.ensureRegistered()
	p.subscriptions.Set(float64(n))
}

func (p *Prometheus) RecordDuplicate() {
	p.ensureRegistered()
	p.duplicates.Inc()
}

func (p *Prometheus) RecordDropped() {
	p.ensureRegistered()
	p.dropped.Inc()
}

func (p *Prometheus) RecordDecodeError() {
	p.ensureRegistered()
	p.decodeErrors.Inc()
}

func (p *Prometheus) RecordSinkError(sink string) {
	p.ensureRegistered()
	p.sinkErrors.WithLabelValues(sink).Inc()
}
