package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hypernode"

// NetworkSource reports the current node population.
type NetworkSource interface {
	Stats(ctx context.Context) (domain.NetworkStats, error)
}

// Recorder implements ports.MetricsRecorder on its own prometheus registry,
// so several coordinators can live in one process (and in one test binary).
type Recorder struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	events            *prometheus.CounterVec
	dispatchPasses    prometheus.Counter
	dispatchAssigned  prometheus.Counter
	dispatchConflicts prometheus.Counter
	dispatchDuration  prometheus.Histogram
	credited          prometheus.Counter
	sessions          prometheus.Gauge
	nodes             *prometheus.GaugeVec
	pendingJobs       prometheus.Gauge
}

func New(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		logger:   logger.With("component", "metrics"),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Domain events published, by type",
		}, []string{"type"}),
		dispatchPasses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "passes_total",
			Help:      "Dispatch passes run",
		}),
		dispatchAssigned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "assignments_total",
			Help:      "Jobs assigned to nodes",
		}),
		dispatchConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "conflicts_total",
			Help:      "Assignment attempts lost to a concurrent change",
		}),
		dispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "pass_duration_seconds",
			Help:      "Duration of dispatch passes in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		credited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_earned_total",
			Help:      "Credits paid out to node owners",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "sessions",
			Help:      "Open node sessions",
		}),
		nodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Enrolled nodes, by state",
		}, []string{"state"}),
		pendingJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_jobs",
			Help:      "Jobs left pending after the last dispatch pass",
		}),
	}
}

func (r *Recorder) ObserveEvent(event domain.Event) {
	r.events.WithLabelValues(string(event.Type)).Inc()
	if event.Type == domain.EventEarningsCredited && event.Amount > 0 {
		r.credited.Add(event.Amount)
	}
}

func (r *Recorder) ObserveDispatch(assigned, conflicts int, elapsed time.Duration) {
	r.dispatchPasses.Inc()
	r.dispatchAssigned.Add(float64(assigned))
	r.dispatchConflicts.Add(float64(conflicts))
	r.dispatchDuration.Observe(elapsed.Seconds())
}

func (r *Recorder) SetSessions(count int) {
	r.sessions.Set(float64(count))
}

func (r *Recorder) SetNodeCounts(online, offline, busy int) {
	r.nodes.WithLabelValues(string(domain.NodeOnline)).Set(float64(online))
	r.nodes.WithLabelValues(string(domain.NodeOffline)).Set(float64(offline))
	r.nodes.WithLabelValues("busy").Set(float64(busy))
}

func (r *Recorder) SetPendingJobs(count int) {
	if count < 0 {
		count = 0
	}
	r.pendingJobs.Set(float64(count))
}

// Attach counts every event published on bus until the returned function is
// called.
func (r *Recorder) Attach(bus ports.EventBus) func() {
	return bus.Subscribe(r.ObserveEvent)
}

// Watch refreshes the node gauges from source every interval until ctx is
// done.
func (r *Recorder) Watch(ctx context.Context, source NetworkSource, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.refresh(ctx, source)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.refresh(ctx, source)
		}
	}
}

func (r *Recorder) refresh(ctx context.Context, source NetworkSource) {
	stats, err := source.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("failed to refresh node gauges", "error", err)
		}
		return
	}
	r.SetNodeCounts(stats.OnlineNodes, stats.TotalNodes-stats.OnlineNodes, stats.BusyNodes)
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}
