package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the daemon's collectors. Each Registry owns its own
// prometheus registry, so several can coexist in one process (tests).
// All Record methods are safe on a nil *Registry.
type Registry struct {
	reg *prometheus.Registry

	MonitorsActive     prometheus.Gauge
	MonitorStarts      *prometheus.CounterVec
	ViewersActive      prometheus.Gauge
	Commands           *prometheus.CounterVec
	CommandDuration    prometheus.Histogram
	ProtocolAnomalies  prometheus.Counter
	Resyncs            *prometheus.CounterVec
	SnapshotsDropped   prometheus.Counter
	WorkaroundRewrites *prometheus.CounterVec
	Resizes            prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		MonitorsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "muxd_monitors_active",
			Help: "Session monitors currently attached",
		}),
		MonitorStarts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "muxd_monitor_starts_total",
			Help: "Session monitor start attempts",
		}, []string{"result"}),
		ViewersActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "muxd_viewers_active",
			Help: "Viewers currently attached across all sessions",
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "muxd_commands_total",
			Help: "Commands sent through control clients",
		}, []string{"result"}),
		CommandDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "muxd_command_duration_seconds",
			Help:    "Time from submission to end of reply",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		ProtocolAnomalies: f.NewCounter(prometheus.CounterOpts{
			Name: "muxd_protocol_anomalies_total",
			Help: "Unrecognised control-mode lines",
		}),
		Resyncs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "muxd_resyncs_total",
			Help: "Full state resynchronisations",
		}, []string{"reason"}),
		SnapshotsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "muxd_snapshots_dropped_total",
			Help: "Snapshots discarded because a subscriber fell behind",
		}),
		WorkaroundRewrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "muxd_workaround_rewrites_total",
			Help: "Commands rewritten by the workaround table",
		}, []string{"rule"}),
		Resizes: f.NewCounter(prometheus.CounterOpts{
			Name: "muxd_resizes_total",
			Help: "Session resizes issued by viewport arbitration",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) RecordMonitorStart(err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.MonitorStarts.WithLabelValues("error").Inc()
		return
	}
	r.MonitorStarts.WithLabelValues("ok").Inc()
	r.MonitorsActive.Inc()
}

func (r *Registry) RecordMonitorStop() {
	if r == nil {
		return
	}
	r.MonitorsActive.Dec()
}

func (r *Registry) RecordViewers(delta int) {
	if r == nil {
		return
	}
	r.ViewersActive.Add(float64(delta))
}

func (r *Registry) RecordCommand(result string, d time.Duration) {
	if r == nil {
		return
	}
	r.Commands.WithLabelValues(result).Inc()
	r.CommandDuration.Observe(d.Seconds())
}

func (r *Registry) RecordAnomaly() {
	if r == nil {
		return
	}
	r.ProtocolAnomalies.Inc()
}

func (r *Registry) RecordResync(reason string) {
	if r == nil {
		return
	}
	r.Resyncs.WithLabelValues(reason).Inc()
}

func (r *Registry) RecordDropped(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.SnapshotsDropped.Add(float64(n))
}

func (r *Registry) RecordRewrite(rule string) {
	if r == nil {
		return
	}
	r.WorkaroundRewrites.WithLabelValues(rule).Inc()
}

func (r *Registry) RecordResize() {
	if r == nil {
		return
	}
	r.Resizes.Inc()
}
