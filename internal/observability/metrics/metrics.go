// Package metrics owns the Prometheus collectors. A nil *Metrics is valid and
// records nothing, which keeps tests and CLI one-shots free of registry setup.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamframes"

type Metrics struct {
	reg *prometheus.Registry

	ticks          *prometheus.CounterVec
	framesCreated  *prometheus.CounterVec
	framesDone     *prometheus.CounterVec
	framesFailed   *prometheus.CounterVec
	frameConflicts *prometheus.CounterVec
	recovered      *prometheus.CounterVec
	analysisTime   *prometheus.HistogramVec
	lastFrameStart *prometheus.GaugeVec
	armed          prometheus.Gauge

	sweepDeleted  *prometheus.CounterVec
	sweepCutoff   *prometheus.GaugeVec
	sweepFailures *prometheus.CounterVec

	jobs        *prometheus.CounterVec
	jobsDropped *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "ticks_total",
			Help: "Tick evaluations by outcome.",
		}, []string{"task", "outcome"}),
		framesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "frames_created_total",
			Help: "Frames created.",
		}, []string{"task"}),
		framesDone: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "frames_completed_total",
			Help: "Frames that reached cleaned_up.",
		}, []string{"task"}),
		framesFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "frames_failed_total",
			Help: "Calculation failures by stage.",
		}, []string{"task", "stage"}),
		frameConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "frame_conflicts_total",
			Help: "Frame creations lost to a concurrent worker.",
		}, []string{"task"}),
		recovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "frames_recovered_total",
			Help: "Frames claimed for retry or stale recovery.",
		}, []string{"task"}),
		analysisTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "compute_seconds",
			Help:    "Calculator compute time per frame.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"task"}),
		lastFrameStart: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "last_frame_start_seconds",
			Help: "Unix start time of the newest completed frame.",
		}, []string{"task"}),
		armed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "analysis", Name: "armed_tasks",
			Help: "Tasks with a recurring tick armed in this process.",
		}),
		sweepDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retention", Name: "records_deleted_total",
			Help: "Stream records deleted by retention sweeps.",
		}, []string{"stream"}),
		sweepCutoff: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "retention", Name: "cutoff_seconds",
			Help: "Unix time of the last computed cutoff; 0 when nothing may be deleted.",
		}, []string{"stream"}),
		sweepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retention", Name: "failures_total",
			Help: "Failed per-stream sweeps.",
		}, []string{"stream"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "taskengine", Name: "jobs_total",
			Help: "Finished jobs by result.",
		}, []string{"result"}),
		jobsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "taskengine", Name: "jobs_dropped_total",
			Help: "Jobs dropped before running.",
		}, []string{"reason"}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "taskengine", Name: "job_seconds",
			Help:    "Job run time including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Tick(task, outcome string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(task, outcome).Inc()
}

func (m *Metrics) FrameCreated(task string) {
	if m == nil {
		return
	}
	m.framesCreated.WithLabelValues(task).Inc()
}

func (m *Metrics) FrameCompleted(task string, start time.Time) {
	if m == nil {
		return
	}
	m.framesDone.WithLabelValues(task).Inc()
	m.lastFrameStart.WithLabelValues(task).Set(float64(start.Unix()))
}

func (m *Metrics) FrameFailed(task, stage string) {
	if m == nil {
		return
	}
	m.framesFailed.WithLabelValues(task, stage).Inc()
}

func (m *Metrics) FrameConflict(task string) {
	if m == nil {
		return
	}
	m.frameConflicts.WithLabelValues(task).Inc()
}

func (m *Metrics) FrameRecovered(task string) {
	if m == nil {
		return
	}
	m.recovered.WithLabelValues(task).Inc()
}

func (m *Metrics) ObserveCompute(task string, d time.Duration) {
	if m == nil {
		return
	}
	m.analysisTime.WithLabelValues(task).Observe(d.Seconds())
}

func (m *Metrics) SetArmed(n int) {
	if m == nil {
		return
	}
	m.armed.Set(float64(n))
}

// Sweep records one stream's retention result. A nil cutoff is exported as 0.
func (m *Metrics) Sweep(stream string, cutoff *time.Time, deleted int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sweepFailures.WithLabelValues(stream).Inc()
		return
	}
	v := 0.0
	if cutoff != nil {
		v = float64(cutoff.Unix())
	}
	m.sweepCutoff.WithLabelValues(stream).Set(v)
	if deleted > 0 {
		m.sweepDeleted.WithLabelValues(stream).Add(float64(deleted))
	}
}

func (m *Metrics) JobFinished(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(result).Inc()
	m.jobDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) JobDropped(reason string) {
	if m == nil {
		return
	}
	m.jobsDropped.WithLabelValues(reason).Inc()
}
