// Package metrics exposes Prometheus collectors for pipeline runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ormasoftchile/gantry/pkg/ledger"
)

// Collector groups the engine's metrics on a private registry. A nil
// *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	Stages        *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Steps         *prometheus.CounterVec
	SlotWait      *prometheus.HistogramVec
	ActiveStages  prometheus.Gauge
	PendingGates  prometheus.Gauge
	CleanupErrors prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "runs_total",
			Help:      "Finished pipeline runs by pipeline and status.",
		}, []string{"pipeline", "status"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gantry",
			Name:      "run_duration_seconds",
			Help:      "Wall time of pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"pipeline"}),
		Stages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "stages_total",
			Help:      "Terminal stage results by status and reason.",
		}, []string{"status", "reason"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gantry",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of stages that ran.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"status"}),
		Steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "steps_total",
			Help:      "Executed steps by kind and status.",
		}, []string{"kind", "status"}),
		SlotWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gantry",
			Name:      "slot_wait_seconds",
			Help:      "Time stages waited for an execution slot.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"label"}),
		ActiveStages: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "gantry",
			Name:      "active_stages",
			Help:      "Stages currently running.",
		}),
		PendingGates: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "gantry",
			Name:      "pending_approvals",
			Help:      "Approval requests awaiting a decision.",
		}),
		CleanupErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "gantry",
			Name:      "cleanup_errors_total",
			Help:      "Errors recorded during guaranteed cleanup.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format. It is nil
// for a nil Collector.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return nil
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveRun records a sealed run.
func (c *Collector) ObserveRun(rec *ledger.Record) {
	if c == nil || rec == nil {
		return
	}
	c.Runs.WithLabelValues(rec.Pipeline, string(rec.Status)).Inc()
	c.RunDuration.WithLabelValues(rec.Pipeline).Observe(rec.EndedAt.Sub(rec.StartedAt).Seconds())
	c.CleanupErrors.Add(float64(len(rec.Cleanup.Errors)))
	rec.Root.Walk(func(s *ledger.StageResult) {
		if s.Path == "" {
			return
		}
		c.Stages.WithLabelValues(string(s.Status), string(s.Reason)).Inc()
		if !s.StartedAt.IsZero() && !s.EndedAt.IsZero() {
			c.StageDuration.WithLabelValues(string(s.Status)).Observe(s.EndedAt.Sub(s.StartedAt).Seconds())
		}
	})
}

// ObserveStep records one executed step.
func (c *Collector) ObserveStep(step ledger.StepResult) {
	if c == nil {
		return
	}
	c.Steps.WithLabelValues(step.Kind, string(step.Status)).Inc()
}

// ObserveSlotWait matches slots.Pool.OnWait.
func (c *Collector) ObserveSlotWait(label string, waited time.Duration) {
	if c == nil {
		return
	}
	c.SlotWait.WithLabelValues(label).Observe(waited.Seconds())
}

// SetPendingGates matches gate.Controller.OnChange.
func (c *Collector) SetPendingGates(n int) {
	if c == nil {
		return
	}
	c.PendingGates.Set(float64(n))
}

// StageStarted and StageFinished track running stages.
func (c *Collector) StageStarted() {
	if c != nil {
		c.ActiveStages.Inc()
	}
}

func (c *Collector) StageFinished() {
	if c != nil {
		c.ActiveStages.Dec()
	}
}
