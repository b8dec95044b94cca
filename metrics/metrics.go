// Package metrics counts run outcomes for Prometheus.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"adsync/pkg/run"
)

const namespace = "adsync"

// Recorder holds the run metrics in its own registry.
type Recorder struct {
	Registry *prometheus.Registry

	events   *prometheus.CounterVec
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lastRun  *prometheus.GaugeVec
}

// New creates a recorder. Process and Go runtime collectors are only
// registered for long-running processes.
func New(withRuntime bool) *Recorder {
	r := &Recorder{
		Registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ad_events_total",
			Help:      "Per-ad outcomes by command and action.",
		}, []string{"command", "action"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished command runs by status.",
		}, []string{"command", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of command runs.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"command"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run of a command finished.",
		}, []string{"command"}),
	}
	r.Registry.MustRegister(r.events, r.runs, r.duration, r.lastRun)
	if withRuntime {
		r.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return r
}

// Record counts one ad event.
func (r *Recorder) Record(_ context.Context, e run.Event) error {
	r.events.WithLabelValues(e.Command, string(e.Action)).Inc()
	return nil
}

// ObserveRun records a finished run.
func (r *Recorder) ObserveRun(rep *run.Report) {
	status := "ok"
	switch {
	case rep.Err != nil:
		status = "aborted"
	case rep.Failed > 0:
		status = "partial"
	}
	r.runs.WithLabelValues(rep.Command, status).Inc()
	r.duration.WithLabelValues(rep.Command).Observe(rep.Duration().Seconds())
	if !rep.Finished.IsZero() {
		r.lastRun.WithLabelValues(rep.Command).Set(float64(rep.Finished.Unix()))
	}
}

// Handler serves the registry.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry for the node exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
