// Package metrics exposes Prometheus collectors for classification runs.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the classification metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Positions    *prometheus.CounterVec
	RowsEmitted  prometheus.Counter
	Runs         *prometheus.CounterVec
	RunDurations prometheus.Histogram
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice on the same registry reuses the
// existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	positions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rsu_positions_classified_total",
		Help: "Positions classified, labeled by result (matched or unassigned).",
	}, []string{"result"})
	if err := register(reg, &positions); err != nil {
		return nil, err
	}

	rows := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rsu_history_rows_emitted_total",
		Help: "History rows emitted by full windows.",
	})
	if err := register(reg, &rows); err != nil {
		return nil, err
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rsu_runs_total",
		Help: "Classification runs, labeled by outcome.",
	}, []string{"status"})
	if err := register(reg, &runs); err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rsu_run_duration_seconds",
		Help:    "Wall time of a classification run.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})
	if err := register(reg, &durations); err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:     gatherer,
		Positions:    positions,
		RowsEmitted:  rows,
		Runs:         runs,
		RunDurations: durations,
	}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c *T) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			existing, ok := already.ExistingCollector.(T)
			if !ok {
				return fmt.Errorf("collector type mismatch for %T", *c)
			}
			*c = existing
			return nil
		}
		return err
	}
	return nil
}

// ObserveMatch counts one classified position.
func (c *Collector) ObserveMatch(matched bool) {
	if c == nil {
		return
	}
	result := "unassigned"
	if matched {
		result = "matched"
	}
	c.Positions.WithLabelValues(result).Inc()
}

// ObserveRow counts one emitted history row.
func (c *Collector) ObserveRow() {
	if c == nil {
		return
	}
	c.RowsEmitted.Inc()
}

// ObserveRun records a finished run.
func (c *Collector) ObserveRun(elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.Runs.WithLabelValues(status).Inc()
	c.RunDurations.Observe(elapsed.Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
