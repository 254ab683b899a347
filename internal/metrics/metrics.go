// Package metrics exposes training and projection counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	trainDuration   *prometheus.HistogramVec
	trainFailures   *prometheus.CounterVec
	validationNRMSE *prometheus.GaugeVec
	predictions     *prometheus.CounterVec
	domainWarnings  *prometheus.CounterVec
	scaleFactor     *prometheus.GaugeVec
	unitsTotal      *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		trainDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loadproj_train_duration_seconds",
			Help:    "Time spent fitting one region model",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"family"}),
		trainFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loadproj_train_failures_total",
			Help: "Region trainings that did not produce a model",
		}, []string{"region"}),
		validationNRMSE: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loadproj_validation_nrmse",
			Help: "Normalized RMS error of the latest model per region",
		}, []string{"region"}),
		predictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loadproj_predictions_total",
			Help: "Region predictions produced",
		}, []string{"region"}),
		domainWarnings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loadproj_out_of_domain_total",
			Help: "Predictions with inputs outside the training range",
		}, []string{"region"}),
		scaleFactor: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loadproj_scale_factor",
			Help: "Annual scale factor per state, year and scenario",
		}, []string{"state", "year", "scenario"}),
		unitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loadproj_units_total",
			Help: "Projection units by outcome",
		}, []string{"outcome"}),
	}
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, e.g. for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveTraining(family string, d time.Duration) {
	if m == nil {
		return
	}
	m.trainDuration.WithLabelValues(family).Observe(d.Seconds())
}

func (m *Metrics) TrainingFailed(region string) {
	if m == nil {
		return
	}
	m.trainFailures.WithLabelValues(region).Inc()
}

func (m *Metrics) SetValidation(region string, nrmse float64) {
	if m == nil {
		return
	}
	m.validationNRMSE.WithLabelValues(region).Set(nrmse)
}

func (m *Metrics) Predicted(region string, outOfDomain bool) {
	if m == nil {
		return
	}
	m.predictions.WithLabelValues(region).Inc()
	if outOfDomain {
		m.domainWarnings.WithLabelValues(region).Inc()
	}
}

func (m *Metrics) SetScaleFactor(state, year, scenario string, f float64) {
	if m == nil {
		return
	}
	m.scaleFactor.WithLabelValues(state, year, scenario).Set(f)
}

// UnitDone counts a finished projection unit; outcome is "ok" or "failed".
func (m *Metrics) UnitDone(outcome string) {
	if m == nil {
		return
	}
	m.unitsTotal.WithLabelValues(outcome).Inc()
}
