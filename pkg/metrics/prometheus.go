// Package metrics provides Prometheus-based metrics recording and querying
// for merge-train operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the train.MetricsRecorder interface using
// Prometheus metrics.
type PrometheusRecorder struct {
	eventsTotal     *prometheus.CounterVec
	carsCreated     *prometheus.CounterVec
	carsDiscarded   *prometheus.CounterVec
	refreshesTotal  *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	trainLength     *prometheus.GaugeVec
}

// NewPrometheusRecorder registers the merge-train metrics with the default
// registry and returns the recorder.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		eventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mergebot_events_total",
				Help: "Total number of processed webhook events by type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		carsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mergebot_cars_created_total",
				Help: "Total number of speculative train cars created",
			},
			[]string{"queue"},
		),
		carsDiscarded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mergebot_cars_discarded_total",
				Help: "Total number of speculative train cars discarded before merging",
			},
			[]string{"queue"},
		),
		refreshesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mergebot_train_refreshes_total",
				Help: "Total number of train reconciliation passes",
			},
			[]string{"branch"},
		),
		refreshDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mergebot_refresh_duration_seconds",
				Help:    "Duration of train reconciliation passes in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"branch"},
		),
		trainLength: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mergebot_train_length",
				Help: "Current number of embarked pulls per branch",
			},
			[]string{"branch"},
		),
	}
}

// CarCreated records one materialized car for a queue.
func (p *PrometheusRecorder) CarCreated(queueName string) {
	p.carsCreated.WithLabelValues(queueName).Inc()
}

// CarDiscarded records one car torn down without merging.
func (p *PrometheusRecorder) CarDiscarded(queueName string) {
	p.carsDiscarded.WithLabelValues(queueName).Inc()
}

// RefreshObserved records one reconciliation pass.
func (p *PrometheusRecorder) RefreshObserved(branch string, duration time.Duration, trainLength int) {
	p.refreshesTotal.WithLabelValues(branch).Inc()
	p.refreshDuration.WithLabelValues(branch).Observe(duration.Seconds())
	p.trainLength.WithLabelValues(branch).Set(float64(trainLength))
}

// EventObserved records one processed webhook event.
func (p *PrometheusRecorder) EventObserved(eventType, outcome string) {
	p.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}
