// Package telemetry exposes the engine's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's instrumentation. One instance is shared by the
// orchestrator and the anomaly pass.
type Metrics struct {
	registry *prometheus.Registry

	CycleDuration *prometheus.HistogramVec
	CycleTotal    *prometheus.CounterVec
	AnomalyTotal  *prometheus.CounterVec
	ModelMAE      prometheus.Gauge
	ModelRMSE     prometheus.Gauge
	LastPromotion prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gridsense",
			Name:      "retraining_cycle_duration_seconds",
			Help:      "Wall time of retraining cycles by terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),
		CycleTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridsense",
			Name:      "retraining_cycles_total",
			Help:      "Retraining cycles by terminal status.",
		}, []string{"status"}),
		AnomalyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gridsense",
			Name:      "consensus_anomalies_total",
			Help:      "Consensus anomalies by severity.",
		}, []string{"severity"}),
		ModelMAE: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gridsense",
			Name:      "model_holdout_mae",
			Help:      "Blended holdout MAE of the promoted model.",
		}),
		ModelRMSE: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gridsense",
			Name:      "model_holdout_rmse",
			Help:      "Blended holdout RMSE of the promoted model.",
		}),
		LastPromotion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gridsense",
			Name:      "last_promotion_timestamp_seconds",
			Help:      "Unix time of the last model promotion.",
		}),
	}
}

// Handler serves the metrics endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
