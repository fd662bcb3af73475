package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports an Aggregator snapshot to a Prometheus registry on
// every scrape.
type Collector struct {
	agg *Aggregator

	predictions *prometheus.Desc
	errors      *prometheus.Desc
	cacheHits   *prometheus.Desc
	cacheMisses *prometheus.Desc
	latency     *prometheus.Desc
}

func NewCollector(agg *Aggregator) *Collector {
	return &Collector{
		agg: agg,
		predictions: prometheus.NewDesc(
			"ml_api_predictions_total", "Total successful predictions.", nil, nil),
		errors: prometheus.NewDesc(
			"ml_api_prediction_errors_total", "Total failed predictions.", nil, nil),
		cacheHits: prometheus.NewDesc(
			"ml_api_cache_hits_total", "Prediction cache hits.", nil, nil),
		cacheMisses: prometheus.NewDesc(
			"ml_api_cache_misses_total", "Prediction cache misses.", nil, nil),
		latency: prometheus.NewDesc(
			"ml_api_prediction_duration_seconds", "Prediction latency over recent samples.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.predictions
	ch <- c.errors
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.latency
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.agg.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.predictions, prometheus.CounterValue, float64(s.TotalPredictions))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.TotalErrors))
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(s.CacheHits))
	ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(s.CacheMisses))
	ch <- prometheus.MustNewConstSummary(c.latency, uint64(s.Samples), s.SumSeconds, map[float64]float64{
		0.5:  s.P50,
		0.95: s.P95,
		0.99: s.P99,
	})
}
