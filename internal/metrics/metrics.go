// Package metrics exposes Prometheus counters for model calls, geocoder
// calls and parser outcomes, plus a scrape-time collector over the worklist.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Registry holds every pestmap collector. It is separate from the default
// registry so tests can gather it without process-wide state from other packages.
var Registry = prometheus.NewRegistry()

var (
	ModelCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pestmap_model_calls_total",
		Help: "Model call attempts by provider and outcome",
	}, []string{"provider", "outcome"})

	GeocoderCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pestmap_geocoder_calls_total",
		Help: "Geocoder requests by kind (forward, reverse) and outcome",
	}, []string{"kind", "outcome"})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pestmap_cache_lookups_total",
		Help: "Location and region cache lookups by cache and result",
	}, []string{"cache", "result"})

	LinesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pestmap_lines_dropped_total",
		Help: "Model output lines discarded by the parser, by reason",
	}, []string{"reason"})

	RecordsEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pestmap_records_emitted_total",
		Help: "Outbreak records produced",
	})

	Documents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pestmap_documents_total",
		Help: "Documents attempted by outcome",
	}, []string{"outcome"})
)

func init() {
	Registry.MustRegister(ModelCalls, GeocoderCalls, CacheLookups, LinesDropped, RecordsEmitted, Documents)
}

func RecordModelCall(provider, outcome string) {
	ModelCalls.WithLabelValues(provider, outcome).Inc()
}

func RecordGeocoderCall(kind, outcome string) {
	GeocoderCalls.WithLabelValues(kind, outcome).Inc()
}

func RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(cache, result).Inc()
}

func RecordDroppedLine(reason string) {
	LinesDropped.WithLabelValues(reason).Inc()
}

func RecordRecords(n int) {
	RecordsEmitted.Add(float64(n))
}

func RecordDocument(outcome string) {
	Documents.WithLabelValues(outcome).Inc()
}

// WorklistCounts is a snapshot of document states.
type WorklistCounts struct {
	Pending   int64 `json:"pending"`
	Processed int64 `json:"processed"`
	Relevant  int64 `json:"relevant"`
	Failed    int64 `json:"failed"`
}

// WorklistSource reports worklist counts at scrape time.
type WorklistSource interface {
	WorklistCounts(ctx context.Context) (WorklistCounts, error)
}

var worklistDesc = prometheus.NewDesc(
	"pestmap_worklist_documents",
	"Documents in the worklist by state",
	[]string{"state"},
	nil,
)

// WorklistCollector reads worklist counts from the store on each scrape.
type WorklistCollector struct {
	src WorklistSource
}

// Describe sends the metric descriptor to the channel.
func (c *WorklistCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- worklistDesc
}

// Collect queries the worklist and emits one gauge per state.
func (c *WorklistCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.src.WorklistCounts(context.Background())
	if err != nil {
		zap.L().Error("metrics: collecting worklist counts", zap.Error(err))
		return
	}
	for state, v := range map[string]int64{
		"pending":   counts.Pending,
		"processed": counts.Processed,
		"relevant":  counts.Relevant,
		"failed":    counts.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(worklistDesc, prometheus.GaugeValue, float64(v), state)
	}
}

var worklistOnce sync.Once

// RegisterWorklist registers the worklist collector. Only the first call has effect.
func RegisterWorklist(src WorklistSource) {
	worklistOnce.Do(func() {
		Registry.MustRegister(&WorklistCollector{src: src})
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
