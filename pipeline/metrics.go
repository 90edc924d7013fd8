package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/scrape-flow/workflow"
)

var (
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrapeflow",
		Name:      "runs_total",
		Help:      "Pipeline runs by final status.",
	}, []string{"status"})
	metricActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scrapeflow",
		Name:      "action_duration_seconds",
		Help:      "Time spent executing each action, by action type.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"kind"})
	metricExtractionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scrapeflow",
		Name:      "extraction_failures_total",
		Help:      "Extraction targets that failed to extract or write.",
	})
	metricRowsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scrapeflow",
		Name:      "rows_written_total",
		Help:      "Data rows written to sinks.",
	})
)

// actionMetrics feeds interpreter events into the duration histogram.
type actionMetrics struct{}

func (actionMetrics) ActionStarted(int, workflow.Action) {}

func (actionMetrics) ActionFinished(_ int, a workflow.Action, elapsed time.Duration, _ error) {
	metricActionDuration.WithLabelValues(string(a.Kind())).Observe(elapsed.Seconds())
}

func observeResult(res *Result) {
	metricRuns.WithLabelValues(string(res.Status)).Inc()
	for _, t := range res.Targets {
		if t.Error != "" {
			metricExtractionFailures.Inc()
			continue
		}
		metricRowsWritten.Add(float64(t.Rows))
	}
}
