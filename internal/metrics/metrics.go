// Package metrics exposes the dispatcher's Prometheus instrumentation: pile
// depth, processed job counts by outcome, routine duration, and forge
// request counts. None of this is in the original spec; it is the ambient
// observability layer every component of a long-running service like this
// one carries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector owns every metric the dispatcher records and the registry they
// are registered against.
type Collector struct {
	Registry *prometheus.Registry

	PileDepth        prometheus.Gauge
	JobsProcessed    *prometheus.CounterVec
	RoutineDuration  prometheus.Histogram
	ForgeRequests    *prometheus.CounterVec
}

// New builds a Collector with a private registry (rather than the global
// default one, so tests can construct as many as they like without
// colliding).
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		PileDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "labci",
			Name:      "queue_pile_depth",
			Help:      "Number of jobs currently in the dispatcher's pile.",
		}),
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labci",
			Name:      "jobs_processed_total",
			Help:      "Jobs processed, labeled by outcome.",
		}, []string{"outcome"}),
		RoutineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "labci",
			Name:      "routine_duration_seconds",
			Help:      "Wall-clock time spent running a job's routine scripts.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ForgeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labci",
			Name:      "forge_requests_total",
			Help:      "Requests made to the forge API, labeled by operation and outcome.",
		}, []string{"operation", "outcome"}),
	}

	reg.MustRegister(c.PileDepth, c.JobsProcessed, c.RoutineDuration, c.ForgeRequests)
	return c
}

// SetPileDepth records the current pile size.
func (c *Collector) SetPileDepth(n int) {
	if c == nil {
		return
	}
	c.PileDepth.Set(float64(n))
}

// ObserveJobFinished increments the processed-jobs counter for the given
// outcome ("complete" or "error").
func (c *Collector) ObserveJobFinished(outcome string) {
	if c == nil {
		return
	}
	c.JobsProcessed.WithLabelValues(outcome).Inc()
}

// ObserveRoutineDuration records how long a routine's scripts took to run.
func (c *Collector) ObserveRoutineDuration(d time.Duration) {
	if c == nil {
		return
	}
	c.RoutineDuration.Observe(d.Seconds())
}

// ObserveForgeRequest records the outcome of a single forge API call.
func (c *Collector) ObserveForgeRequest(operation string, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.ForgeRequests.WithLabelValues(operation, outcome).Inc()
}
