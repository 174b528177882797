// Package metrics exposes job and HTTP metrics in the Prometheus text format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orrn/httprint/internal/core"
)

const namespace = "httprint"

// StatsFunc reports the live job counts by state.
type StatsFunc func() core.RegistryStats

// Collector observes job transitions and HTTP traffic. It owns its registry
// so tests and embedding programs never collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	jobsTotal        *prometheus.CounterVec
	copiesTotal      prometheus.Counter
	dispatchDuration *prometheus.HistogramVec
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

func NewCollector(stats StatsFunc) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Job lifecycle events by type.",
	}, []string{"event"})

	c.copiesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "copies_printed_total",
		Help:      "Copies handed to the printer by successful jobs.",
	})

	c.dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent in the print mechanism per job.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})

	c.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status.",
	}, []string{"method", "route", "status"})

	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	c.registry.MustRegister(
		c.jobsTotal,
		c.copiesTotal,
		c.dispatchDuration,
		c.requestsTotal,
		c.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if stats != nil {
		for _, state := range []core.JobState{
			core.StatePending, core.StateConfirmed, core.StateDispatched, core.StateDone, core.StateFailed,
		} {
			state := state
			c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "jobs_live",
				Help:        "Jobs currently held in memory by state.",
				ConstLabels: prometheus.Labels{"state": string(state)},
			}, func() float64 {
				return float64(countFor(stats(), state))
			}))
		}
	}

	return c
}

func countFor(s core.RegistryStats, state core.JobState) int {
	switch state {
	case core.StatePending:
		return s.Pending
	case core.StateConfirmed:
		return s.Confirmed
	case core.StateDispatched:
		return s.Dispatched
	case core.StateDone:
		return s.Done
	case core.StateFailed:
		return s.Failed
	}
	return 0
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) JobTransitioned(job core.Job, from core.JobState) {
	if from == "" {
		c.jobsTotal.WithLabelValues("created").Inc()
		if job.ReprintOf != "" {
			c.jobsTotal.WithLabelValues("redispatched").Inc()
		}
		return
	}

	switch job.State {
	case core.StateConfirmed:
		c.jobsTotal.WithLabelValues("confirmed").Inc()
	case core.StateDispatched:
		c.jobsTotal.WithLabelValues("dispatched").Inc()
	case core.StateDone:
		c.jobsTotal.WithLabelValues("done").Inc()
		c.copiesTotal.Add(float64(job.Copies))
		c.observeDispatch(job, "done")
	case core.StateFailed:
		c.jobsTotal.WithLabelValues("failed").Inc()
		c.observeDispatch(job, "failed")
	}
}

func (c *Collector) observeDispatch(job core.Job, outcome string) {
	if job.DispatchedAt == nil || job.FinishedAt == nil {
		return
	}
	c.dispatchDuration.WithLabelValues(outcome).Observe(job.FinishedAt.Sub(*job.DispatchedAt).Seconds())
}

// GinMiddleware counts requests by matched route pattern.
func (c *Collector) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := ctx.Request.Method
		c.requestsTotal.WithLabelValues(method, route, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.requestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
