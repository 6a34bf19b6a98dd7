package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/ffmpeg-jobs/pkg/models"
)

const namespace = "ffjobs"

// Collector holds the job lifecycle, sweeper and HTTP metrics
type Collector struct {
	jobsCreated  *prometheus.CounterVec
	jobsRejected *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobsRunning  *prometheus.GaugeVec
	jobDuration  *prometheus.HistogramVec
	queueDepth   prometheus.Gauge

	sweepRuns    prometheus.Counter
	sweepDeleted prometheus.Counter
	sweepBytes   prometheus.Counter
	sweepErrors  prometheus.Counter

	httpRequests      *prometheus.CounterVec
	httpResponseBytes *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the collectors and registers them with reg.
// A nil reg uses a fresh private registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		jobsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_created_total",
				Help:      "Jobs admitted to the runner",
			},
			[]string{"kind"},
		),
		jobsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_rejected_total",
				Help:      "Job creation requests rejected before admission",
			},
			[]string{"kind", "reason"},
		),
		jobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Jobs that reached a terminal state",
			},
			[]string{"kind", "status"},
		),
		jobsRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_running",
				Help:      "Jobs currently invoking an external tool",
			},
			[]string{"kind"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Wall time from start to terminal state",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"kind", "status"},
		),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs admitted but waiting for a worker",
		}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Retention sweep cycles run",
		}),
		sweepDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_jobs_deleted_total",
			Help:      "Jobs removed by the retention sweeper",
		}),
		sweepBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_bytes_reclaimed_total",
			Help:      "Artifact bytes deleted by the retention sweeper",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "File deletions that failed during a sweep",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"method", "route", "code"},
		),
		httpResponseBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_response_bytes_total",
				Help:      "Bytes written in HTTP responses",
			},
			[]string{"route"},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		c.jobsCreated,
		c.jobsRejected,
		c.jobsFinished,
		c.jobsRunning,
		c.jobDuration,
		c.queueDepth,
		c.sweepRuns,
		c.sweepDeleted,
		c.sweepBytes,
		c.sweepErrors,
		c.httpRequests,
		c.httpResponseBytes,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) JobCreated(kind models.JobKind) {
	c.jobsCreated.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) JobRejected(kind models.JobKind, reason string) {
	c.jobsRejected.WithLabelValues(string(kind), reason).Inc()
}

func (c *Collector) JobStarted(kind models.JobKind) {
	c.jobsRunning.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) JobFinished(kind models.JobKind, status models.JobStatus, duration time.Duration, started bool) {
	if started {
		c.jobsRunning.WithLabelValues(string(kind)).Dec()
	}
	c.jobsFinished.WithLabelValues(string(kind), string(status)).Inc()
	c.jobDuration.WithLabelValues(string(kind), string(status)).Observe(duration.Seconds())
}

func (c *Collector) QueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// SweepCompleted records one retention sweep cycle
func (c *Collector) SweepCompleted(deleted int, bytes int64, errs int) {
	c.sweepRuns.Inc()
	c.sweepDeleted.Add(float64(deleted))
	c.sweepBytes.Add(float64(bytes))
	c.sweepErrors.Add(float64(errs))
}

// Middleware counts requests and response bytes. routeName maps a request
// to its route template so ids don't explode label cardinality.
func (c *Collector) Middleware(routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &countingWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			route := "unmatched"
			if routeName != nil {
				if n := routeName(r); n != "" {
					route = n
				}
			}
			c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			c.httpResponseBytes.WithLabelValues(route).Add(float64(rw.written))
		})
	}
}

type countingWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (w *countingWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}
