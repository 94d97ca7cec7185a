package obs

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "docdiff",
			Subsystem: "app",
			Name:      "info",
			Help:      "Static app info for deployment verification.",
		},
		[]string{"service", "version"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docdiff",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "route", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docdiff",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	workerJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docdiff",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Total worker jobs processed.",
		},
		[]string{"worker", "result"},
	)
	workerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docdiff",
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Worker job duration in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		},
		[]string{"worker"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docdiff",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of one pipeline stage (render, rasterize, extract, annotate, upload).",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage", "result"},
	)
	pagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docdiff",
			Subsystem: "pipeline",
			Name:      "pages_total",
			Help:      "Compared pages by outcome.",
		},
		[]string{"result"},
	)
	failuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docdiff",
			Subsystem: "pipeline",
			Name:      "failures_total",
			Help:      "Pipeline failures by kind.",
		},
		[]string{"kind"},
	)
	extractRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docdiff",
			Subsystem: "extract",
			Name:      "retries_total",
			Help:      "Retried remote extraction calls.",
		},
		[]string{"strategy"},
	)
)

func init() {
	prometheus.MustRegister(
		appInfo, httpRequestsTotal, httpRequestDuration, workerJobsTotal, workerJobDuration,
		stageDuration, pagesTotal, failuresTotal, extractRetries,
	)
}

func SetAppInfo(service string) {
	svc := strings.TrimSpace(service)
	if svc == "" {
		svc = "docdiff"
	}
	appInfo.WithLabelValues(svc, appVersion()).Set(1)
}

func appVersion() string {
	if v := strings.TrimSpace(os.Getenv("APP_VERSION")); v != "" {
		return v
	}
	return "dev"
}

// MetricsMiddleware records request count/latency. The worker only serves a couple of
// fixed routes, so the raw path is a safe label.
func MetricsMiddleware(next http.Handler) http.Handler {
	if next == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		route := strings.TrimSpace(r.URL.Path)
		if route == "" {
			route = "/"
		}
		code := strconv.Itoa(rec.code)
		httpRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func RecordWorkerJob(worker string, start time.Time, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	workerJobsTotal.WithLabelValues(worker, res).Inc()
	workerJobDuration.WithLabelValues(worker).Observe(time.Since(start).Seconds())
}

func RecordStage(stage string, start time.Time, err error) {
	res := "ok"
	if err != nil {
		res = "error"
	}
	stageDuration.WithLabelValues(stage, res).Observe(time.Since(start).Seconds())
}

func RecordPage(ok bool) {
	if ok {
		pagesTotal.WithLabelValues("ok").Inc()
		return
	}
	pagesTotal.WithLabelValues("failed").Inc()
}

func RecordFailure(kind string) {
	if kind == "" {
		kind = "other"
	}
	failuresTotal.WithLabelValues(kind).Inc()
}

func RecordExtractRetry(strategy string) {
	extractRetries.WithLabelValues(strategy).Inc()
}
