// Package metrics holds the Prometheus collectors for sync runs and API usage.
// The binary is a batch job, so collectors live in a private registry that is
// flushed to a node_exporter textfile once a run finishes.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stravasync"

// Registry holds every collector of this package.
var Registry = prometheus.NewRegistry()

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Sync runs by mode and terminal status.",
	}, []string{"mode", "status"})

	activitiesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "activities_total",
		Help:      "Activities written, labeled by outcome (created, updated).",
	}, []string{"outcome"})

	pagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "pages_total",
		Help:      "Activity pages committed to the store.",
	})

	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "run_duration_seconds",
		Help:      "Wall time of a sync run.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"mode"})

	lastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful sync run.",
	})

	rateLimitWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "rate_limit_waits_total",
		Help:      "Times a request waited out an HTTP 429.",
	})

	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "transient_retries_total",
		Help:      "Requests retried after a network error or 5xx.",
	})

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Requests sent to the provider, labeled by endpoint and status code.",
	}, []string{"endpoint", "code"})

	usageGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "rate_limit_usage",
		Help:      "Provider-reported request usage, labeled by window (short, daily).",
	}, []string{"window"})

	limitGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "rate_limit_limit",
		Help:      "Provider-reported request limit, labeled by window (short, daily).",
	}, []string{"window"})

	tokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "token_refreshes_total",
		Help:      "Access token refresh attempts by result (ok, rejected, error).",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(
		runsTotal, activitiesTotal, pagesTotal, runDuration, lastSuccess,
		rateLimitWaits, retriesTotal, requestsTotal, usageGauge, limitGauge,
		tokenRefreshes,
	)
}

// RecordRun accounts one finished run.
func RecordRun(mode, status string, created, updated, pages int, started, finished time.Time) {
	runsTotal.WithLabelValues(mode, status).Inc()
	activitiesTotal.WithLabelValues("created").Add(float64(created))
	activitiesTotal.WithLabelValues("updated").Add(float64(updated))
	pagesTotal.Add(float64(pages))
	runDuration.WithLabelValues(mode).Observe(finished.Sub(started).Seconds())
	if status == "success" {
		lastSuccess.Set(float64(finished.Unix()))
	}
}

// RecordRateLimitWait counts one 429 backoff.
func RecordRateLimitWait() { rateLimitWaits.Inc() }

// RecordRetry counts one transient retry.
func RecordRetry() { retriesTotal.Inc() }

// RecordRequest counts one provider response. code is 0 for transport errors.
func RecordRequest(endpoint string, code int) {
	requestsTotal.WithLabelValues(endpoint, codeLabel(code)).Inc()
}

// RecordUsage stores the rate-limit headers of the latest response.
func RecordUsage(shortUsed, shortLimit, dailyUsed, dailyLimit int) {
	usageGauge.WithLabelValues("short").Set(float64(shortUsed))
	usageGauge.WithLabelValues("daily").Set(float64(dailyUsed))
	limitGauge.WithLabelValues("short").Set(float64(shortLimit))
	limitGauge.WithLabelValues("daily").Set(float64(dailyLimit))
}

// RecordTokenRefresh counts one refresh attempt.
func RecordTokenRefresh(result string) { tokenRefreshes.WithLabelValues(result).Inc() }

// WriteTextfile writes the registry in the text exposition format for the
// node_exporter textfile collector. The write is atomic.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}

func codeLabel(code int) string {
	if code == 0 {
		return "error"
	}
	return strconv.Itoa(code)
}
