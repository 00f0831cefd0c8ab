// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingrelay_http_requests_total",
			Help: "Total number of operator API requests.",
		},
		[]string{"method", "route", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "listingrelay_http_request_duration_seconds",
			Help:    "Operator API request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	// Relay inbox
	inboundMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingrelay_inbound_messages_total",
			Help: "Messages received by the SMTP relay, by result.",
		},
		[]string{"result"},
	)

	// Pipeline
	messagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingrelay_messages_processed_total",
			Help: "Notification messages processed, by path taken.",
		},
		[]string{"path"},
	)
	resolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingrelay_resolutions_total",
			Help: "Listing resolutions by outcome (strategy name or failure kind).",
		},
		[]string{"outcome"},
	)
	resolveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "listingrelay_resolve_duration_seconds",
			Help:    "Time spent resolving one listing URL.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)
	postings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingrelay_postings_total",
			Help: "Ledger entries written, by result.",
		},
		[]string{"result"},
	)
	composeFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "listingrelay_compose_fallbacks_total",
			Help: "Compositions that fell back to the deterministic text.",
		},
	)
	publishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "listingrelay_publish_duration_seconds",
			Help:    "Time spent publishing one posting.",
			Buckets: prometheus.DefBuckets,
		},
	)
	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "listingrelay_sweep_duration_seconds",
			Help:    "Duration of a full sweep over all accounts.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
	accountsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listingrelay_accounts_skipped_total",
			Help: "Account runs skipped before processing, by reason.",
		},
		[]string{"reason"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,

			inboundMessages,

			messagesProcessed,
			resolutions,
			resolveDuration,
			postings,
			composeFallbacks,
			publishDuration,
			sweepDuration,
			accountsSkipped,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// --- HTTP ---
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	c := strconv.Itoa(code)
	httpRequests.WithLabelValues(method, route, c).Inc()
	httpDuration.WithLabelValues(method, route, c).Observe(d.Seconds())
}

// --- Relay ---
func IncInbound(result string) { inboundMessages.WithLabelValues(result).Inc() }

// --- Pipeline ---
func IncMessageProcessed(path string) { messagesProcessed.WithLabelValues(path).Inc() }
func ObserveResolve(outcome string, d time.Duration) {
	resolutions.WithLabelValues(outcome).Inc()
	resolveDuration.Observe(d.Seconds())
}
func IncPosting(published bool) {
	if published {
		postings.WithLabelValues("published").Inc()
		return
	}
	postings.WithLabelValues("failed").Inc()
}
func IncComposeFallback()             { composeFallbacks.Inc() }
func ObservePublish(d time.Duration)  { publishDuration.Observe(d.Seconds()) }
func ObserveSweep(d time.Duration)    { sweepDuration.Observe(d.Seconds()) }
func IncAccountSkipped(reason string) { accountsSkipped.WithLabelValues(reason).Inc() }
