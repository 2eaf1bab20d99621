// Package metrics exposes the bridge's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "goclaw_imessage"

var (
	registry = prometheus.NewRegistry()

	rowsPolled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_polled_total",
		Help:      "Message rows read from chat.db.",
	}, []string{"account"})

	rowsFiltered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_filtered_total",
		Help:      "Rows that produced no event, by reason.",
	}, []string{"account", "reason"})

	eventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dispatched_total",
		Help:      "Inbound events handed to the pipeline, by outcome.",
	}, []string{"account", "outcome"})

	pollErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_errors_total",
		Help:      "Poll ticks aborted by a chat.db error.",
	}, []string{"account"})

	sends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sends_total",
		Help:      "Outbound osascript sends, by payload kind and result.",
	}, []string{"kind", "result"})

	watermark = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watermark_rowid",
		Help:      "Last processed chat.db ROWID.",
	}, []string{"account"})

	dispatchSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Time from dispatch to idle for one event, replies included.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"account"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		rowsPolled, rowsFiltered, eventsDispatched, pollErrors, sends, watermark, dispatchSeconds,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

// RowsPolled counts rows read in one tick.
func RowsPolled(account string, n int) {
	rowsPolled.WithLabelValues(account).Add(float64(n))
}

// RowFiltered counts a row that was skipped.
func RowFiltered(account, reason string) {
	rowsFiltered.WithLabelValues(account, reason).Inc()
}

// EventDispatched records one pipeline run. outcome is "ok", "error" or "panic".
func EventDispatched(account, outcome string, seconds float64) {
	eventsDispatched.WithLabelValues(account, outcome).Inc()
	dispatchSeconds.WithLabelValues(account).Observe(seconds)
}

// PollError counts an aborted tick.
func PollError(account string) {
	pollErrors.WithLabelValues(account).Inc()
}

// SendResult counts one outbound send attempt.
func SendResult(kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	sends.WithLabelValues(kind, result).Inc()
}

// SetWatermark publishes an account's watermark.
func SetWatermark(account string, rowID int64) {
	watermark.WithLabelValues(account).Set(float64(rowID))
}
