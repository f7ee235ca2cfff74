package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	chatTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadnova_chat_turns_total",
			Help: "Total number of chat turns by terminal outcome.",
		},
		[]string{"outcome"},
	)
	chatTurnDurationMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leadnova_chat_turn_duration_ms",
			Help:    "End-to-end chat turn latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
	)
	chatTurnsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leadnova_chat_turns_in_flight",
			Help: "Current number of chat turns being processed.",
		},
	)
	searchFiltersRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadnova_search_filters_rejected_total",
			Help: "Total number of search filters dropped by the column/operator allowlist.",
		},
		[]string{"reason"},
	)
	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadnova_llm_calls_total",
			Help: "Total number of LLM completion calls by mode and status.",
		},
		[]string{"mode", "status"},
	)
	llmCallLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadnova_llm_call_latency_ms",
			Help:    "LLM completion latency in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"mode"},
	)
	searchExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadnova_search_executions_total",
			Help: "Total number of search statements executed by status.",
		},
		[]string{"status"},
	)
	searchExecutionLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leadnova_search_execution_latency_ms",
			Help:    "Search statement execution latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		},
	)
	searchRowsReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leadnova_search_rows_returned",
			Help:    "Rows returned per search execution.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
		},
	)
	auditWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leadnova_audit_write_failures_total",
			Help: "Total number of audit records that could not be persisted.",
		},
	)
	memoryWriteFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leadnova_memory_write_failures_total",
			Help: "Total number of session history writes that failed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		chatTurnsTotal,
		chatTurnDurationMs,
		chatTurnsInFlight,
		searchFiltersRejectedTotal,
		llmCallsTotal,
		llmCallLatencyMs,
		searchExecutionsTotal,
		searchExecutionLatencyMs,
		searchRowsReturned,
		auditWriteFailuresTotal,
		memoryWriteFailuresTotal,
	)
}

func ObserveChatTurn(outcome string, elapsed time.Duration) {
	chatTurnsTotal.WithLabelValues(outcome).Inc()
	chatTurnDurationMs.Observe(float64(elapsed.Milliseconds()))
}

// TrackTurnInFlight increments the in-flight gauge and returns the matching
// decrement.
func TrackTurnInFlight() func() {
	chatTurnsInFlight.Inc()
	return chatTurnsInFlight.Dec
}

func IncrementFilterRejected(reason string) {
	searchFiltersRejectedTotal.WithLabelValues(reason).Inc()
}

func ObserveLLMCall(mode string, err error, elapsed time.Duration) {
	llmCallsTotal.WithLabelValues(mode, statusLabel(err)).Inc()
	llmCallLatencyMs.WithLabelValues(mode).Observe(float64(elapsed.Milliseconds()))
}

func ObserveSearchExecution(rows int, err error, elapsed time.Duration) {
	searchExecutionsTotal.WithLabelValues(statusLabel(err)).Inc()
	searchExecutionLatencyMs.Observe(float64(elapsed.Milliseconds()))
	if err == nil {
		searchRowsReturned.Observe(float64(rows))
	}
}

func IncrementAuditWriteFailure() {
	auditWriteFailuresTotal.Inc()
}

func IncrementMemoryWriteFailure() {
	memoryWriteFailuresTotal.Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
