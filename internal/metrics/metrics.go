// Package metrics provides counters, Prometheus collectors, and HTTP
// handlers for exporting push-dispatch runtime metrics.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Internal state, source of truth for the JSON snapshot.
var (
	dispatches        int64
	recipientsTotal   int64
	suppressedTotal   int64
	accepted          int64
	pendingReceipt    int64
	rejectedInvalid   int64
	rejectedTransient int64
	providerFailures  int64
	tokensDeactivated int64
	receiptsDelivered int64
	receiptsFailed    int64
	receiptsExpired   int64
	receiptsDropped   int64
	receiptsPending   int64
	tokensPurged      int64
	lastDispatch      int64
)

const counterInc int64 = 1

// Outcome label values. They mirror dispatch.Outcome without importing it.
const (
	OutcomeAccepted       = "ACCEPTED"
	OutcomePendingReceipt = "PENDING_RECEIPT"
	OutcomeInvalidToken   = "REJECTED_INVALID_TOKEN"
	OutcomeTransient      = "REJECTED_TRANSIENT"
)

// Prometheus collectors
var (
	promDispatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "push_dispatches_total",
			Help: "Total dispatch requests processed",
		},
	)
	promRecipients = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_audience_users_total",
			Help: "Audience users after and before preference filtering",
		},
		[]string{"result"},
	)
	promDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_delivery_results_total",
			Help: "Per-token delivery results by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	promProviderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_provider_call_failures_total",
			Help: "Provider calls that failed as a whole (error, timeout, panic)",
		},
		[]string{"provider"},
	)
	promDeactivated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_tokens_deactivated_total",
			Help: "Device tokens deactivated, by signal source",
		},
		[]string{"source"},
	)
	promReceipts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_receipts_resolved_total",
			Help: "Tickets leaving the pending state, by terminal status",
		},
		[]string{"status"},
	)
	promReceiptsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "push_receipts_dropped_total",
			Help: "Tickets dropped because the receipt queue was full",
		},
	)
	promReceiptsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_receipts_pending",
			Help: "Tickets currently awaiting a receipt",
		},
	)
	promTokensPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "push_tokens_purged_total",
			Help: "Stale device token rows removed by the janitor",
		},
	)
	promDispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "push_dispatch_duration_seconds",
			Help:    "Wall time of one dispatch up to the returned summary",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
	promLastDispatch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_last_dispatch_timestamp_seconds",
			Help: "Unix timestamp of the last completed dispatch",
		},
	)
)

func init() {
	prometheus.MustRegister(
		promDispatches,
		promRecipients,
		promDeliveries,
		promProviderFailures,
		promDeactivated,
		promReceipts,
		promReceiptsDropped,
		promReceiptsPending,
		promTokensPurged,
		promDispatchDuration,
		promLastDispatch,
	)
}

// IncDispatch counts one processed dispatch with its audience sizes.
func IncDispatch(recipients, suppressed int) {
	atomic.AddInt64(&dispatches, counterInc)
	atomic.AddInt64(&recipientsTotal, int64(recipients))
	atomic.AddInt64(&suppressedTotal, int64(suppressed))
	promDispatches.Inc()
	promRecipients.WithLabelValues("allowed").Add(float64(recipients))
	promRecipients.WithLabelValues("suppressed").Add(float64(suppressed))
}

// AddDeliveryResults records n results of one outcome for a provider.
func AddDeliveryResults(provider, outcome string, n int) {
	if n <= 0 {
		return
	}
	switch outcome {
	case OutcomeAccepted:
		atomic.AddInt64(&accepted, int64(n))
	case OutcomePendingReceipt:
		atomic.AddInt64(&pendingReceipt, int64(n))
	case OutcomeInvalidToken:
		atomic.AddInt64(&rejectedInvalid, int64(n))
	case OutcomeTransient:
		atomic.AddInt64(&rejectedTransient, int64(n))
	}
	promDeliveries.WithLabelValues(provider, outcome).Add(float64(n))
}

func IncProviderFailure(provider string) {
	atomic.AddInt64(&providerFailures, counterInc)
	promProviderFailures.WithLabelValues(provider).Inc()
}

// AddTokensDeactivated records deactivations; source is "send" or "receipt".
func AddTokensDeactivated(source string, n int) {
	if n <= 0 {
		return
	}
	atomic.AddInt64(&tokensDeactivated, int64(n))
	promDeactivated.WithLabelValues(source).Add(float64(n))
}

func IncReceiptDelivered() {
	atomic.AddInt64(&receiptsDelivered, counterInc)
	promReceipts.WithLabelValues("delivered").Inc()
}

func IncReceiptFailed() {
	atomic.AddInt64(&receiptsFailed, counterInc)
	promReceipts.WithLabelValues("failed").Inc()
}

func IncReceiptExpired() {
	atomic.AddInt64(&receiptsExpired, counterInc)
	promReceipts.WithLabelValues("expired").Inc()
}

func AddReceiptsDropped(n int) {
	atomic.AddInt64(&receiptsDropped, int64(n))
	promReceiptsDropped.Add(float64(n))
}

func SetReceiptsPending(n int) {
	atomic.StoreInt64(&receiptsPending, int64(n))
	promReceiptsPending.Set(float64(n))
}

func AddTokensPurged(n int) {
	if n <= 0 {
		return
	}
	atomic.AddInt64(&tokensPurged, int64(n))
	promTokensPurged.Add(float64(n))
}

// ObserveDispatchDuration records a dispatch duration and stamps the last run.
func ObserveDispatchDuration(d time.Duration, finishedAt time.Time) {
	promDispatchDuration.Observe(d.Seconds())
	atomic.StoreInt64(&lastDispatch, finishedAt.Unix())
	promLastDispatch.Set(float64(finishedAt.Unix()))
}

// StatsSnapshot is a snapshot of metrics for JSON encoding.
type StatsSnapshot struct {
	Dispatches        int64  `json:"dispatches"`
	Recipients        int64  `json:"recipients"`
	Suppressed        int64  `json:"suppressed"`
	Accepted          int64  `json:"accepted"`
	PendingReceipt    int64  `json:"pending_receipt"`
	RejectedInvalid   int64  `json:"rejected_invalid_token"`
	RejectedTransient int64  `json:"rejected_transient"`
	ProviderFailures  int64  `json:"provider_call_failures"`
	TokensDeactivated int64  `json:"tokens_deactivated"`
	ReceiptsDelivered int64  `json:"receipts_delivered"`
	ReceiptsFailed    int64  `json:"receipts_failed"`
	ReceiptsExpired   int64  `json:"receipts_expired"`
	ReceiptsDropped   int64  `json:"receipts_dropped"`
	ReceiptsPending   int64  `json:"receipts_pending"`
	TokensPurged      int64  `json:"tokens_purged"`
	LastDispatch      int64  `json:"last_dispatch_timestamp"`
	LastDispatchHuman string `json:"last_dispatch_human"`
}

// GetSnapshot returns the current values of all internal counters.
func GetSnapshot() StatsSnapshot {
	ts := atomic.LoadInt64(&lastDispatch)
	human := ""
	if ts > 0 {
		human = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}
	return StatsSnapshot{
		Dispatches:        atomic.LoadInt64(&dispatches),
		Recipients:        atomic.LoadInt64(&recipientsTotal),
		Suppressed:        atomic.LoadInt64(&suppressedTotal),
		Accepted:          atomic.LoadInt64(&accepted),
		PendingReceipt:    atomic.LoadInt64(&pendingReceipt),
		RejectedInvalid:   atomic.LoadInt64(&rejectedInvalid),
		RejectedTransient: atomic.LoadInt64(&rejectedTransient),
		ProviderFailures:  atomic.LoadInt64(&providerFailures),
		TokensDeactivated: atomic.LoadInt64(&tokensDeactivated),
		ReceiptsDelivered: atomic.LoadInt64(&receiptsDelivered),
		ReceiptsFailed:    atomic.LoadInt64(&receiptsFailed),
		ReceiptsExpired:   atomic.LoadInt64(&receiptsExpired),
		ReceiptsDropped:   atomic.LoadInt64(&receiptsDropped),
		ReceiptsPending:   atomic.LoadInt64(&receiptsPending),
		TokensPurged:      atomic.LoadInt64(&tokensPurged),
		LastDispatch:      ts,
		LastDispatchHuman: human,
	}
}

// PromHandler returns an HTTP handler that exposes Prometheus metrics.
func PromHandler() http.Handler { return promhttp.Handler() }

// JSONHandler serves the current metrics as a JSON-encoded StatsSnapshot.
func JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetSnapshot())
	})
}
