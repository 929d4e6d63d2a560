package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type LedgerMetrics struct {
	submissions     *prometheus.CounterVec
	confirmations   *prometheus.CounterVec
	decodeFallbacks *prometheus.CounterVec
	partialWrites   *prometheus.CounterVec
	ballotConflicts prometheus.Counter
	confirmLatency  *prometheus.HistogramVec
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

// Ledger returns the process-wide transaction metrics, registering the
// collectors on first use.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_submissions_total",
				Help: "Count of transactions handed to the chain by operation.",
			}, []string{"op"}),
			confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_confirmations_total",
				Help: "Count of confirmation outcomes by operation and kind.",
			}, []string{"op", "kind"}),
			decodeFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_decode_fallbacks_total",
				Help: "Count of receipts whose result id came from the fallback path.",
			}, []string{"op"}),
			partialWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_partial_writes_total",
				Help: "Count of confirmed transactions whose off-chain record failed.",
			}, []string{"op"}),
			ballotConflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ledger_ballot_conflicts_total",
				Help: "Count of vote casts rejected by the ballot unique index.",
			}),
			confirmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ledger_confirm_latency_seconds",
				Help:    "Time between submission and confirmation by operation.",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			}, []string{"op"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.submissions,
			ledgerRegistry.confirmations,
			ledgerRegistry.decodeFallbacks,
			ledgerRegistry.partialWrites,
			ledgerRegistry.ballotConflicts,
			ledgerRegistry.confirmLatency,
		)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) ObserveSubmission(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.submissions.WithLabelValues(op).Inc()
}

func (m *LedgerMetrics) ObserveConfirmation(op, kind string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	if kind == "" {
		kind = "unknown"
	}
	m.confirmations.WithLabelValues(op, kind).Inc()
}

func (m *LedgerMetrics) ObserveDecodeFallback(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.decodeFallbacks.WithLabelValues(op).Inc()
}

func (m *LedgerMetrics) ObservePartialWrite(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.partialWrites.WithLabelValues(op).Inc()
}

func (m *LedgerMetrics) ObserveBallotConflict() {
	if m == nil {
		return
	}
	m.ballotConflicts.Inc()
}

func (m *LedgerMetrics) ObserveConfirmLatency(op string, d time.Duration) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.confirmLatency.WithLabelValues(op).Observe(d.Seconds())
}
