package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics tracks reads and writes against the two ledgers.
type LedgerMetrics struct {
	calls  *prometheus.CounterVec
	errors *prometheus.CounterVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// Ledger returns the metrics registry for ledger RPC traffic.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crossloan",
				Subsystem: "ledger",
				Name:      "calls_total",
				Help:      "Ledger contract calls segmented by ledger and method.",
			}, []string{"ledger", "method"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crossloan",
				Subsystem: "ledger",
				Name:      "errors_total",
				Help:      "Failed ledger contract calls segmented by ledger.",
			}, []string{"ledger"}),
		}
		prometheus.MustRegister(ledgerRegistry.calls, ledgerRegistry.errors)
	})
	return ledgerRegistry
}

// RecordCall counts one contract call and its failure, if any.
func (m *LedgerMetrics) RecordCall(ledger, method string, err error) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(label(ledger), method).Inc()
	if err != nil {
		m.errors.WithLabelValues(label(ledger)).Inc()
	}
}
