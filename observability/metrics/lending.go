package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type LendingMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	liquidations *prometheus.CounterVec
	utilization  *prometheus.GaugeVec
	borrowRate   *prometheus.GaugeVec
	openLoans    *prometheus.GaugeVec
	oracleStale  *prometheus.CounterVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revenue",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Count of lending engine operations by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "revenue",
				Subsystem: "lending",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for lending engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revenue",
				Subsystem: "lending",
				Name:      "liquidation_checks_total",
				Help:      "Liquidation attempts segmented by loan token and result.",
			}, []string{"loan_token", "result"}),
			utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "revenue",
				Subsystem: "lending",
				Name:      "pool_utilization_percent",
				Help:      "Pool utilization after the most recent mutation.",
			}, []string{"loan_token"}),
			borrowRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "revenue",
				Subsystem: "lending",
				Name:      "pool_borrow_rate_percent",
				Help:      "Annual borrow rate after the most recent mutation.",
			}, []string{"loan_token"}),
			openLoans: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "revenue",
				Subsystem: "lending",
				Name:      "open_loans",
				Help:      "Number of open loans per loan token.",
			}, []string{"loan_token"}),
			oracleStale: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "revenue",
				Subsystem: "lending",
				Name:      "oracle_stale_total",
				Help:      "Operations rejected because the oracle rate was stale.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.latency,
			lendingRegistry.liquidations,
			lendingRegistry.utilization,
			lendingRegistry.borrowRate,
			lendingRegistry.openLoans,
			lendingRegistry.oracleStale,
		)
	})
	return lendingRegistry
}

func (m *LendingMetrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *LendingMetrics) ObserveLiquidation(loanToken, result string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(loanToken, result).Inc()
}

func (m *LendingMetrics) SetPoolState(loanToken string, utilization, borrowRate float64) {
	if m == nil {
		return
	}
	m.utilization.WithLabelValues(loanToken).Set(utilization)
	m.borrowRate.WithLabelValues(loanToken).Set(borrowRate)
}

func (m *LendingMetrics) AddOpenLoans(loanToken string, delta float64) {
	if m == nil {
		return
	}
	m.openLoans.WithLabelValues(loanToken).Add(delta)
}

func (m *LendingMetrics) IncOracleStale(operation string) {
	if m == nil {
		return
	}
	m.oracleStale.WithLabelValues(operation).Inc()
}
