package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics 定义网关业务监控指标
type BusinessMetrics struct {
	PaymentsCreatedTotal   prometheus.Counter
	PaymentsConfirmedTotal *prometheus.CounterVec
	PaymentsSettledTotal   *prometheus.CounterVec
	PaymentsUnderpaidTotal prometheus.Counter
	PaymentsExpiredTotal   prometheus.Counter
	SettlementErrorsTotal  *prometheus.CounterVec
	ReconcileCycleDuration prometheus.Histogram
	OpenPaymentsBatch      prometheus.Gauge
}

// Global Metrics Instance
var Business *BusinessMetrics

// InitBusinessMetrics 初始化业务指标
func InitBusinessMetrics() {
	Business = &BusinessMetrics{
		PaymentsCreatedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_payments_created_total",
			Help: "The total number of payments registered",
		}),
		PaymentsConfirmedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_payments_confirmed_total",
			Help: "The total number of payments confirmed on-chain",
		}, []string{"merchant"}),
		PaymentsSettledTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_payments_settled_total",
			Help: "The total number of payments fully settled to merchants",
		}, []string{"merchant"}),
		PaymentsUnderpaidTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_payments_underpaid_total",
			Help: "The total number of payments rejected as underpaid",
		}),
		PaymentsExpiredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "gateway_payments_expired_total",
			Help: "The total number of payments that expired unpaid",
		}),
		SettlementErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_settlement_errors_total",
			Help: "Settlement stage errors by stage (settle, transfer, decrypt, net_amount)",
		}, []string{"stage"}),
		ReconcileCycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_reconcile_cycle_duration_seconds",
			Help:    "Duration of reconciliation cycles",
			Buckets: prometheus.DefBuckets,
		}),
		OpenPaymentsBatch: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_open_payments_batch",
			Help: "Number of open payments picked up in the last cycle",
		}),
	}
}
