// internal/pkg/metrics/metrics.go
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// OrderTransitions 按 (from, to) 统计状态迁移次数。
	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "washlink_order_transitions_total",
			Help: "Number of order state transitions by from/to state.",
		},
		[]string{"from", "to"},
	)

	// SweepPickups 按扫描类型统计超时扫描捞起的订单数。
	SweepPickups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "washlink_timeout_sweep_pickups_total",
			Help: "Number of overdue orders picked up by each timeout sweep.",
		},
		[]string{"sweep"},
	)

	// ExternalFailures 按操作统计外部调用失败（支付网关、设备网关）。
	ExternalFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "washlink_external_failures_total",
			Help: "Number of failed calls to external systems.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(OrderTransitions, SweepPickups, ExternalFailures)
}
