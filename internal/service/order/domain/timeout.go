// internal/service/order/domain/timeout.go
package domain

import "time"

// TimeoutPolicy 是四类超时扫描的阈值集合。
// 值从配置注入，可在不重新部署的情况下调整；
// 扫描每轮取当前配置，因此调整对在途订单同样生效。
type TimeoutPolicy struct {
	Payment         time.Duration // pending 超过该时长未支付 → 取消
	DeviceStart     time.Duration // paid 超过该时长设备未启动 → 退款
	UsageMultiplier float64       // washing 超过 下单时长×倍数 → 强制完成
	Settlement      time.Duration // completed 超过该时长未结算 → 补偿结算
}

// PaymentOverdue 判断订单是否已超过支付时限。纯函数，边界不含等于。
func (p TimeoutPolicy) PaymentOverdue(o *Order, now time.Time) bool {
	return o.Status == StatusPending && now.Sub(o.CreatedAt) > p.Payment
}

// DeviceStartOverdue 判断已支付订单是否已超过设备启动时限。
func (p TimeoutPolicy) DeviceStartOverdue(o *Order, now time.Time) bool {
	return o.Status == StatusPaid && o.PaidAt != nil && now.Sub(*o.PaidAt) > p.DeviceStart
}

// UsageOverdue 判断运行中订单是否已超过最长运行时限（下单时长 × 倍数）。
func (p TimeoutPolicy) UsageOverdue(o *Order, now time.Time) bool {
	if o.Status != StatusWashing || o.StartedAt == nil {
		return false
	}
	maxRun := time.Duration(float64(o.DurationMinutes)*p.UsageMultiplier) * time.Minute
	return now.Sub(*o.StartedAt) > maxRun
}

// SettlementOverdue 判断已完成订单是否超时未结算。
func (p TimeoutPolicy) SettlementOverdue(o *Order, now time.Time) bool {
	return o.Status == StatusCompleted && !o.Settled && o.FinishedAt != nil && now.Sub(*o.FinishedAt) > p.Settlement
}
