// internal/service/order/domain/event.go
package domain

import "time"

// 设备上报的状态类型
const (
	DeviceEventStarted = "STARTED" // 设备已启动
	DeviceEventStopped = "STOPPED" // 设备已停机（携带实际运行时长）
	DeviceEventFault   = "FAULT"   // 设备故障
)

// DeviceStatusEvent 是设备异步推送的状态回调。
// 同一 EventID 可能被重复投递，处理端必须幂等。
type DeviceStatusEvent struct {
	EventID       string    `json:"eventId"`
	OrderID       string    `json:"orderId"`
	DeviceID      string    `json:"deviceId"`
	Event         string    `json:"event"` // STARTED / STOPPED / FAULT
	ActualMinutes int       `json:"actualMinutes,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	ReportedAt    time.Time `json:"reportedAt"`
}

// NotificationEvent 是推送给用户/运营方的通知事件，
// 经 Kafka 投递到 push-gateway，失败只记日志，绝不阻塞订单迁移。
type NotificationEvent struct {
	UserID   string            `json:"userId"`
	OrderID  string            `json:"orderId"`
	Template string            `json:"template"` // e.g. order_paid / order_refunded
	Data     map[string]string `json:"data,omitempty"`
}
