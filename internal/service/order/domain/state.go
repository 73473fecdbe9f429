// internal/service/order/domain/state.go
package domain

// Status 定义了洗车订单的生命周期状态
type Status string

const (
	StatusPending   Status = "PENDING"   // 已下单，等待支付
	StatusPaid      Status = "PAID"      // 已支付，等待设备启动
	StatusWashing   Status = "WASHING"   // 设备运行中
	StatusCompleted Status = "COMPLETED" // 洗车完成，可结算
	StatusCancelled Status = "CANCELLED" // 已取消（用户主动或支付超时）
	StatusRefunded  Status = "REFUNDED"  // 已退款
)

// legalTransitions 是状态机的唯一事实来源。
// 主链 pending → paid → washing → completed；
// 逃逸边 pending → cancelled，paid/washing/completed → refunded。
// cancelled 和 refunded 没有出边；completed 仅允许退款一条出边。
var legalTransitions = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusCancelled},
	StatusPaid:      {StatusWashing, StatusRefunded},
	StatusWashing:   {StatusCompleted, StatusRefunded},
	StatusCompleted: {StatusRefunded},
}

// CanTransitionTo 判断从当前状态到 to 是否是一条合法边。
func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range legalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsClosed 表示订单已走到不再参与任何业务流程的终点。
func (s Status) IsClosed() bool {
	return s == StatusCancelled || s == StatusRefunded
}

// AllStatuses 返回全部状态，测试用。
func AllStatuses() []Status {
	return []Status{StatusPending, StatusPaid, StatusWashing, StatusCompleted, StatusCancelled, StatusRefunded}
}
