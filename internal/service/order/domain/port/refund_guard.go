// internal/service/order/domain/port/refund_guard.go
package port

import "context"

// RefundGuard 是退款执行前的每订单预留标记。
// 在调用外部网关之前先 TryReserve：拿到预留的执行者才允许发起退款，
// 防止超时扫描与人工触发并发时出现双重退款。
// 预留自带过期时间，执行者崩溃后标记自动失效，下一轮扫描可以重试。
type RefundGuard interface {
	// TryReserve 尝试抢占预留，返回是否抢占成功。
	TryReserve(ctx context.Context, orderID string) (bool, error)

	// Release 释放自己持有的预留；不是自己抢到的标记不会被误删。
	Release(ctx context.Context, orderID string) error
}
