// internal/service/order/domain/port/lock.go
package port

import "context"

// OrderLocker 提供针对单个订单的互斥执行。
// 后台扫描和前台回调可能同时竞争同一订单，所有状态迁移都必须在锁内完成；
// 对外部系统（网关、设备）的调用必须放在锁外。
type OrderLocker interface {
	// WithLock 在持有 orderID 的锁期间执行 fn，返回 fn 的错误。
	WithLock(ctx context.Context, orderID string, fn func() error) error
}
