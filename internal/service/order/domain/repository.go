// internal/service/order/domain/repository.go
package domain

import (
	"context"
	"time"
)

// OrderRepository 定义了订单聚合的持久化接口。
// 它位于领域层，由基础设施层实现。
type OrderRepository interface {
	// Create 插入新订单。OrderNo 冲突时返回包装后的存储错误。
	Create(ctx context.Context, order *Order) error

	// FindByID 根据 ID 查找订单，不存在时返回 ErrOrderNotFound。
	FindByID(ctx context.Context, id string) (*Order, error)

	// FindByNo 根据单号查找订单。
	FindByNo(ctx context.Context, orderNo string) (*Order, error)

	// Update 以乐观版本号（Order.Version）做 CAS 更新，
	// 版本不匹配时返回 ErrConcurrentModification，成功后 Version 自增。
	Update(ctx context.Context, order *Order) error

	// 以下是超时扫描的候选集查询，各自按单一状态 + 截止时间筛选。

	// FindPendingBefore 返回 createdAt 早于 deadline 的待支付订单。
	FindPendingBefore(ctx context.Context, deadline time.Time, limit int) ([]*Order, error)

	// FindPaidBefore 返回 paidAt 早于 deadline 且设备未启动的订单。
	FindPaidBefore(ctx context.Context, deadline time.Time, limit int) ([]*Order, error)

	// FindWashingOverdue 返回运行时间超过 下单时长×multiplier 的订单。
	FindWashingOverdue(ctx context.Context, multiplier float64, now time.Time, limit int) ([]*Order, error)

	// FindUnsettledBefore 返回 finishedAt 早于 deadline 且未结算的已完成订单。
	FindUnsettledBefore(ctx context.Context, deadline time.Time, limit int) ([]*Order, error)
}
