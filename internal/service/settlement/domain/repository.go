// internal/service/settlement/domain/repository.go
package domain

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadySettled 表示该商户该周期已有自动结算记录。
// 重算必须显式走人工触发。
var ErrAlreadySettled = errors.New("period already settled for merchant")

// SettlementRepository 是结算台账的持久化接口。台账只追加。
type SettlementRepository interface {
	Create(ctx context.Context, rec *SettlementRecord) error
	// ExistsForPeriod 只看自动结算记录，人工重算不占坑。
	ExistsForPeriod(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (bool, error)
	ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*SettlementRecord, error)
}

// SettledOrder 是结算视角下的订单聚合摘要。
type SettledOrder struct {
	OrderID    string
	PaidAmount int64
}

// OrderSource 是结算引擎对订单数据的窄接口，
// 由订单上下文的基础设施实现，避免两个限界上下文互相引用仓储。
type OrderSource interface {
	// CompletedOrders 返回商户在周期内已完成且未结算的订单摘要。
	CompletedOrders(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) ([]SettledOrder, error)
	// MarkSettled 把这批订单标记为已结算。
	MarkSettled(ctx context.Context, orderIDs []string) error
	// MerchantsWithUnsettled 返回周期内存在未结算完成单的商户。
	MerchantsWithUnsettled(ctx context.Context, before time.Time, limit int) ([]string, error)
}
