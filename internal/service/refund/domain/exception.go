// internal/service/refund/domain/exception.go
package domain

import (
	"context"
	"time"
)

// 异常记录的类别。
const (
	ExceptionKindRefundFailure     = "REFUND_FAILURE"     // 网关退款失败，订单保持原状态
	ExceptionKindSettlementFailure = "SETTLEMENT_FAILURE" // 结算反复失败
	ExceptionKindUsageReview       = "USAGE_REVIEW"       // 强制完成但设备未确认停机
	ExceptionKindRefundNoRule      = "REFUND_NO_RULE"     // 退款规则无一命中，等待人工处理
	ExceptionKindPaymentMismatch   = "PAYMENT_MISMATCH"   // 回调金额与应付不符，需对账
)

// ExceptionRecord 是运营可查询的异常事件。
// 自动恢复对终端用户静默，但每一次失败都必须在这里留痕。
type ExceptionRecord struct {
	ID        int64
	OrderID   string
	Kind      string
	Detail    string
	Resolved  bool
	CreatedAt time.Time
}

// ExceptionStore 是异常记录的持久化接口。
type ExceptionStore interface {
	Create(ctx context.Context, rec *ExceptionRecord) error
	ListOpen(ctx context.Context, limit int) ([]*ExceptionRecord, error)
	// CountOpenByOrder 返回某订单某类未解决异常的数量，用于识别反复失败。
	CountOpenByOrder(ctx context.Context, orderID, kind string) (int64, error)
	Resolve(ctx context.Context, id int64) error
}
