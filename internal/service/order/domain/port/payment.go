// internal/service/order/domain/port/payment.go
package port

import "context"

// ChargeResult 是网关受理扣款后的结果。
type ChargeResult struct {
	TransactionID string
}

// RefundResult 是网关受理退款后的结果。
type RefundResult struct {
	RefundTransactionID string
}

// PaymentGateway 是支付网关的出站端口。具体协议由适配器负责。
// 两个方法都可能以 domain.ErrGatewayUnavailable / domain.ErrGatewayRejected 失败，
// 调用方不得在持有订单锁时调用它们。
type PaymentGateway interface {
	Charge(ctx context.Context, orderID string, amount int64) (*ChargeResult, error)
	Refund(ctx context.Context, orderID string, amount int64) (*RefundResult, error)
}
