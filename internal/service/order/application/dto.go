// internal/service/order/application/dto.go
package application

import (
	"time"

	"washlink/internal/service/order/domain"
)

// CreateOrderRequest 是创建订单用例的输入数据
type CreateOrderRequest struct {
	UserID          string `json:"userId"`
	DeviceID        string `json:"deviceId"`
	MerchantID      string `json:"merchantId"`
	Amount          int64  `json:"amount"` // 单位：分
	DurationMinutes int    `json:"durationMinutes"`
}

// CreateOrderResponse 是创建订单用例的输出数据
type CreateOrderResponse struct {
	OrderID string        `json:"orderId"`
	OrderNo string        `json:"orderNo"`
	Status  domain.Status `json:"status"`
	Amount  int64         `json:"amount"`
}

// PaymentCallbackRequest 是支付网关回调的入参。
// 同一 TransactionID 可能被网关重复推送，处理端必须幂等。
type PaymentCallbackRequest struct {
	OrderNo         string               `json:"orderNo"`
	TransactionID   string               `json:"transactionId"`
	Amount          int64                `json:"amount"` // 网关实收
	BalanceUsed     int64                `json:"balanceUsed,omitempty"`
	GiftBalanceUsed int64                `json:"giftBalanceUsed,omitempty"`
	Method          domain.PaymentMethod `json:"method"`
	PaidAt          time.Time            `json:"paidAt"`
}

func (r *PaymentCallbackRequest) toPaymentResult() domain.PaymentResult {
	paidAt := r.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now()
	}
	return domain.PaymentResult{
		TransactionID:   r.TransactionID,
		Amount:          r.Amount,
		BalanceUsed:     r.BalanceUsed,
		GiftBalanceUsed: r.GiftBalanceUsed,
		Method:          r.Method,
		PaidAt:          paidAt,
	}
}

// ManualTimeoutRequest 是运营对卡单订单的人工处置入参。
// Action 取 refund / complete / cancel，Amount 仅在 refund 时可选，
// 用于覆盖规则裁决的金额（0 表示按规则走）。
type ManualTimeoutRequest struct {
	OrderID string `json:"orderId"`
	Action  string `json:"action"`
	Amount  int64  `json:"amount,omitempty"`
	Reason  string `json:"reason,omitempty"`
}
