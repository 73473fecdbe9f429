// internal/service/order/domain/order.go
package domain

import (
	"errors"
	"fmt"
	"time"
)

// PaymentMethod 支付方式
type PaymentMethod string

const (
	PaymentMethodWechat  PaymentMethod = "WECHAT"
	PaymentMethodAlipay  PaymentMethod = "ALIPAY"
	PaymentMethodBalance PaymentMethod = "BALANCE" // 余额/赠送金全额抵扣，不走网关
)

// Order 是洗车订单聚合的根实体。
// 金额字段单位统一为分。PaidAmount 表示当前实际留存的已付金额，
// 退款会同步扣减它，因此任何时刻 PaidAmount + RefundAmount <= Amount 恒成立。
// Status 只能通过本文件中的迁移方法变化，禁止直接赋值。
type Order struct {
	ID      string
	OrderNo string // 对外可读的唯一单号

	UserID     string
	DeviceID   string
	MerchantID string // 设备归属商户，下单时冗余

	Amount          int64 // 应付金额
	PaidAmount      int64
	RefundAmount    int64
	BalanceUsed     int64
	GiftBalanceUsed int64
	PaymentMethod   PaymentMethod
	TransactionID   string // 支付网关交易号，幂等判重依据

	Status                Status
	DurationMinutes       int
	ActualDurationMinutes int
	RefundReason          string
	CancelReason          string
	Settled               bool // 已纳入某期结算
	NeedsReview           bool // 强制完成后设备未确认停机，待人工复核

	CreatedAt   time.Time
	PaidAt      *time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	CancelledAt *time.Time
	RefundAt    *time.Time
	UpdatedAt   time.Time

	Version int64 // 乐观锁版本号，仓储层按它做 CAS 更新
}

// NewOrder 创建一个待支付的新订单。
func NewOrder(id, orderNo, userID, deviceID, merchantID string, amount int64, durationMinutes int) (*Order, error) {
	if id == "" || userID == "" || deviceID == "" || merchantID == "" {
		return nil, errors.New("cannot create order with empty required fields")
	}
	if amount <= 0 || durationMinutes <= 0 {
		return nil, errors.New("order amount and duration must be positive")
	}
	now := time.Now()
	return &Order{
		ID:              id,
		OrderNo:         orderNo,
		UserID:          userID,
		DeviceID:        deviceID,
		MerchantID:      merchantID,
		Amount:          amount,
		DurationMinutes: durationMinutes,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// PaymentResult 是支付回调携带的入账结果。
type PaymentResult struct {
	TransactionID   string
	Amount          int64 // 网关实收
	BalanceUsed     int64
	GiftBalanceUsed int64
	Method          PaymentMethod
	PaidAt          time.Time
}

// MarkPaid 将订单标记为已支付。仅 pending 可入账。
// 同一交易号的重复回调返回 ErrAlreadyApplied（幂等空操作，不得重复记账）；
// 金额（网关实收 + 余额 + 赠送金）与应付不符返回 ErrPaymentMismatch，订单不变。
func (o *Order) MarkPaid(res PaymentResult) error {
	if o.Status != StatusPending {
		if o.TransactionID != "" && o.TransactionID == res.TransactionID {
			return ErrAlreadyApplied
		}
		if o.Status == StatusPaid || o.Status == StatusWashing || o.Status == StatusCompleted {
			return ErrAlreadyPaid
		}
		return ErrInvalidStateTransition
	}

	covered := res.Amount + res.BalanceUsed + res.GiftBalanceUsed
	if covered != o.Amount {
		return fmt.Errorf("%w: expected %d, got %d", ErrPaymentMismatch, o.Amount, covered)
	}

	o.PaidAmount = o.Amount
	o.BalanceUsed = res.BalanceUsed
	o.GiftBalanceUsed = res.GiftBalanceUsed
	o.PaymentMethod = res.Method
	o.TransactionID = res.TransactionID
	paidAt := res.PaidAt
	o.PaidAt = &paidAt
	o.Status = StatusPaid
	o.touch()
	return o.checkInvariant()
}

// StartWashing 在设备启动成功后将订单置为运行中。仅 paid 可启动。
// 重复的设备启动回调返回 ErrAlreadyApplied。
func (o *Order) StartWashing(startedAt time.Time) error {
	if o.Status == StatusWashing {
		return ErrAlreadyApplied
	}
	if !o.Status.CanTransitionTo(StatusWashing) {
		return ErrInvalidStateTransition
	}
	o.StartedAt = &startedAt
	o.Status = StatusWashing
	o.touch()
	return nil
}

// Finish 完成订单。仅 washing 可完成。
// actualMinutes <= 0 时按下单时长计。重复的停机回调返回 ErrAlreadyApplied。
func (o *Order) Finish(actualMinutes int, finishedAt time.Time) error {
	if o.Status == StatusCompleted {
		return ErrAlreadyApplied
	}
	if !o.Status.CanTransitionTo(StatusCompleted) {
		return ErrInvalidStateTransition
	}
	if actualMinutes <= 0 {
		actualMinutes = o.DurationMinutes
	}
	o.ActualDurationMinutes = actualMinutes
	o.FinishedAt = &finishedAt
	o.Status = StatusCompleted
	o.touch()
	return nil
}

// Cancel 取消订单。仅 pending 可取消，此时必然分文未付。
// 已取消订单的重复取消返回 ErrAlreadyApplied。
func (o *Order) Cancel(reason string, at time.Time) error {
	if o.Status == StatusCancelled {
		return ErrAlreadyApplied
	}
	if !o.Status.CanTransitionTo(StatusCancelled) {
		return ErrInvalidStateTransition
	}
	o.CancelReason = reason
	o.CancelledAt = &at
	o.Status = StatusCancelled
	o.touch()
	return nil
}

// MarkRefunded 落账一笔退款并置为已退款。paid / washing / completed 可退。
// amount 不得超过当前留存的已付金额。已退款订单重复退款返回 ErrAlreadyApplied。
func (o *Order) MarkRefunded(amount int64, reason string, at time.Time) error {
	if o.Status == StatusRefunded {
		return ErrAlreadyApplied
	}
	if !o.Status.CanTransitionTo(StatusRefunded) {
		return ErrInvalidStateTransition
	}
	if amount <= 0 || amount > o.PaidAmount {
		return fmt.Errorf("%w: refund %d exceeds retained paid amount %d", ErrInvariantViolated, amount, o.PaidAmount)
	}
	o.PaidAmount -= amount
	o.RefundAmount += amount
	o.RefundReason = reason
	refundAt := at
	o.RefundAt = &refundAt
	o.Status = StatusRefunded
	o.touch()
	return o.checkInvariant()
}

// MarkSettled 标记订单已纳入结算。
func (o *Order) MarkSettled() {
	o.Settled = true
	o.touch()
}

// FlagForReview 标记订单需人工复核（强制完成但设备未确认停机）。
func (o *Order) FlagForReview() {
	o.NeedsReview = true
	o.touch()
}

func (o *Order) touch() {
	o.UpdatedAt = time.Now()
}

func (o *Order) checkInvariant() error {
	if o.PaidAmount < 0 || o.RefundAmount < 0 || o.PaidAmount+o.RefundAmount > o.Amount {
		return fmt.Errorf("%w: amount=%d paid=%d refunded=%d", ErrInvariantViolated, o.Amount, o.PaidAmount, o.RefundAmount)
	}
	return nil
}
