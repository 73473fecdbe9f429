// internal/service/order/domain/errors.go
package domain

import "errors"

var (
	// ErrInvalidStateTransition 表示当前状态下不允许这次迁移。拒绝，无副作用。
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrAlreadyApplied 表示同一个外部事件重复投递，订单已反映该事件。
	// 调用方应视为成功的空操作，不产生任何额外副作用。
	ErrAlreadyApplied = errors.New("event already applied")

	// ErrAlreadyPaid 表示订单已入账，但这次回调携带了不同的交易号。
	ErrAlreadyPaid = errors.New("order already paid with a different transaction")

	// ErrPaymentMismatch 表示回调金额与应付金额不一致，需要人工对账。
	ErrPaymentMismatch = errors.New("payment amount mismatch")

	// ErrConcurrentModification 表示输掉了一次并发竞争，状态已被他人改变。
	// 调用方重读状态后按良性结果处理。
	ErrConcurrentModification = errors.New("order concurrently modified")

	// ErrOrderNotFound 订单不存在。
	ErrOrderNotFound = errors.New("order not found")

	// ErrGatewayUnavailable / ErrGatewayRejected 是支付网关的两类失败。
	// 订单保持在动作前的状态，由下一轮超时扫描重试，不做内联重试。
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayRejected    = errors.New("payment gateway rejected request")

	// ErrDeviceRejected 表示设备网关明确拒绝了启动/停止指令。
	ErrDeviceRejected = errors.New("device rejected command")

	// ErrRefundInProgress 表示该订单的退款已被另一个执行者预留。
	ErrRefundInProgress = errors.New("refund already in progress")

	// ErrInvariantViolated 表示金额不变量被破坏，属于必须回滚的致命错误。
	ErrInvariantViolated = errors.New("order amount invariant violated")
)
