// internal/service/order/application/service.go
package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"washlink/internal/pkg/logger"
	"washlink/internal/pkg/metrics"
	"washlink/internal/service/order/domain"
	"washlink/internal/service/order/domain/port"
	refunddomain "washlink/internal/service/refund/domain"
	ruledomain "washlink/internal/service/rule/domain"
)

// RefundDecider 是退款裁决的入站依赖，由退款引擎实现。
// 无规则命中时返回 ruledomain.ErrNoMatch。
type RefundDecider interface {
	Evaluate(ctx context.Context, order *domain.Order, reasonHint string) (*refunddomain.Decision, error)
}

// 人工处置动作。校验与自动路径完全一致，不存在人工专用的越权通道。
const (
	ManualActionRefund   = "refund"
	ManualActionComplete = "complete"
	ManualActionCancel   = "cancel"
)

// OrderApplicationService 编排订单生命周期的全部状态迁移。
// 单条不变量：任何迁移都在该订单的分布式锁内完成；
// 对外部系统（支付网关、设备）的调用一律放在锁外，
// 锁内只做校验、预留和落库。
type OrderApplicationService struct {
	orders      domain.OrderRepository
	payments    port.PaymentGateway
	devices     port.DeviceController
	notifier    port.NotificationPort
	locker      port.OrderLocker
	refundGuard port.RefundGuard
	refunds     RefundDecider
	exceptions  refunddomain.ExceptionStore
	tracer      trace.Tracer

	now func() time.Time // 可注入时钟，测试用
}

func NewOrderApplicationService(
	orders domain.OrderRepository,
	payments port.PaymentGateway,
	devices port.DeviceController,
	notifier port.NotificationPort,
	locker port.OrderLocker,
	refundGuard port.RefundGuard,
	refunds RefundDecider,
	exceptions refunddomain.ExceptionStore,
	tracer trace.Tracer,
) *OrderApplicationService {
	return &OrderApplicationService{
		orders:      orders,
		payments:    payments,
		devices:     devices,
		notifier:    notifier,
		locker:      locker,
		refundGuard: refundGuard,
		refunds:     refunds,
		exceptions:  exceptions,
		tracer:      tracer,
		now:         time.Now,
	}
}

// CreateOrder 创建一个待支付订单并立即持久化。
func (s *OrderApplicationService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := s.tracer.Start(ctx, "order.Create")
	defer span.End()

	id := uuid.New().String()
	orderNo := newOrderNo(s.now())
	order, err := domain.NewOrder(id, orderNo, req.UserID, req.DeviceID, req.MerchantID, req.Amount, req.DurationMinutes)
	if err != nil {
		span.SetStatus(codes.Error, "invalid order request")
		return nil, err
	}

	if err := s.orders.Create(ctx, order); err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to persist new order")
	}
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("order.no", order.OrderNo),
		attribute.Int64("order.amount", order.Amount),
	)
	logger.Ctx(ctx).Info().
		Str("order_id", order.ID).
		Str("order_no", order.OrderNo).
		Str("device_id", order.DeviceID).
		Int64("amount", order.Amount).
		Msg("order created")

	return &CreateOrderResponse{
		OrderID: order.ID,
		OrderNo: order.OrderNo,
		Status:  order.Status,
		Amount:  order.Amount,
	}, nil
}

// InitiatePayment 向支付网关发起扣款请求，返回网关交易号。
// 网关侧完成扣款后通过回调入账，本方法不改变订单状态。
// 网关调用发生在锁外，订单状态只做一次前置校验。
func (s *OrderApplicationService) InitiatePayment(ctx context.Context, orderID string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "order.InitiatePayment")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return "", err
	}
	if order.Status != domain.StatusPending {
		return "", errors.Wrapf(domain.ErrInvalidStateTransition,
			"cannot initiate payment for order %s in status %s", orderID, order.Status)
	}

	result, err := s.payments.Charge(ctx, order.ID, order.Amount)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	logger.Ctx(ctx).Info().
		Str("order_id", order.ID).
		Str("transaction_id", result.TransactionID).
		Int64("amount", order.Amount).
		Msg("payment initiated")
	return result.TransactionID, nil
}

// HandlePaymentCallback 处理支付网关的入账回调。
// 同一交易号的重复回调是成功的空操作；金额不符时订单保持 pending 并记异常。
func (s *OrderApplicationService) HandlePaymentCallback(ctx context.Context, req *PaymentCallbackRequest) error {
	ctx, span := s.tracer.Start(ctx, "order.HandlePaymentCallback")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.no", req.OrderNo),
		attribute.String("payment.transaction_id", req.TransactionID),
	)

	order, err := s.orders.FindByNo(ctx, req.OrderNo)
	if err != nil {
		return err
	}

	return s.locker.WithLock(ctx, order.ID, func() error {
		order, err := s.orders.FindByID(ctx, order.ID)
		if err != nil {
			return err
		}
		from := order.Status

		if err := order.MarkPaid(req.toPaymentResult()); err != nil {
			if errors.Is(err, domain.ErrAlreadyApplied) {
				logger.Ctx(ctx).Info().Str("order_id", order.ID).Msg("duplicate payment callback ignored")
				return nil
			}
			if errors.Is(err, domain.ErrPaymentMismatch) {
				// 金额对不上要人工对账，必须留痕
				s.recordException(ctx, order.ID, refunddomain.ExceptionKindPaymentMismatch,
					fmt.Sprintf("callback %s: %v", req.TransactionID, err))
			}
			span.RecordError(err)
			return err
		}
		if err := s.orders.Update(ctx, order); err != nil {
			return err
		}

		s.recordTransition(from, order.Status)
		s.notify(ctx, order, "order_paid", map[string]string{
			"amount": fmt.Sprintf("%d", order.PaidAmount),
		})
		logger.Ctx(ctx).Info().
			Str("order_id", order.ID).
			Str("transaction_id", req.TransactionID).
			Int64("paid_amount", order.PaidAmount).
			Msg("order paid")
		return nil
	})
}

// StartDevice 下发设备启动指令并在确认后把订单置为运行中。
// 设备调用发生在锁外；设备明确拒绝时按 device_start_failure 走退款。
func (s *OrderApplicationService) StartDevice(ctx context.Context, orderID string) error {
	ctx, span := s.tracer.Start(ctx, "order.StartDevice")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	// 阶段一：锁内校验订单可启动，不发外部调用。
	var deviceID string
	var durationMinutes int
	err := s.locker.WithLock(ctx, orderID, func() error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == domain.StatusWashing {
			return domain.ErrAlreadyApplied
		}
		if !order.Status.CanTransitionTo(domain.StatusWashing) {
			return domain.ErrInvalidStateTransition
		}
		deviceID = order.DeviceID
		durationMinutes = order.DurationMinutes
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyApplied) {
			return nil
		}
		return err
	}

	// 阶段二：锁外调用设备。
	if err := s.devices.Start(ctx, deviceID, durationMinutes); err != nil {
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).
			Str("order_id", orderID).
			Str("device_id", deviceID).
			Msg("device start failed")
		if errors.Is(err, domain.ErrDeviceRejected) {
			// 设备拒绝后钱必须退还，走规则裁决。
			if refundErr := s.Refund(ctx, orderID, refunddomain.ReasonDeviceStartFailure, 0); refundErr != nil {
				logger.Ctx(ctx).Error().Err(refundErr).Str("order_id", orderID).Msg("refund after device rejection failed")
			}
		}
		return err
	}

	// 阶段三：重新上锁落账。
	return s.transitionToWashing(ctx, orderID, s.now())
}

// HandleDeviceStatus 处理设备异步上报的状态回调，按事件类型分发。
// 同一事件的重复投递是成功的空操作。
func (s *OrderApplicationService) HandleDeviceStatus(ctx context.Context, event *domain.DeviceStatusEvent) error {
	ctx, span := s.tracer.Start(ctx, "order.HandleDeviceStatus", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", event.OrderID),
		attribute.String("device.event", event.Event),
	)

	reportedAt := event.ReportedAt
	if reportedAt.IsZero() {
		reportedAt = s.now()
	}

	switch event.Event {
	case domain.DeviceEventStarted:
		return s.transitionToWashing(ctx, event.OrderID, reportedAt)
	case domain.DeviceEventStopped:
		return s.FinishOrder(ctx, event.OrderID, event.ActualMinutes, reportedAt)
	case domain.DeviceEventFault:
		logger.Ctx(ctx).Warn().
			Str("order_id", event.OrderID).
			Str("detail", event.Detail).
			Msg("device fault reported")
		return s.Refund(ctx, event.OrderID, refunddomain.ReasonDeviceFault, 0)
	default:
		return fmt.Errorf("unknown device event %q for order %s", event.Event, event.OrderID)
	}
}

// FinishOrder 完成订单。actualMinutes <= 0 时按下单时长计。
func (s *OrderApplicationService) FinishOrder(ctx context.Context, orderID string, actualMinutes int, finishedAt time.Time) error {
	ctx, span := s.tracer.Start(ctx, "order.Finish")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	return s.locker.WithLock(ctx, orderID, func() error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		from := order.Status

		if err := order.Finish(actualMinutes, finishedAt); err != nil {
			if errors.Is(err, domain.ErrAlreadyApplied) {
				return nil
			}
			return err
		}
		if err := s.orders.Update(ctx, order); err != nil {
			return err
		}

		s.recordTransition(from, order.Status)
		s.notify(ctx, order, "order_completed", map[string]string{
			"actualMinutes": fmt.Sprintf("%d", order.ActualDurationMinutes),
		})
		logger.Ctx(ctx).Info().
			Str("order_id", order.ID).
			Int("actual_minutes", order.ActualDurationMinutes).
			Msg("order completed")
		return nil
	})
}

// Cancel 取消订单，仅对待支付订单有效。
func (s *OrderApplicationService) Cancel(ctx context.Context, orderID, reason string) error {
	ctx, span := s.tracer.Start(ctx, "order.Cancel")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("cancel.reason", reason),
	)

	return s.locker.WithLock(ctx, orderID, func() error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		from := order.Status

		if err := order.Cancel(reason, s.now()); err != nil {
			if errors.Is(err, domain.ErrAlreadyApplied) {
				return nil
			}
			return err
		}
		if err := s.orders.Update(ctx, order); err != nil {
			return err
		}

		s.recordTransition(from, order.Status)
		s.notify(ctx, order, "order_cancelled", map[string]string{"reason": reason})
		logger.Ctx(ctx).Info().Str("order_id", order.ID).Str("reason", reason).Msg("order cancelled")
		return nil
	})
}

// Refund 对订单执行退款。overrideAmount > 0 时跳过规则裁决按指定金额退
// （人工覆盖），否则由退款引擎按规则给出类型和金额。
//
// 执行分三个阶段：锁内裁决并抢占退款预留；锁外调用支付网关；
// 重新上锁落账并释放预留。网关失败时订单保持原状态、预留释放，
// 留一条异常记录等下一轮扫描重试。
func (s *OrderApplicationService) Refund(ctx context.Context, orderID, reasonHint string, overrideAmount int64) error {
	ctx, span := s.tracer.Start(ctx, "order.Refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("refund.reason", reasonHint),
	)

	// 阶段一：锁内校验、裁决、抢占预留。
	var (
		refundAmount int64
		skipGateway  bool
		reserved     bool
	)
	err := s.locker.WithLock(ctx, orderID, func() error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == domain.StatusRefunded {
			return domain.ErrAlreadyApplied
		}
		if !order.Status.CanTransitionTo(domain.StatusRefunded) {
			return domain.ErrInvalidStateTransition
		}
		// 启动超时扫描和设备启动回调可能竞争同一订单：
		// 拿到锁时设备已经启动的话，退款的前提不复存在，按空操作退出。
		if reasonHint == refunddomain.ReasonDeviceStartTimeout && order.Status != domain.StatusPaid {
			return domain.ErrAlreadyApplied
		}

		if overrideAmount > 0 {
			refundAmount = overrideAmount
			if refundAmount > order.PaidAmount {
				refundAmount = order.PaidAmount
			}
		} else {
			decision, err := s.refunds.Evaluate(ctx, order, reasonHint)
			if err != nil {
				if errors.Is(err, ruledomain.ErrNoMatch) {
					// 无规则命中不自动退款，留痕等人工。
					s.recordException(ctx, order.ID, refunddomain.ExceptionKindRefundNoRule,
						fmt.Sprintf("no refund rule matched for reason %s", reasonHint))
				}
				return err
			}
			if decision.Type == refunddomain.RefundTypeNone {
				logger.Ctx(ctx).Info().
					Str("order_id", order.ID).
					Int64("rule_id", decision.RuleID).
					Msg("refund rule decided no refund")
				return nil
			}
			refundAmount = decision.Amount
		}
		if refundAmount <= 0 {
			return nil
		}

		// 余额全额抵扣的订单没有网关侧资金，退款纯内部落账。
		skipGateway = order.PaymentMethod == domain.PaymentMethodBalance

		ok, err := s.refundGuard.TryReserve(ctx, orderID)
		if err != nil {
			return errors.Wrap(err, "failed to reserve refund execution")
		}
		if !ok {
			return domain.ErrRefundInProgress
		}
		reserved = true
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyApplied) {
			return nil
		}
		return err
	}
	if !reserved {
		// 裁决结果是不退款。
		return nil
	}

	// 阶段二：锁外调用支付网关。
	if !skipGateway {
		if _, err := s.payments.Refund(ctx, orderID, refundAmount); err != nil {
			span.RecordError(err)
			s.releaseGuard(ctx, orderID)
			s.recordException(ctx, orderID, refunddomain.ExceptionKindRefundFailure,
				fmt.Sprintf("gateway refund of %d failed: %v", refundAmount, err))
			logger.Ctx(ctx).Error().Err(err).
				Str("order_id", orderID).
				Int64("amount", refundAmount).
				Msg("gateway refund failed, order unchanged")
			return err
		}
	}

	// 阶段三：重新上锁落账。
	err = s.locker.WithLock(ctx, orderID, func() error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		from := order.Status

		if err := order.MarkRefunded(refundAmount, reasonHint, s.now()); err != nil {
			if errors.Is(err, domain.ErrAlreadyApplied) {
				return nil
			}
			return err
		}
		if err := s.orders.Update(ctx, order); err != nil {
			return err
		}

		s.recordTransition(from, order.Status)
		s.notify(ctx, order, "order_refunded", map[string]string{
			"amount": fmt.Sprintf("%d", refundAmount),
			"reason": reasonHint,
		})
		logger.Ctx(ctx).Info().
			Str("order_id", order.ID).
			Int64("amount", refundAmount).
			Str("reason", reasonHint).
			Msg("order refunded")
		return nil
	})
	s.releaseGuard(ctx, orderID)
	return err
}

// ManualHandleTimeout 是运营对卡单订单的人工处置入口。
// 它复用自动路径的全部校验：非法迁移一样被拒绝，退款一样走裁决与预留。
func (s *OrderApplicationService) ManualHandleTimeout(ctx context.Context, req *ManualTimeoutRequest) error {
	ctx, span := s.tracer.Start(ctx, "order.ManualHandleTimeout")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.String("manual.action", req.Action),
	)

	reason := req.Reason
	if reason == "" {
		reason = refunddomain.ReasonManual
	}

	switch req.Action {
	case ManualActionRefund:
		return s.Refund(ctx, req.OrderID, reason, req.Amount)
	case ManualActionComplete:
		return s.FinishOrder(ctx, req.OrderID, 0, s.now())
	case ManualActionCancel:
		return s.Cancel(ctx, req.OrderID, reason)
	default:
		return fmt.Errorf("unknown manual action %q", req.Action)
	}
}

// ForceFinish 强制完成运行超时的订单：按实际已运行时长落账、
// 标记待人工复核，并在锁外尽力下发停机指令。
// 设备是否确认停机不影响订单完成，未确认的部分由复核标记兜住。
func (s *OrderApplicationService) ForceFinish(ctx context.Context, orderID string) error {
	ctx, span := s.tracer.Start(ctx, "order.ForceFinish")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	var deviceID string
	err := s.locker.WithLock(ctx, orderID, func() error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		from := order.Status
		now := s.now()

		actualMinutes := order.DurationMinutes
		if order.StartedAt != nil {
			actualMinutes = int(now.Sub(*order.StartedAt).Minutes())
		}
		if err := order.Finish(actualMinutes, now); err != nil {
			if errors.Is(err, domain.ErrAlreadyApplied) {
				return nil
			}
			return err
		}
		order.FlagForReview()
		if err := s.orders.Update(ctx, order); err != nil {
			return err
		}
		deviceID = order.DeviceID

		s.recordTransition(from, order.Status)
		s.recordException(ctx, order.ID, refunddomain.ExceptionKindUsageReview,
			fmt.Sprintf("order force-completed after running %d minutes against ordered %d", actualMinutes, order.DurationMinutes))
		logger.Ctx(ctx).Warn().
			Str("order_id", order.ID).
			Int("actual_minutes", actualMinutes).
			Msg("order force-completed, flagged for review")
		return nil
	})
	if err != nil || deviceID == "" {
		return err
	}

	// 锁外尽力停机。失败不回滚完成状态，复核标记已经打上。
	if err := s.devices.Stop(ctx, deviceID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("order_id", orderID).
			Str("device_id", deviceID).
			Msg("device stop unconfirmed after force finish")
	}
	return nil
}

// GetOrder 按 ID 查询订单。
func (s *OrderApplicationService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.orders.FindByID(ctx, orderID)
}

// GetOrderByNo 按单号查询订单。
func (s *OrderApplicationService) GetOrderByNo(ctx context.Context, orderNo string) (*domain.Order, error) {
	return s.orders.FindByNo(ctx, orderNo)
}

// transitionToWashing 在锁内把已支付订单置为运行中。
func (s *OrderApplicationService) transitionToWashing(ctx context.Context, orderID string, startedAt time.Time) error {
	return s.locker.WithLock(ctx, orderID, func() error {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return err
		}
		from := order.Status

		if err := order.StartWashing(startedAt); err != nil {
			if errors.Is(err, domain.ErrAlreadyApplied) {
				return nil
			}
			return err
		}
		if err := s.orders.Update(ctx, order); err != nil {
			return err
		}

		s.recordTransition(from, order.Status)
		s.notify(ctx, order, "order_started", nil)
		logger.Ctx(ctx).Info().Str("order_id", order.ID).Msg("order washing started")
		return nil
	})
}

// notify 投递用户通知。失败只记日志，绝不影响订单迁移结果。
func (s *OrderApplicationService) notify(ctx context.Context, order *domain.Order, template string, data map[string]string) {
	if s.notifier == nil {
		return
	}
	if data == nil {
		data = map[string]string{}
	}
	data["orderId"] = order.ID
	data["orderNo"] = order.OrderNo
	if err := s.notifier.Notify(ctx, order.UserID, template, data); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("order_id", order.ID).
			Str("template", template).
			Msg("failed to deliver notification")
	}
}

// recordException 落一条待人工处理的异常。同一订单同一类异常只保留一条
// 未解决记录，扫描器反复捞到同一失败订单时不会刷出重复行。
func (s *OrderApplicationService) recordException(ctx context.Context, orderID, kind, detail string) {
	if n, err := s.exceptions.CountOpenByOrder(ctx, orderID, kind); err == nil && n > 0 {
		return
	}
	rec := &refunddomain.ExceptionRecord{OrderID: orderID, Kind: kind, Detail: detail}
	if err := s.exceptions.Create(ctx, rec); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", orderID).Msg("failed to record exception")
	}
}

func (s *OrderApplicationService) releaseGuard(ctx context.Context, orderID string) {
	if err := s.refundGuard.Release(ctx, orderID); err != nil {
		// 预留自带 TTL，释放失败最多延迟下一次重试。
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", orderID).Msg("failed to release refund reservation")
	}
}

func (s *OrderApplicationService) recordTransition(from, to domain.Status) {
	metrics.OrderTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// newOrderNo 生成对外可读的唯一单号：时间前缀 + 随机后缀。
func newOrderNo(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return "W" + at.Format("20060102150405") + suffix
}
