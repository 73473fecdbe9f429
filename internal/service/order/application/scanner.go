// internal/service/order/application/scanner.go
package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"washlink/internal/pkg/logger"
	"washlink/internal/pkg/metrics"
	"washlink/internal/service/order/domain"
	refunddomain "washlink/internal/service/refund/domain"
	settlementapp "washlink/internal/service/settlement/application"
	settlementdomain "washlink/internal/service/settlement/domain"
	"washlink/internal/zookeeper"
)

const (
	sweepPayment     = "payment"
	sweepDeviceStart = "device_start"
	sweepUsage       = "usage"
	sweepSettlement  = "settlement"
)

// TimeoutScanner 周期性捞出四类超时订单并驱动补救动作。
// 扫描只负责发现候选，处置全部复用应用服务的正常路径，
// 因此锁、裁决、预留的约束对扫描同样生效。
// 单实例部署多个扫描进程也是安全的：并发竞争的输家拿到的
// 都是良性错误（重复应用 / 预留被占 / 版本冲突），按空操作处理。
type TimeoutScanner struct {
	orders      domain.OrderRepository
	svc         *OrderApplicationService
	settlements *settlementapp.Service

	// policy 每轮取一次，配置热更新对在途订单立即生效。
	policy func() domain.TimeoutPolicy
	tracer trace.Tracer

	now         func() time.Time
	batchLimit  int // 每轮每类扫描最多捞取的订单数
	concurrency int // 单轮内并发处置的上限
}

func NewTimeoutScanner(
	orders domain.OrderRepository,
	svc *OrderApplicationService,
	settlements *settlementapp.Service,
	policy func() domain.TimeoutPolicy,
	tracer trace.Tracer,
) *TimeoutScanner {
	return &TimeoutScanner{
		orders:      orders,
		svc:         svc,
		settlements: settlements,
		policy:      policy,
		tracer:      tracer,
		now:         time.Now,
		batchLimit:  200,
		concurrency: 8,
	}
}

// Run 阻塞运行扫描循环，直到 ctx 取消。
// 每个间隔依次跑四类扫描；单笔订单的失败只记日志，不中断本轮。
func (sc *TimeoutScanner) Run(ctx context.Context, interval time.Duration) {
	logger.Ctx(ctx).Info().Dur("interval", interval).Msg("timeout scanner started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("timeout scanner stopped")
			return
		case <-ticker.C:
			sc.RunOnce(ctx)
		}
	}
}

// RunOnce 执行一轮完整扫描，测试和手工触发也走这里。
func (sc *TimeoutScanner) RunOnce(ctx context.Context) {
	sc.ScanPaymentTimeouts(ctx)
	sc.ScanDeviceStartTimeouts(ctx)
	sc.ScanUsageTimeouts(ctx)
	sc.ScanSettlementTimeouts(ctx)
}

// ScanPaymentTimeouts 取消超过支付时限仍未支付的订单。
func (sc *TimeoutScanner) ScanPaymentTimeouts(ctx context.Context) {
	ctx, span := sc.tracer.Start(ctx, "scanner.PaymentTimeouts")
	defer span.End()

	policy := sc.policy()
	now := sc.now()
	orders, err := sc.orders.FindPendingBefore(ctx, now.Add(-policy.Payment), sc.batchLimit)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("payment timeout sweep query failed")
		return
	}
	span.SetAttributes(attribute.Int("sweep.candidates", len(orders)))

	sc.forEach(ctx, sweepPayment, orders, func(ctx context.Context, o *domain.Order) error {
		// 捞取和处置之间存在窗口，基于策略再判一次。
		if !policy.PaymentOverdue(o, now) {
			return nil
		}
		return sc.svc.Cancel(ctx, o.ID, refunddomain.ReasonPaymentTimeout)
	})
}

// ScanDeviceStartTimeouts 对已支付但设备迟迟未启动的订单发起退款。
func (sc *TimeoutScanner) ScanDeviceStartTimeouts(ctx context.Context) {
	ctx, span := sc.tracer.Start(ctx, "scanner.DeviceStartTimeouts")
	defer span.End()

	policy := sc.policy()
	now := sc.now()
	orders, err := sc.orders.FindPaidBefore(ctx, now.Add(-policy.DeviceStart), sc.batchLimit)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("device start timeout sweep query failed")
		return
	}
	span.SetAttributes(attribute.Int("sweep.candidates", len(orders)))

	sc.forEach(ctx, sweepDeviceStart, orders, func(ctx context.Context, o *domain.Order) error {
		if !policy.DeviceStartOverdue(o, now) {
			return nil
		}
		return sc.svc.Refund(ctx, o.ID, refunddomain.ReasonDeviceStartTimeout, 0)
	})
}

// ScanUsageTimeouts 强制完成运行时间超过 下单时长×倍数 的订单。
func (sc *TimeoutScanner) ScanUsageTimeouts(ctx context.Context) {
	ctx, span := sc.tracer.Start(ctx, "scanner.UsageTimeouts")
	defer span.End()

	policy := sc.policy()
	now := sc.now()
	orders, err := sc.orders.FindWashingOverdue(ctx, policy.UsageMultiplier, now, sc.batchLimit)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("usage timeout sweep query failed")
		return
	}
	span.SetAttributes(attribute.Int("sweep.candidates", len(orders)))

	sc.forEach(ctx, sweepUsage, orders, func(ctx context.Context, o *domain.Order) error {
		if !policy.UsageOverdue(o, now) {
			return nil
		}
		return sc.svc.ForceFinish(ctx, o.ID)
	})
}

// ScanSettlementTimeouts 补偿超时未结算的完成单：按商户触发自动结算。
// 结算台账已存在但订单仍未标记时不重复记账，转为运营可见的异常。
func (sc *TimeoutScanner) ScanSettlementTimeouts(ctx context.Context) {
	ctx, span := sc.tracer.Start(ctx, "scanner.SettlementTimeouts")
	defer span.End()

	policy := sc.policy()
	now := sc.now()
	orders, err := sc.orders.FindUnsettledBefore(ctx, now.Add(-policy.Settlement), sc.batchLimit)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("settlement timeout sweep query failed")
		return
	}
	span.SetAttributes(attribute.Int("sweep.candidates", len(orders)))
	if len(orders) == 0 {
		return
	}

	// 结算以商户 × 自然日为一期。期末不能越过超时线，否则当天
	// 尚未到期的订单会被一并卷入，晚些完成的订单就永远结不上了。
	// 截断到整点，保证并发扫描算出同一期，由台账唯一键判重。
	cutoff := now.Add(-policy.Settlement).Truncate(time.Hour)
	type period struct {
		merchantID string
		day        time.Time
	}
	periods := make(map[period]int)
	for _, o := range orders {
		if o.FinishedAt == nil {
			continue
		}
		periods[period{o.MerchantID, o.FinishedAt.Truncate(24 * time.Hour)}]++
	}

	for p, count := range periods {
		metrics.SweepPickups.WithLabelValues(sweepSettlement).Add(float64(count))
		periodStart := p.day
		periodEnd := p.day.Add(24 * time.Hour)
		if periodEnd.After(cutoff) {
			periodEnd = cutoff
		}
		if !periodEnd.After(periodStart) {
			continue
		}

		// 有未解决结算异常的商户先跳过，等人工处理完再恢复自动结算。
		if stuck, err := sc.settlements.HasOpenFailure(ctx, p.merchantID); err == nil && stuck {
			logger.Ctx(ctx).Warn().Str("merchant_id", p.merchantID).Msg("skipping settlement for merchant with open exception")
			continue
		}

		_, err := sc.settlements.ComputeSettlement(ctx, p.merchantID, periodStart, periodEnd)
		if err != nil {
			if errors.Is(err, settlementdomain.ErrAlreadySettled) {
				// 台账在、订单没标上：不可重复记账，留痕等人工。
				sc.settlements.RecordFailure(ctx, p.merchantID,
					errors.Errorf("settlement exists for %s but %d orders remain unsettled", p.day.Format("2006-01-02"), count))
				continue
			}
			logger.Ctx(ctx).Error().Err(err).
				Str("merchant_id", p.merchantID).
				Time("period_start", periodStart).
				Msg("compensating settlement failed")
			sc.settlements.RecordFailure(ctx, p.merchantID, err)
		}
	}
}

// forEach 并发处置一批候选订单，良性并发错误按空操作处理。
func (sc *TimeoutScanner) forEach(ctx context.Context, sweep string, orders []*domain.Order, handle func(context.Context, *domain.Order) error) {
	if len(orders) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sc.concurrency)
	for _, o := range orders {
		o := o
		metrics.SweepPickups.WithLabelValues(sweep).Inc()
		g.Go(func() error {
			if err := handle(ctx, o); err != nil && !isBenign(err) {
				logger.Ctx(ctx).Error().Err(err).
					Str("sweep", sweep).
					Str("order_id", o.ID).
					Msg("sweep remediation failed")
			}
			// 单笔失败不放大，永远返回 nil 以跑完整批。
			return nil
		})
	}
	_ = g.Wait()
}

// isBenign 识别多执行者竞争同一订单时的无害结果。
func isBenign(err error) bool {
	return errors.Is(err, domain.ErrAlreadyApplied) ||
		errors.Is(err, domain.ErrConcurrentModification) ||
		errors.Is(err, domain.ErrRefundInProgress) ||
		errors.Is(err, domain.ErrInvalidStateTransition) ||
		errors.Is(err, zookeeper.ErrLockTimeout)
}
