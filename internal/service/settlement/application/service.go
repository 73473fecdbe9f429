// internal/service/settlement/application/service.go
package application

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"washlink/internal/pkg/logger"
	refunddomain "washlink/internal/service/refund/domain"
	ruledomain "washlink/internal/service/rule/domain"
	"washlink/internal/service/settlement/domain"
)

// defaultAction 是没有任何结算规则命中时的显式兜底档。
// 兜底必须显式，规则无命中绝不允许静默跳过结算。
var defaultAction = domain.Action{
	Tiers: []domain.Tier{{UpTo: 0, Rate: 0.85}},
}

// RuleSource 提供有序的结算规则列表。
type RuleSource interface {
	GetRules(kind ruledomain.Kind) []*ruledomain.Rule
}

// Service 是结算引擎：聚合商户周期内的完成单，按规则算出分成。
type Service struct {
	settlements domain.SettlementRepository
	orders      domain.OrderSource
	rules       RuleSource
	engine      *ruledomain.Engine
	exceptions  refunddomain.ExceptionStore
	tracer      trace.Tracer
}

func NewService(
	settlements domain.SettlementRepository,
	orders domain.OrderSource,
	rules RuleSource,
	engine *ruledomain.Engine,
	exceptions refunddomain.ExceptionStore,
	tracer trace.Tracer,
) *Service {
	return &Service{
		settlements: settlements,
		orders:      orders,
		rules:       rules,
		engine:      engine,
		exceptions:  exceptions,
		tracer:      tracer,
	}
}

// ComputeSettlement 对商户做一期自动结算。
// 同一 (merchant, period) 的自动结算只允许一次，重复调用返回 ErrAlreadySettled；
// 重算走 ManualSettle，追加新记录而不是改旧的。
func (s *Service) ComputeSettlement(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (*domain.SettlementRecord, error) {
	return s.settle(ctx, merchantID, periodStart, periodEnd, false)
}

// ManualSettle 是运营显式触发的重算，产生一条 Manual=true 的新台账记录。
// 校验逻辑与自动路径完全一致，包括规则 enabled 的检查。
func (s *Service) ManualSettle(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (*domain.SettlementRecord, error) {
	return s.settle(ctx, merchantID, periodStart, periodEnd, true)
}

func (s *Service) settle(ctx context.Context, merchantID string, periodStart, periodEnd time.Time, manual bool) (*domain.SettlementRecord, error) {
	ctx, span := s.tracer.Start(ctx, "settlement.Compute")
	defer span.End()
	span.SetAttributes(
		attribute.String("merchant.id", merchantID),
		attribute.Bool("settlement.manual", manual),
	)

	// 判重的权威是台账的自动结算唯一键（Create 撞键返回 ErrAlreadySettled），
	// 这里只是省一次无谓聚合的快速检查。
	if !manual {
		exists, err := s.settlements.ExistsForPeriod(ctx, merchantID, periodStart, periodEnd)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, domain.ErrAlreadySettled
		}
	}

	orders, err := s.orders.CompletedOrders(ctx, merchantID, periodStart, periodEnd)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load completed orders for merchant %s", merchantID)
	}

	var totalRevenue int64
	orderIDs := make([]string, 0, len(orders))
	for _, o := range orders {
		totalRevenue += o.PaidAmount
		orderIDs = append(orderIDs, o.OrderID)
	}
	orderCount := len(orders)

	action, ruleID, err := s.resolveAction(ctx, merchantID, totalRevenue, orderCount, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	rate := action.RateFor(totalRevenue)
	merchantShare := int64(float64(totalRevenue) * rate)
	bonus := domain.ApplyAdjustments(action.Bonuses, totalRevenue, orderCount)
	deduction := domain.ApplyAdjustments(action.Deductions, totalRevenue, orderCount)

	rec := &domain.SettlementRecord{
		MerchantID:      merchantID,
		PeriodStart:     periodStart,
		PeriodEnd:       periodEnd,
		TotalRevenue:    totalRevenue,
		CommissionRate:  rate,
		MerchantShare:   merchantShare,
		BonusAmount:     bonus,
		DeductionAmount: deduction,
		FinalAmount:     merchantShare + bonus - deduction,
		OrderCount:      orderCount,
		RuleID:          ruleID,
		Manual:          manual,
	}
	if err := s.settlements.Create(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrAlreadySettled) {
			// 并发扫描同时通过了前置检查，唯一键只放行了先到的一方。
			return nil, domain.ErrAlreadySettled
		}
		return nil, errors.Wrapf(err, "failed to persist settlement for merchant %s", merchantID)
	}

	if len(orderIDs) > 0 {
		if err := s.orders.MarkSettled(ctx, orderIDs); err != nil {
			// 台账已写入，订单标记失败会被结算超时扫描再次发现；
			// 幂等依赖 ExistsForPeriod 的判重，这里只记异常。
			logger.Ctx(ctx).Error().Err(err).Str("merchant_id", merchantID).Msg("failed to mark orders settled")
			s.recordException(ctx, merchantID, fmt.Sprintf("settlement persisted but %d orders not marked: %v", len(orderIDs), err))
		}
	}

	logger.Ctx(ctx).Info().
		Str("merchant_id", merchantID).
		Int64("total_revenue", totalRevenue).
		Int64("final_amount", rec.FinalAmount).
		Int("order_count", orderCount).
		Bool("manual", manual).
		Msg("settlement computed")
	return rec, nil
}

// resolveAction 选择商户适用的结算规则，无命中时落到显式默认档。
func (s *Service) resolveAction(ctx context.Context, merchantID string, totalRevenue int64, orderCount int, periodStart, periodEnd time.Time) (*domain.Action, int64, error) {
	fact := map[string]interface{}{
		"merchantId":   merchantID,
		"totalRevenue": totalRevenue,
		"orderCount":   orderCount,
		"periodDays":   int(periodEnd.Sub(periodStart).Hours() / 24),
	}
	matched, err := s.engine.Evaluate(ctx, s.rules.GetRules(ruledomain.KindSettlement), fact)
	if err != nil {
		if errors.Is(err, ruledomain.ErrNoMatch) {
			logger.Ctx(ctx).Info().Str("merchant_id", merchantID).Msg("no settlement rule matched, falling back to default tier")
			return &defaultAction, 0, nil
		}
		return nil, 0, err
	}

	action, err := domain.ParseAction(matched.Action)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "settlement rule %d has malformed action", matched.ID)
	}
	return action, matched.ID, nil
}

// RecordFailure 在结算反复失败时写一条运营可见的异常记录。
func (s *Service) RecordFailure(ctx context.Context, merchantID string, cause error) {
	s.recordException(ctx, merchantID, cause.Error())
}

// HasOpenFailure 报告商户是否存在未解决的结算异常。
// 有异常在手的商户不允许继续自动结算，避免在台账和订单标记
// 脱节的状态上叠加新的记账。
func (s *Service) HasOpenFailure(ctx context.Context, merchantID string) (bool, error) {
	n, err := s.exceptions.CountOpenByOrder(ctx, merchantID, refunddomain.ExceptionKindSettlementFailure)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Service) recordException(ctx context.Context, merchantID, detail string) {
	rec := &refunddomain.ExceptionRecord{
		OrderID: merchantID, // 结算异常以商户维度记录
		Kind:    refunddomain.ExceptionKindSettlementFailure,
		Detail:  detail,
	}
	if err := s.exceptions.Create(ctx, rec); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("merchant_id", merchantID).Msg("failed to record settlement exception")
	}
}

// ListSettlements 查询商户的结算台账。
func (s *Service) ListSettlements(ctx context.Context, merchantID string, limit int) ([]*domain.SettlementRecord, error) {
	return s.settlements.ListByMerchant(ctx, merchantID, limit)
}

// MerchantsWithBacklog 返回截止 before 仍有未结算完成单的商户，
// 运营用来排查被异常卡住或一直结不上的商户。
func (s *Service) MerchantsWithBacklog(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return s.orders.MerchantsWithUnsettled(ctx, before, limit)
}
