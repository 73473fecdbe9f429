// internal/service/refund/application/engine.go
package application

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"washlink/internal/pkg/logger"
	orderdomain "washlink/internal/service/order/domain"
	"washlink/internal/service/refund/domain"
	ruledomain "washlink/internal/service/rule/domain"
)

// RuleSource 提供有序的退款规则列表，由规则注册表实现。
type RuleSource interface {
	GetRules(kind ruledomain.Kind) []*ruledomain.Rule
}

// Engine 是退款裁决引擎：把订单和原因转成 fact，
// 跑一遍共享规则引擎，产出退款类型与金额。
// 它只做裁决，不碰网关、不改订单；执行编排在订单应用服务里。
type Engine struct {
	rules  RuleSource
	engine *ruledomain.Engine
	tracer trace.Tracer
}

func NewEngine(rules RuleSource, engine *ruledomain.Engine, tracer trace.Tracer) *Engine {
	return &Engine{rules: rules, engine: engine, tracer: tracer}
}

// Evaluate 对订单做退款裁决。
// 无规则命中时返回 ruledomain.ErrNoMatch，调用方显式兜底（记异常、等人工），
// 绝不静默跳过。
func (e *Engine) Evaluate(ctx context.Context, order *orderdomain.Order, reasonHint string) (*domain.Decision, error) {
	ctx, span := e.tracer.Start(ctx, "refund.Evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("refund.reason_hint", reasonHint),
	)

	fact := buildFact(order, reasonHint)
	matched, err := e.engine.Evaluate(ctx, e.rules.GetRules(ruledomain.KindRefund), fact)
	if err != nil {
		if errors.Is(err, ruledomain.ErrNoMatch) {
			logger.Ctx(ctx).Warn().
				Str("order_id", order.ID).
				Str("reason", reasonHint).
				Msg("no refund rule matched")
			return nil, err
		}
		span.RecordError(err)
		return nil, err
	}

	action, err := domain.ParseAction(matched.Action)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrapf(err, "rule %d has malformed action", matched.ID)
	}

	decision := &domain.Decision{
		Type:   action.Type,
		Amount: action.AmountFor(order.PaidAmount),
		RuleID: matched.ID,
		Reason: reasonHint,
	}
	span.SetAttributes(
		attribute.Int64("refund.rule_id", matched.ID),
		attribute.String("refund.type", string(decision.Type)),
		attribute.Int64("refund.amount", decision.Amount),
	)
	return decision, nil
}

// buildFact 把订单展平成规则引擎的求值上下文。
// 字段名是规则表达式的公开契约，改名等于改规则语言。
func buildFact(order *orderdomain.Order, reasonHint string) map[string]interface{} {
	return map[string]interface{}{
		"orderId":         order.ID,
		"merchantId":      order.MerchantID,
		"status":          string(order.Status),
		"reason":          reasonHint,
		"amount":          order.Amount,
		"paidAmount":      order.PaidAmount,
		"refundAmount":    order.RefundAmount,
		"balanceUsed":     order.BalanceUsed,
		"giftBalanceUsed": order.GiftBalanceUsed,
		"paymentMethod":   string(order.PaymentMethod),
		"durationMinutes": order.DurationMinutes,
		"needsReview":     order.NeedsReview,
	}
}
