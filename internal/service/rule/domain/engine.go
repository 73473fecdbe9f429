// internal/service/rule/domain/engine.go
package domain

import (
	"context"
	"fmt"
)

// ConditionEvaluator 对单个条件表达式求值。
// 具体实现（CEL）在基础设施层，这里只依赖接口。
type ConditionEvaluator interface {
	EvalBool(ctx context.Context, expr string, fact map[string]interface{}) (bool, error)
}

// Engine 是首条命中即停的规则求值器。
// 退款引擎和结算引擎共用它，语义完全一致。
type Engine struct {
	evaluator ConditionEvaluator
}

func NewEngine(evaluator ConditionEvaluator) *Engine {
	return &Engine{evaluator: evaluator}
}

// Evaluate 按列表顺序逐条求值：
// 跳过未启用的规则；一条规则的全部条件对 fact 均为真即命中，
// 立即返回该规则，后面的规则不再看（first-match-wins）。
// 无任何命中返回 ErrNoMatch，由调用方决定兜底。
func (e *Engine) Evaluate(ctx context.Context, rules []*Rule, fact map[string]interface{}) (*Rule, error) {
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		matched := true
		for _, cond := range r.Conditions {
			ok, err := e.evaluator.EvalBool(ctx, cond, fact)
			if err != nil {
				// 表达式本身有问题属于配置错误，整体失败并带上规则信息
				return nil, fmt.Errorf("rule %d (%s) condition %q failed to evaluate: %w", r.ID, r.Name, cond, err)
			}
			if !ok {
				matched = false
				break
			}
		}
		if matched {
			return r, nil
		}
	}
	return nil, ErrNoMatch
}
