// internal/service/rule/infrastructure/cel_evaluator.go
package infrastructure

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"washlink/internal/service/rule/domain"
)

// CELEvaluator 是 domain.ConditionEvaluator 的 cel-go 实现。
// 条件表达式形如 `fact.reason == 'device_start_timeout' && fact.paidAmount > 0`。
// 编译后的 Program 按表达式缓存，热路径上只做求值。
type CELEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCELEvaluator 创建求值器。规则上下文统一以 `fact` 变量注入。
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("fact", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cel environment: %w", err)
	}
	return &CELEvaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// EvalBool 实现 domain.ConditionEvaluator。
func (e *CELEvaluator) EvalBool(_ context.Context, expr string, fact map[string]interface{}) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]interface{}{"fact": fact})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate expression %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to bool, got %T", expr, out.Value())
	}
	return result, nil
}

func (e *CELEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build program for %q: %w", expr, err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

var _ domain.ConditionEvaluator = (*CELEvaluator)(nil)
