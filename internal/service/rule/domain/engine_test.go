package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// mapEvaluator 用预置的真值表代替表达式求值。
type mapEvaluator struct {
	results map[string]bool
	errs    map[string]error
	calls   []string
}

func (e *mapEvaluator) EvalBool(ctx context.Context, expr string, fact map[string]interface{}) (bool, error) {
	e.calls = append(e.calls, expr)
	if err, ok := e.errs[expr]; ok {
		return false, err
	}
	return e.results[expr], nil
}

func rule(id int64, enabled bool, conds ...string) *Rule {
	return &Rule{
		ID:         id,
		Kind:       KindRefund,
		Name:       fmt.Sprintf("rule-%d", id),
		Enabled:    enabled,
		Conditions: conds,
		Action:     json.RawMessage(`{}`),
		Position:   int(id),
	}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	// A 不命中，B、C 都命中：必须返回 B，且 C 的条件根本不被求值
	ev := &mapEvaluator{results: map[string]bool{"a": false, "b": true, "c": true}}
	engine := NewEngine(ev)

	matched, err := engine.Evaluate(context.Background(), []*Rule{
		rule(1, true, "a"),
		rule(2, true, "b"),
		rule(3, true, "c"),
	}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if matched.ID != 2 {
		t.Errorf("matched rule %d, want 2", matched.ID)
	}
	for _, call := range ev.calls {
		if call == "c" {
			t.Error("later rule evaluated after a match")
		}
	}
}

func TestEvaluateSkipsDisabled(t *testing.T) {
	ev := &mapEvaluator{results: map[string]bool{"a": true, "b": true}}
	engine := NewEngine(ev)

	matched, err := engine.Evaluate(context.Background(), []*Rule{
		rule(1, false, "a"),
		rule(2, true, "b"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if matched.ID != 2 {
		t.Errorf("matched rule %d, want 2", matched.ID)
	}
	for _, call := range ev.calls {
		if call == "a" {
			t.Error("disabled rule's condition was evaluated")
		}
	}
}

func TestEvaluateAllConditionsMustHold(t *testing.T) {
	ev := &mapEvaluator{results: map[string]bool{"x": true, "y": false, "z": true}}
	engine := NewEngine(ev)

	_, err := engine.Evaluate(context.Background(), []*Rule{rule(1, true, "x", "y", "z")}, nil)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err = %v, want ErrNoMatch", err)
	}
}

func TestEvaluateNoMatch(t *testing.T) {
	engine := NewEngine(&mapEvaluator{})
	_, err := engine.Evaluate(context.Background(), []*Rule{rule(1, true, "a")}, nil)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err = %v, want ErrNoMatch", err)
	}

	// 空列表同样是无命中
	_, err = engine.Evaluate(context.Background(), nil, nil)
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("empty rules err = %v, want ErrNoMatch", err)
	}
}

func TestEvaluateBrokenConditionFails(t *testing.T) {
	broken := errors.New("compile error")
	ev := &mapEvaluator{errs: map[string]error{"bad": broken}}
	engine := NewEngine(ev)

	_, err := engine.Evaluate(context.Background(), []*Rule{rule(1, true, "bad")}, nil)
	if !errors.Is(err, broken) {
		t.Fatalf("err = %v, want wrapped compile error", err)
	}
}
