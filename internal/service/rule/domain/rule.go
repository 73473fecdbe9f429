// internal/service/rule/domain/rule.go
package domain

import (
	"context"
	"encoding/json"
	"errors"
)

// Kind 区分规则集：退款规则和结算规则共用同一套引擎。
type Kind string

const (
	KindRefund     Kind = "REFUND"
	KindSettlement Kind = "SETTLEMENT"
)

var (
	// ErrNoMatch 表示有序规则列表中没有任何规则命中。
	// 调用方必须显式应用自己的兜底策略，不允许静默跳过。
	ErrNoMatch = errors.New("no rule matched")

	// ErrRuleNotFound 规则不存在。
	ErrRuleNotFound = errors.New("rule not found")
)

// Rule 是一条声明式的 条件→动作 规则。
// Conditions 是一组 CEL 布尔表达式，对 fact 求值，全部为真才算命中；
// Action 的载荷格式由各 Kind 的消费方自行定义和解析。
// Position 是列表内的显式顺序，求值严格按它排序，与 ID 无关。
type Rule struct {
	ID         int64
	Kind       Kind
	Name       string
	Enabled    bool
	Conditions []string
	Action     json.RawMessage
	Position   int
}

// RulePatch 是管理端对单条规则的原子修改。nil 字段表示不改。
type RulePatch struct {
	Enabled    *bool
	Conditions []string
	Action     json.RawMessage
	Position   *int
}

// Store 是规则的持久化接口，注册表在其之上维护内存快照。
type Store interface {
	LoadAll(ctx context.Context) ([]*Rule, error)
	Save(ctx context.Context, rule *Rule) error
}
