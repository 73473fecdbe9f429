// internal/service/settlement/domain/settlement.go
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tier 是一档阶梯佣金：本期营收不超过 UpTo（分）时适用 Rate。
// UpTo <= 0 表示无上限档。档位按配置顺序求值，首个覆盖营收的档生效。
type Tier struct {
	UpTo int64   `json:"upTo"`
	Rate float64 `json:"rate"` // 商户分成比例，如 0.85
}

// Adjustment 是一条奖励或扣减子条件。
// Kind 决定比较对象：ORDER_COUNT 比订单量，REVENUE 比营收。
// 满足 Threshold 即应用 Amount（分）。
type Adjustment struct {
	Kind      string `json:"kind"` // ORDER_COUNT / REVENUE
	Threshold int64  `json:"threshold"`
	Amount    int64  `json:"amount"`
}

const (
	AdjustmentKindOrderCount = "ORDER_COUNT"
	AdjustmentKindRevenue    = "REVENUE"
)

// Action 是结算规则 Action 字段的载荷：阶梯表 + 奖励表 + 扣减表。
type Action struct {
	Tiers      []Tier       `json:"tiers"`
	Bonuses    []Adjustment `json:"bonuses,omitempty"`
	Deductions []Adjustment `json:"deductions,omitempty"`
}

// ParseAction 解析结算规则动作载荷。
func ParseAction(raw json.RawMessage) (*Action, error) {
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("malformed settlement action: %w", err)
	}
	if len(a.Tiers) == 0 {
		return nil, fmt.Errorf("settlement action has no tiers")
	}
	return &a, nil
}

// RateFor 返回营收适用的分成比例：按顺序找到第一个覆盖营收的档。
func (a *Action) RateFor(totalRevenue int64) float64 {
	for _, t := range a.Tiers {
		if t.UpTo <= 0 || totalRevenue <= t.UpTo {
			return t.Rate
		}
	}
	// 所有档都有上限且营收都超过时，用最后一档
	return a.Tiers[len(a.Tiers)-1].Rate
}

// Apply 计算满足条件的调整项总额。
func ApplyAdjustments(adjs []Adjustment, totalRevenue int64, orderCount int) int64 {
	var sum int64
	for _, adj := range adjs {
		switch adj.Kind {
		case AdjustmentKindOrderCount:
			if int64(orderCount) >= adj.Threshold {
				sum += adj.Amount
			}
		case AdjustmentKindRevenue:
			if totalRevenue >= adj.Threshold {
				sum += adj.Amount
			}
		}
	}
	return sum
}

// SettlementRecord 是一期结算的结果，只追加、不修改。
// 对已结算期的重算必须走人工触发，产生一条 Manual=true 的新记录。
type SettlementRecord struct {
	ID              int64
	MerchantID      string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	TotalRevenue    int64
	CommissionRate  float64
	MerchantShare   int64
	BonusAmount     int64
	DeductionAmount int64
	FinalAmount     int64
	OrderCount      int
	RuleID          int64 // 命中的结算规则，兜底默认档时为 0
	Manual          bool
	CreatedAt       time.Time
}
