// internal/service/refund/domain/refund.go
package domain

import (
	"encoding/json"
	"fmt"
)

// 标准化的退款原因，同时作为规则 fact 的 reason 字段取值。
const (
	ReasonPaymentTimeout     = "payment_timeout"
	ReasonDeviceStartTimeout = "device_start_timeout"
	ReasonDeviceStartFailure = "device_start_failure"
	ReasonDeviceFault        = "device_fault"
	ReasonUserComplaint      = "user_complaint"
	ReasonManual             = "manual"
)

// RefundType 是规则动作给出的退款类型。
type RefundType string

const (
	RefundTypeFull    RefundType = "FULL"
	RefundTypePartial RefundType = "PARTIAL"
	RefundTypeNone    RefundType = "NONE"
)

// Action 是退款规则 Action 字段的载荷。
// PARTIAL 时 Percent 和 Fixed 二选一：Percent 按留存已付金额的百分比，
// Fixed 为固定金额（分），两者都会被截断到不超过留存已付金额。
type Action struct {
	Type    RefundType `json:"type"`
	Percent int        `json:"percent,omitempty"`
	Fixed   int64      `json:"fixed,omitempty"`
}

// ParseAction 解析规则动作载荷。
func ParseAction(raw json.RawMessage) (*Action, error) {
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("malformed refund action: %w", err)
	}
	switch a.Type {
	case RefundTypeFull, RefundTypePartial, RefundTypeNone:
	default:
		return nil, fmt.Errorf("unknown refund type %q", a.Type)
	}
	return &a, nil
}

// Decision 是退款引擎对一笔订单的裁决。
type Decision struct {
	Type   RefundType
	Amount int64 // 应退金额（分），NONE 时为 0
	RuleID int64 // 命中的规则；人工覆盖时为 0
	Reason string
}

// AmountFor 按动作和留存已付金额计算应退金额。
func (a *Action) AmountFor(retainedPaid int64) int64 {
	switch a.Type {
	case RefundTypeFull:
		return retainedPaid
	case RefundTypePartial:
		amount := a.Fixed
		if a.Percent > 0 {
			amount = retainedPaid * int64(a.Percent) / 100
		}
		if amount > retainedPaid {
			amount = retainedPaid
		}
		if amount < 0 {
			amount = 0
		}
		return amount
	default:
		return 0
	}
}
