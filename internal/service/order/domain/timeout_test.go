package domain

import (
	"testing"
	"time"
)

var testPolicy = TimeoutPolicy{
	Payment:         15 * time.Minute,
	DeviceStart:     5 * time.Minute,
	UsageMultiplier: 2.0,
	Settlement:      60 * time.Minute,
}

func TestPaymentOverdue(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	o := &Order{Status: StatusPending, CreatedAt: base}

	// 边界严格大于：恰好等于阈值不算超时
	cases := []struct {
		name    string
		now     time.Time
		overdue bool
	}{
		{"one second before threshold", base.Add(15*time.Minute - time.Second), false},
		{"exactly at threshold", base.Add(15 * time.Minute), false},
		{"one second past threshold", base.Add(15*time.Minute + time.Second), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := testPolicy.PaymentOverdue(o, tc.now); got != tc.overdue {
				t.Errorf("got %v, want %v", got, tc.overdue)
			}
		})
	}

	paid := &Order{Status: StatusPaid, CreatedAt: base}
	if testPolicy.PaymentOverdue(paid, base.Add(time.Hour)) {
		t.Error("paid order flagged as payment overdue")
	}
}

func TestDeviceStartOverdue(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	paidAt := base
	o := &Order{Status: StatusPaid, PaidAt: &paidAt}

	if testPolicy.DeviceStartOverdue(o, base.Add(5*time.Minute)) {
		t.Error("overdue at exact threshold")
	}
	if !testPolicy.DeviceStartOverdue(o, base.Add(5*time.Minute+time.Second)) {
		t.Error("not overdue past threshold")
	}

	noPaidAt := &Order{Status: StatusPaid}
	if testPolicy.DeviceStartOverdue(noPaidAt, base.Add(time.Hour)) {
		t.Error("order without PaidAt flagged as overdue")
	}
}

func TestUsageOverdue(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	startedAt := base
	// 30 分钟订单 × 2.0 倍 = 最长 60 分钟
	o := &Order{Status: StatusWashing, DurationMinutes: 30, StartedAt: &startedAt}

	if testPolicy.UsageOverdue(o, base.Add(60*time.Minute)) {
		t.Error("overdue at exact limit")
	}
	if !testPolicy.UsageOverdue(o, base.Add(60*time.Minute+time.Second)) {
		t.Error("not overdue past limit")
	}

	completed := &Order{Status: StatusCompleted, DurationMinutes: 30, StartedAt: &startedAt}
	if testPolicy.UsageOverdue(completed, base.Add(2*time.Hour)) {
		t.Error("completed order flagged as usage overdue")
	}
}

func TestSettlementOverdue(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	finishedAt := base
	o := &Order{Status: StatusCompleted, FinishedAt: &finishedAt}

	if testPolicy.SettlementOverdue(o, base.Add(60*time.Minute)) {
		t.Error("overdue at exact threshold")
	}
	if !testPolicy.SettlementOverdue(o, base.Add(61*time.Minute)) {
		t.Error("not overdue past threshold")
	}

	settled := &Order{Status: StatusCompleted, Settled: true, FinishedAt: &finishedAt}
	if testPolicy.SettlementOverdue(settled, base.Add(2*time.Hour)) {
		t.Error("settled order flagged as settlement overdue")
	}
}
