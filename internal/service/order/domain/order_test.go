package domain

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"
)

func newTestOrder(t *testing.T) *Order {
	t.Helper()
	o, err := NewOrder("ord-1", "W20250101000000ABCD1234", "user-1", "dev-1", "mer-1", 2000, 30)
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	return o
}

func paidTestOrder(t *testing.T) *Order {
	t.Helper()
	o := newTestOrder(t)
	if err := o.MarkPaid(PaymentResult{TransactionID: "txn-1", Amount: 2000, Method: PaymentMethodWechat, PaidAt: time.Now()}); err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	return o
}

func TestNewOrderValidation(t *testing.T) {
	cases := []struct {
		name            string
		userID          string
		amount          int64
		durationMinutes int
	}{
		{"empty user", "", 2000, 30},
		{"zero amount", "user-1", 0, 30},
		{"negative amount", "user-1", -1, 30},
		{"zero duration", "user-1", 2000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewOrder("id", "no", tc.userID, "dev", "mer", tc.amount, tc.durationMinutes); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLegalTransitions(t *testing.T) {
	cases := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusPaid, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusWashing, false},
		{StatusPending, StatusRefunded, false},
		{StatusPaid, StatusWashing, true},
		{StatusPaid, StatusRefunded, true},
		{StatusPaid, StatusCancelled, false},
		{StatusWashing, StatusCompleted, true},
		{StatusWashing, StatusRefunded, true},
		{StatusWashing, StatusPending, false},
		{StatusCompleted, StatusRefunded, true},
		{StatusCompleted, StatusWashing, false},
		{StatusCancelled, StatusPaid, false},
		{StatusRefunded, StatusCompleted, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestMarkPaid(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		o := newTestOrder(t)
		err := o.MarkPaid(PaymentResult{TransactionID: "txn-1", Amount: 1500, BalanceUsed: 300, GiftBalanceUsed: 200, Method: PaymentMethodWechat, PaidAt: time.Now()})
		if err != nil {
			t.Fatalf("MarkPaid: %v", err)
		}
		if o.Status != StatusPaid {
			t.Errorf("status = %s, want %s", o.Status, StatusPaid)
		}
		if o.PaidAmount != 2000 {
			t.Errorf("PaidAmount = %d, want 2000", o.PaidAmount)
		}
		if o.PaidAt == nil {
			t.Error("PaidAt not set")
		}
	})

	t.Run("duplicate callback is a no-op", func(t *testing.T) {
		o := paidTestOrder(t)
		err := o.MarkPaid(PaymentResult{TransactionID: "txn-1", Amount: 2000, Method: PaymentMethodWechat, PaidAt: time.Now()})
		if !errors.Is(err, ErrAlreadyApplied) {
			t.Fatalf("err = %v, want ErrAlreadyApplied", err)
		}
		if o.PaidAmount != 2000 {
			t.Errorf("duplicate callback changed PaidAmount to %d", o.PaidAmount)
		}
	})

	t.Run("different transaction on paid order", func(t *testing.T) {
		o := paidTestOrder(t)
		err := o.MarkPaid(PaymentResult{TransactionID: "txn-2", Amount: 2000, Method: PaymentMethodWechat, PaidAt: time.Now()})
		if !errors.Is(err, ErrAlreadyPaid) {
			t.Fatalf("err = %v, want ErrAlreadyPaid", err)
		}
	})

	t.Run("amount mismatch keeps order pending", func(t *testing.T) {
		o := newTestOrder(t)
		err := o.MarkPaid(PaymentResult{TransactionID: "txn-1", Amount: 1999, Method: PaymentMethodWechat, PaidAt: time.Now()})
		if !errors.Is(err, ErrPaymentMismatch) {
			t.Fatalf("err = %v, want ErrPaymentMismatch", err)
		}
		if o.Status != StatusPending || o.PaidAmount != 0 {
			t.Errorf("mismatch mutated order: status=%s paid=%d", o.Status, o.PaidAmount)
		}
	})
}

func TestStartWashing(t *testing.T) {
	o := paidTestOrder(t)
	startedAt := time.Now()
	if err := o.StartWashing(startedAt); err != nil {
		t.Fatalf("StartWashing: %v", err)
	}
	if o.Status != StatusWashing || o.StartedAt == nil {
		t.Fatalf("status=%s startedAt=%v", o.Status, o.StartedAt)
	}

	// 重复的启动回调是空操作
	if err := o.StartWashing(time.Now()); !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("duplicate start err = %v, want ErrAlreadyApplied", err)
	}

	// pending 订单不可启动
	fresh := newTestOrder(t)
	if err := fresh.StartWashing(time.Now()); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("pending start err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestFinish(t *testing.T) {
	o := paidTestOrder(t)
	if err := o.StartWashing(time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := o.Finish(0, time.Now()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if o.ActualDurationMinutes != 30 {
		t.Errorf("ActualDurationMinutes = %d, want ordered duration 30", o.ActualDurationMinutes)
	}
	if err := o.Finish(10, time.Now()); !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("duplicate finish err = %v, want ErrAlreadyApplied", err)
	}
}

func TestCancel(t *testing.T) {
	o := newTestOrder(t)
	if err := o.Cancel("payment_timeout", time.Now()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if o.Status != StatusCancelled || o.CancelReason != "payment_timeout" {
		t.Fatalf("status=%s reason=%q", o.Status, o.CancelReason)
	}
	if o.CancelledAt == nil {
		t.Fatal("CancelledAt not set")
	}
	if o.FinishedAt != nil {
		t.Fatalf("FinishedAt = %v, want nil for cancelled order", o.FinishedAt)
	}
	if err := o.Cancel("again", time.Now()); !errors.Is(err, ErrAlreadyApplied) {
		t.Fatalf("duplicate cancel err = %v, want ErrAlreadyApplied", err)
	}

	// 已支付订单不可取消，钱已经进来了
	paid := paidTestOrder(t)
	if err := paid.Cancel("late", time.Now()); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("cancel paid err = %v, want ErrInvalidStateTransition", err)
	}
}

func TestMarkRefunded(t *testing.T) {
	t.Run("full refund", func(t *testing.T) {
		o := paidTestOrder(t)
		if err := o.MarkRefunded(2000, "device_start_timeout", time.Now()); err != nil {
			t.Fatalf("MarkRefunded: %v", err)
		}
		if o.Status != StatusRefunded || o.RefundAmount != 2000 || o.PaidAmount != 0 {
			t.Fatalf("status=%s refund=%d paid=%d", o.Status, o.RefundAmount, o.PaidAmount)
		}
	})

	t.Run("partial refund keeps invariant", func(t *testing.T) {
		o := paidTestOrder(t)
		if err := o.MarkRefunded(500, "user_complaint", time.Now()); err != nil {
			t.Fatalf("MarkRefunded: %v", err)
		}
		if o.PaidAmount+o.RefundAmount != o.Amount {
			t.Errorf("paid(%d) + refunded(%d) != amount(%d)", o.PaidAmount, o.RefundAmount, o.Amount)
		}
	})

	t.Run("over-refund rejected", func(t *testing.T) {
		o := paidTestOrder(t)
		if err := o.MarkRefunded(2001, "manual", time.Now()); !errors.Is(err, ErrInvariantViolated) {
			t.Fatalf("err = %v, want ErrInvariantViolated", err)
		}
		if o.Status != StatusPaid {
			t.Errorf("failed refund changed status to %s", o.Status)
		}
	})

	t.Run("duplicate refund is a no-op", func(t *testing.T) {
		o := paidTestOrder(t)
		if err := o.MarkRefunded(2000, "manual", time.Now()); err != nil {
			t.Fatal(err)
		}
		if err := o.MarkRefunded(2000, "manual", time.Now()); !errors.Is(err, ErrAlreadyApplied) {
			t.Fatalf("err = %v, want ErrAlreadyApplied", err)
		}
	})

	t.Run("completed order is refundable", func(t *testing.T) {
		o := paidTestOrder(t)
		if err := o.StartWashing(time.Now()); err != nil {
			t.Fatal(err)
		}
		if err := o.Finish(30, time.Now()); err != nil {
			t.Fatal(err)
		}
		if err := o.MarkRefunded(2000, "user_complaint", time.Now()); err != nil {
			t.Fatalf("refund after completion: %v", err)
		}
	})

	t.Run("pending order is not refundable", func(t *testing.T) {
		o := newTestOrder(t)
		if err := o.MarkRefunded(2000, "manual", time.Now()); !errors.Is(err, ErrInvalidStateTransition) {
			t.Fatalf("err = %v, want ErrInvalidStateTransition", err)
		}
	})
}

func TestClosedStates(t *testing.T) {
	for _, st := range []Status{StatusCompleted, StatusCancelled, StatusRefunded} {
		if st == StatusCompleted {
			// completed 还有一条唯一的退款出边，不算关闭
			if st.IsClosed() {
				t.Errorf("%s should not be closed", st)
			}
			continue
		}
		if !st.IsClosed() {
			t.Errorf("%s should be closed", st)
		}
	}
}

// 随机事件序列下，状态只沿合法边移动，失败的操作不得改动状态，
// 金额不变式任何时刻都成立。
func TestRandomWalkHoldsInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(20250601))
	for iter := 0; iter < 200; iter++ {
		o := newTestOrder(t)
		at := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

		for step := 0; step < 40; step++ {
			at = at.Add(time.Minute)
			prev := o.Status
			var err error

			switch rng.Intn(6) {
			case 0:
				amount := o.Amount
				if rng.Intn(4) == 0 {
					amount += 100 // 金额不符的回调
				}
				err = o.MarkPaid(PaymentResult{
					TransactionID: fmt.Sprintf("txn-%d-%d", iter, step),
					Amount:        amount,
					Method:        PaymentMethodWechat,
					PaidAt:        at,
				})
			case 1:
				err = o.StartWashing(at)
			case 2:
				err = o.Finish(rng.Intn(60), at)
			case 3:
				err = o.Cancel("walk", at)
			case 4:
				err = o.MarkRefunded(int64(rng.Intn(int(o.Amount))+1)+int64(rng.Intn(2))*500, "walk", at)
			case 5:
				if o.TransactionID == "" {
					continue
				}
				// 同一笔支付的重复投递
				err = o.MarkPaid(PaymentResult{
					TransactionID: o.TransactionID,
					Amount:        o.Amount,
					Method:        PaymentMethodWechat,
					PaidAt:        at,
				})
			}

			if err == nil && o.Status != prev && !prev.CanTransitionTo(o.Status) {
				t.Fatalf("iter %d step %d: illegal edge %s -> %s", iter, step, prev, o.Status)
			}
			if err != nil && o.Status != prev {
				t.Fatalf("iter %d step %d: failed op moved state %s -> %s (%v)", iter, step, prev, o.Status, err)
			}
			if o.PaidAmount < 0 || o.RefundAmount < 0 || o.PaidAmount+o.RefundAmount > o.Amount {
				t.Fatalf("iter %d step %d: amount invariant broken paid=%d refund=%d amount=%d",
					iter, step, o.PaidAmount, o.RefundAmount, o.Amount)
			}
		}
	}
}
