package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"washlink/internal/service/order/domain"
	refunddomain "washlink/internal/service/refund/domain"
	ruledomain "washlink/internal/service/rule/domain"
	settlementapp "washlink/internal/service/settlement/application"
	settlementdomain "washlink/internal/service/settlement/domain"
)

var scannerPolicy = domain.TimeoutPolicy{
	Payment:         15 * time.Minute,
	DeviceStart:     5 * time.Minute,
	UsageMultiplier: 2.0,
	Settlement:      60 * time.Minute,
}

// OrderSource 的内存实现，桥接 fakeOrderRepo 给结算引擎。
type fakeOrderSource struct {
	repo *fakeOrderRepo
}

func (s *fakeOrderSource) CompletedOrders(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) ([]settlementdomain.SettledOrder, error) {
	var out []settlementdomain.SettledOrder
	for _, o := range s.repo.filter(func(o *domain.Order) bool {
		return o.MerchantID == merchantID && o.Status == domain.StatusCompleted && !o.Settled &&
			o.FinishedAt != nil && !o.FinishedAt.Before(periodStart) && o.FinishedAt.Before(periodEnd)
	}, 0) {
		out = append(out, settlementdomain.SettledOrder{OrderID: o.ID, PaidAmount: o.PaidAmount})
	}
	return out, nil
}

func (s *fakeOrderSource) MarkSettled(ctx context.Context, orderIDs []string) error {
	for _, id := range orderIDs {
		if o := s.repo.get(id); o != nil {
			o.MarkSettled()
			s.repo.put(o)
		}
	}
	return nil
}

func (s *fakeOrderSource) MerchantsWithUnsettled(ctx context.Context, before time.Time, limit int) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, o := range s.repo.filter(func(o *domain.Order) bool {
		return o.Status == domain.StatusCompleted && !o.Settled && o.FinishedAt != nil && o.FinishedAt.Before(before)
	}, 0) {
		if !seen[o.MerchantID] {
			seen[o.MerchantID] = true
			out = append(out, o.MerchantID)
		}
	}
	return out, nil
}

type fakeSettlementRepo struct {
	mu      sync.Mutex
	records []*settlementdomain.SettlementRecord
}

// Create 与 GORM 实现一致：同一 (merchant, period) 的自动记录撞唯一键。
func (r *fakeSettlementRepo) Create(ctx context.Context, rec *settlementdomain.SettlementRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !rec.Manual {
		for _, existing := range r.records {
			if !existing.Manual && existing.MerchantID == rec.MerchantID &&
				existing.PeriodStart.Equal(rec.PeriodStart) && existing.PeriodEnd.Equal(rec.PeriodEnd) {
				return settlementdomain.ErrAlreadySettled
			}
		}
	}
	rec.ID = int64(len(r.records) + 1)
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeSettlementRepo) ExistsForPeriod(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if !rec.Manual && rec.MerchantID == merchantID && rec.PeriodStart.Equal(periodStart) && rec.PeriodEnd.Equal(periodEnd) {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeSettlementRepo) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*settlementdomain.SettlementRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*settlementdomain.SettlementRecord
	for _, rec := range r.records {
		if rec.MerchantID == merchantID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type emptyRuleSource struct{}

func (emptyRuleSource) GetRules(kind ruledomain.Kind) []*ruledomain.Rule { return nil }

type staticEvaluator struct{}

func (staticEvaluator) EvalBool(ctx context.Context, expr string, fact map[string]interface{}) (bool, error) {
	return true, nil
}

type scannerFixture struct {
	*serviceFixture
	scanner        *TimeoutScanner
	settlementRepo *fakeSettlementRepo
	now            time.Time
}

func newScannerFixture(t *testing.T) *scannerFixture {
	t.Helper()
	f := newServiceFixture()
	tracer := noop.NewTracerProvider().Tracer("test")

	settlementRepo := &fakeSettlementRepo{}
	settlementSvc := settlementapp.NewService(
		settlementRepo,
		&fakeOrderSource{repo: f.repo},
		emptyRuleSource{},
		ruledomain.NewEngine(staticEvaluator{}),
		f.exceptions,
		tracer,
	)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sc := NewTimeoutScanner(f.repo, f.svc, settlementSvc, func() domain.TimeoutPolicy { return scannerPolicy }, tracer)
	sc.now = func() time.Time { return now }
	f.svc.now = func() time.Time { return now }

	return &scannerFixture{serviceFixture: f, scanner: sc, settlementRepo: settlementRepo, now: now}
}

func (f *scannerFixture) seedAt(t *testing.T, id string, status domain.Status, eventAt time.Time) *domain.Order {
	t.Helper()
	o, err := domain.NewOrder(id, "W"+id, "user-1", "dev-1", "mer-1", 2000, 30)
	if err != nil {
		t.Fatal(err)
	}
	o.CreatedAt = eventAt
	switch status {
	case domain.StatusPaid:
		if err := o.MarkPaid(domain.PaymentResult{TransactionID: "txn-" + id, Amount: 2000, Method: domain.PaymentMethodWechat, PaidAt: eventAt}); err != nil {
			t.Fatal(err)
		}
	case domain.StatusWashing:
		if err := o.MarkPaid(domain.PaymentResult{TransactionID: "txn-" + id, Amount: 2000, Method: domain.PaymentMethodWechat, PaidAt: eventAt}); err != nil {
			t.Fatal(err)
		}
		if err := o.StartWashing(eventAt); err != nil {
			t.Fatal(err)
		}
	case domain.StatusCompleted:
		if err := o.MarkPaid(domain.PaymentResult{TransactionID: "txn-" + id, Amount: 2000, Method: domain.PaymentMethodWechat, PaidAt: eventAt}); err != nil {
			t.Fatal(err)
		}
		if err := o.StartWashing(eventAt); err != nil {
			t.Fatal(err)
		}
		if err := o.Finish(30, eventAt); err != nil {
			t.Fatal(err)
		}
	}
	f.repo.put(o)
	return o
}

func TestScanPaymentTimeouts(t *testing.T) {
	f := newScannerFixture(t)
	overdue := f.seedAt(t, "ord-late", domain.StatusPending, f.now.Add(-16*time.Minute))
	fresh := f.seedAt(t, "ord-fresh", domain.StatusPending, f.now.Add(-5*time.Minute))

	f.scanner.ScanPaymentTimeouts(context.Background())

	if got := f.repo.get(overdue.ID); got.Status != domain.StatusCancelled {
		t.Errorf("overdue order status = %s, want CANCELLED", got.Status)
	}
	if got := f.repo.get(overdue.ID); got.CancelReason != refunddomain.ReasonPaymentTimeout {
		t.Errorf("cancel reason = %q", got.CancelReason)
	}
	if got := f.repo.get(fresh.ID); got.Status != domain.StatusPending {
		t.Errorf("fresh order status = %s, want PENDING", got.Status)
	}
}

func TestScanDeviceStartTimeouts(t *testing.T) {
	f := newScannerFixture(t)
	overdue := f.seedAt(t, "ord-stuck", domain.StatusPaid, f.now.Add(-6*time.Minute))
	fresh := f.seedAt(t, "ord-ok", domain.StatusPaid, f.now.Add(-1*time.Minute))

	f.scanner.ScanDeviceStartTimeouts(context.Background())

	got := f.repo.get(overdue.ID)
	if got.Status != domain.StatusRefunded || got.RefundAmount != 2000 {
		t.Errorf("status=%s refund=%d", got.Status, got.RefundAmount)
	}
	if got.RefundReason != refunddomain.ReasonDeviceStartTimeout {
		t.Errorf("refund reason = %q", got.RefundReason)
	}
	if got := f.repo.get(fresh.ID); got.Status != domain.StatusPaid {
		t.Errorf("fresh order status = %s, want PAID", got.Status)
	}
}

func TestScanUsageTimeouts(t *testing.T) {
	f := newScannerFixture(t)
	// 30 分钟订单已运行 70 分钟，超过 2 倍上限
	overdue := f.seedAt(t, "ord-run", domain.StatusWashing, f.now.Add(-70*time.Minute))
	fresh := f.seedAt(t, "ord-wash", domain.StatusWashing, f.now.Add(-10*time.Minute))

	f.scanner.ScanUsageTimeouts(context.Background())

	got := f.repo.get(overdue.ID)
	if got.Status != domain.StatusCompleted || !got.NeedsReview {
		t.Errorf("status=%s needsReview=%v", got.Status, got.NeedsReview)
	}
	if got.ActualDurationMinutes != 70 {
		t.Errorf("actual minutes = %d, want 70", got.ActualDurationMinutes)
	}
	if got := f.repo.get(fresh.ID); got.Status != domain.StatusWashing {
		t.Errorf("fresh order status = %s, want WASHING", got.Status)
	}
}

// 设备启动回调和启动超时扫描竞争同一订单时，只允许一个迁移生效，
// 输家必须以良性空操作退出。
func TestDeviceCallbackVersusStartTimeoutSweep(t *testing.T) {
	startedEvent := func(id string, at time.Time) *domain.DeviceStatusEvent {
		return &domain.DeviceStatusEvent{
			EventID: "evt-" + id, OrderID: id, DeviceID: "dev-1",
			Event: domain.DeviceEventStarted, ReportedAt: at,
		}
	}

	t.Run("callback first, sweep must not refund a running wash", func(t *testing.T) {
		f := newScannerFixture(t)
		o := f.seedAt(t, "ord-race", domain.StatusPaid, f.now.Add(-6*time.Minute))

		if err := f.svc.HandleDeviceStatus(context.Background(), startedEvent(o.ID, f.now)); err != nil {
			t.Fatal(err)
		}
		f.scanner.ScanDeviceStartTimeouts(context.Background())
		// 扫描拿的是回调前的快照时也一样：上锁后发现设备已启动，退款前提不在了
		if err := f.svc.Refund(context.Background(), o.ID, refunddomain.ReasonDeviceStartTimeout, 0); err != nil {
			t.Fatalf("stale sweep refund err = %v, want benign no-op", err)
		}

		got := f.repo.get(o.ID)
		if got.Status != domain.StatusWashing {
			t.Errorf("status = %s, want WASHING", got.Status)
		}
		if got.RefundAmount != 0 || f.payments.refundCount() != 0 {
			t.Errorf("refund=%d gatewayCalls=%d, want none", got.RefundAmount, f.payments.refundCount())
		}
	})

	t.Run("sweep first, late callback is a benign loser", func(t *testing.T) {
		f := newScannerFixture(t)
		o := f.seedAt(t, "ord-race", domain.StatusPaid, f.now.Add(-6*time.Minute))

		f.scanner.ScanDeviceStartTimeouts(context.Background())
		err := f.svc.HandleDeviceStatus(context.Background(), startedEvent(o.ID, f.now))
		if !errors.Is(err, domain.ErrInvalidStateTransition) {
			t.Fatalf("late callback err = %v, want ErrInvalidStateTransition", err)
		}

		got := f.repo.get(o.ID)
		if got.Status != domain.StatusRefunded || got.RefundAmount != 2000 {
			t.Errorf("status=%s refund=%d", got.Status, got.RefundAmount)
		}
	})

	t.Run("concurrent, final state is one winner's", func(t *testing.T) {
		f := newScannerFixture(t)
		o := f.seedAt(t, "ord-race", domain.StatusPaid, f.now.Add(-6*time.Minute))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.scanner.ScanDeviceStartTimeouts(context.Background())
		}()
		go func() {
			defer wg.Done()
			_ = f.svc.HandleDeviceStatus(context.Background(), startedEvent(o.ID, f.now))
		}()
		wg.Wait()

		got := f.repo.get(o.ID)
		switch got.Status {
		case domain.StatusWashing:
			if got.RefundAmount != 0 || f.payments.refundCount() != 0 {
				t.Errorf("washing order carries refund=%d gatewayCalls=%d", got.RefundAmount, f.payments.refundCount())
			}
		case domain.StatusRefunded:
			if got.RefundAmount != 2000 || f.payments.refundCount() != 1 {
				t.Errorf("refunded order refund=%d gatewayCalls=%d", got.RefundAmount, f.payments.refundCount())
			}
		default:
			t.Errorf("status = %s, want WASHING or REFUNDED", got.Status)
		}
	})
}

func TestScanSettlementTimeouts(t *testing.T) {
	f := newScannerFixture(t)
	overdue := f.seedAt(t, "ord-done", domain.StatusCompleted, f.now.Add(-2*time.Hour))
	f.seedAt(t, "ord-recent", domain.StatusCompleted, f.now.Add(-10*time.Minute))

	f.scanner.ScanSettlementTimeouts(context.Background())

	if got := f.repo.get(overdue.ID); !got.Settled {
		t.Error("overdue order not settled")
	}
	f.settlementRepo.mu.Lock()
	records := len(f.settlementRepo.records)
	f.settlementRepo.mu.Unlock()
	if records != 1 {
		t.Fatalf("settlement records = %d, want 1", records)
	}
	// 无结算规则时必须落到显式默认档 0.85
	rec := f.settlementRepo.records[0]
	if rec.CommissionRate != 0.85 || rec.FinalAmount != 1700 {
		t.Errorf("rate=%v final=%d, want 0.85 / 1700", rec.CommissionRate, rec.FinalAmount)
	}

	// 第二轮：订单已标记，不再产生新台账
	f.scanner.ScanSettlementTimeouts(context.Background())
	f.settlementRepo.mu.Lock()
	records = len(f.settlementRepo.records)
	f.settlementRepo.mu.Unlock()
	if records != 1 {
		t.Errorf("second sweep appended records: %d", records)
	}

	// 晚完成的订单在到期后按新期末单独结算，不会被上一期卡死
	later := f.now.Add(time.Hour)
	f.scanner.now = func() time.Time { return later }
	f.scanner.ScanSettlementTimeouts(context.Background())

	if got := f.repo.get("ord-recent"); !got.Settled {
		t.Error("late-finishing order never settled")
	}
	f.settlementRepo.mu.Lock()
	defer f.settlementRepo.mu.Unlock()
	if len(f.settlementRepo.records) != 2 {
		t.Fatalf("settlement records = %d, want 2", len(f.settlementRepo.records))
	}
	if second := f.settlementRepo.records[1]; second.TotalRevenue != 2000 || second.FinalAmount != 1700 {
		t.Errorf("second period revenue=%d final=%d", second.TotalRevenue, second.FinalAmount)
	}
}

func TestScanSettlementSkipsMerchantWithOpenException(t *testing.T) {
	f := newScannerFixture(t)
	pending := f.seedAt(t, "ord-held", domain.StatusCompleted, f.now.Add(-2*time.Hour))
	if err := f.exceptions.Create(context.Background(), &refunddomain.ExceptionRecord{
		OrderID: "mer-1",
		Kind:    refunddomain.ExceptionKindSettlementFailure,
		Detail:  "ledger and order marks diverged",
	}); err != nil {
		t.Fatal(err)
	}

	f.scanner.ScanSettlementTimeouts(context.Background())

	if got := f.repo.get(pending.ID); got.Settled {
		t.Error("merchant with open settlement exception must not be auto-settled")
	}
	f.settlementRepo.mu.Lock()
	defer f.settlementRepo.mu.Unlock()
	if len(f.settlementRepo.records) != 0 {
		t.Errorf("settlement records = %d, want 0", len(f.settlementRepo.records))
	}
}

func TestRunOnceCoversAllSweeps(t *testing.T) {
	f := newScannerFixture(t)
	pending := f.seedAt(t, "ord-p", domain.StatusPending, f.now.Add(-time.Hour))
	paid := f.seedAt(t, "ord-d", domain.StatusPaid, f.now.Add(-time.Hour))
	washing := f.seedAt(t, "ord-w", domain.StatusWashing, f.now.Add(-2*time.Hour))

	f.scanner.RunOnce(context.Background())

	if got := f.repo.get(pending.ID); got.Status != domain.StatusCancelled {
		t.Errorf("pending -> %s, want CANCELLED", got.Status)
	}
	if got := f.repo.get(paid.ID); got.Status != domain.StatusRefunded {
		t.Errorf("paid -> %s, want REFUNDED", got.Status)
	}
	if got := f.repo.get(washing.ID); got.Status != domain.StatusCompleted {
		t.Errorf("washing -> %s, want COMPLETED", got.Status)
	}
}
