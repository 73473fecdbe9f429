package application

import (
	"context"
	"sync"
	"time"

	"washlink/internal/service/order/domain"
	"washlink/internal/service/order/domain/port"
	refunddomain "washlink/internal/service/refund/domain"
)

// fakeOrderRepo 是 OrderRepository 的内存实现。
// FindByID 返回副本、Update 做版本 CAS，行为与 GORM 实现对齐。
type fakeOrderRepo struct {
	mu     sync.Mutex
	orders map[string]*domain.Order
}

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: make(map[string]*domain.Order)}
}

func (r *fakeOrderRepo) put(o *domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *o
	r.orders[o.ID] = &cp
}

func (r *fakeOrderRepo) get(id string) *domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orders[id]; ok {
		cp := *o
		return &cp
	}
	return nil
}

func (r *fakeOrderRepo) Create(ctx context.Context, order *domain.Order) error {
	r.put(order)
	return nil
}

func (r *fakeOrderRepo) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	if o := r.get(id); o != nil {
		return o, nil
	}
	return nil, domain.ErrOrderNotFound
}

func (r *fakeOrderRepo) FindByNo(ctx context.Context, orderNo string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.OrderNo == orderNo {
			cp := *o
			return &cp, nil
		}
	}
	return nil, domain.ErrOrderNotFound
}

func (r *fakeOrderRepo) Update(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.orders[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if stored.Version != order.Version {
		return domain.ErrConcurrentModification
	}
	order.Version++
	cp := *order
	r.orders[order.ID] = &cp
	return nil
}

func (r *fakeOrderRepo) FindPendingBefore(ctx context.Context, deadline time.Time, limit int) ([]*domain.Order, error) {
	return r.filter(func(o *domain.Order) bool {
		return o.Status == domain.StatusPending && o.CreatedAt.Before(deadline)
	}, limit), nil
}

func (r *fakeOrderRepo) FindPaidBefore(ctx context.Context, deadline time.Time, limit int) ([]*domain.Order, error) {
	return r.filter(func(o *domain.Order) bool {
		return o.Status == domain.StatusPaid && o.PaidAt != nil && o.PaidAt.Before(deadline)
	}, limit), nil
}

func (r *fakeOrderRepo) FindWashingOverdue(ctx context.Context, multiplier float64, now time.Time, limit int) ([]*domain.Order, error) {
	return r.filter(func(o *domain.Order) bool {
		if o.Status != domain.StatusWashing || o.StartedAt == nil {
			return false
		}
		maxRun := time.Duration(float64(o.DurationMinutes)*multiplier) * time.Minute
		return now.Sub(*o.StartedAt) > maxRun
	}, limit), nil
}

func (r *fakeOrderRepo) FindUnsettledBefore(ctx context.Context, deadline time.Time, limit int) ([]*domain.Order, error) {
	return r.filter(func(o *domain.Order) bool {
		return o.Status == domain.StatusCompleted && !o.Settled && o.FinishedAt != nil && o.FinishedAt.Before(deadline)
	}, limit), nil
}

func (r *fakeOrderRepo) filter(pred func(*domain.Order) bool, limit int) []*domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Order
	for _, o := range r.orders {
		if pred(o) {
			cp := *o
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// fakeLocker 以进程内互斥模拟分布式锁。
type fakeLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *fakeLocker) WithLock(ctx context.Context, orderID string, fn func() error) error {
	l.mu.Lock()
	m, ok := l.locks[orderID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[orderID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn()
}

type fakePaymentGateway struct {
	mu          sync.Mutex
	refundErr   error
	refundCalls []int64
}

func (g *fakePaymentGateway) Charge(ctx context.Context, orderID string, amount int64) (*port.ChargeResult, error) {
	return &port.ChargeResult{TransactionID: "txn-fake"}, nil
}

func (g *fakePaymentGateway) Refund(ctx context.Context, orderID string, amount int64) (*port.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refundCalls = append(g.refundCalls, amount)
	return &port.RefundResult{RefundTransactionID: "rf-fake"}, nil
}

func (g *fakePaymentGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refundCalls)
}

type fakeDeviceController struct {
	mu        sync.Mutex
	startErr  error
	stopCalls []string
}

func (d *fakeDeviceController) Start(ctx context.Context, deviceID string, durationMinutes int) error {
	return d.startErr
}

func (d *fakeDeviceController) Stop(ctx context.Context, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopCalls = append(d.stopCalls, deviceID)
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	templates []string
}

func (n *fakeNotifier) Notify(ctx context.Context, recipient, templateType string, data map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.templates = append(n.templates, templateType)
	return nil
}

type fakeRefundGuard struct {
	mu       sync.Mutex
	reserved map[string]bool
}

func newFakeRefundGuard() *fakeRefundGuard {
	return &fakeRefundGuard{reserved: make(map[string]bool)}
}

func (g *fakeRefundGuard) TryReserve(ctx context.Context, orderID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reserved[orderID] {
		return false, nil
	}
	g.reserved[orderID] = true
	return true, nil
}

func (g *fakeRefundGuard) Release(ctx context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.reserved, orderID)
	return nil
}

func (g *fakeRefundGuard) isReserved(orderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reserved[orderID]
}

// fakeDecider 返回预先配置的退款裁决。
type fakeDecider struct {
	decision *refunddomain.Decision
	err      error
}

func (d *fakeDecider) Evaluate(ctx context.Context, order *domain.Order, reasonHint string) (*refunddomain.Decision, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.decision != nil {
		return d.decision, nil
	}
	// 默认全额退
	return &refunddomain.Decision{
		Type:   refunddomain.RefundTypeFull,
		Amount: order.PaidAmount,
		RuleID: 1,
		Reason: reasonHint,
	}, nil
}

type fakeExceptionStore struct {
	mu      sync.Mutex
	records []*refunddomain.ExceptionRecord
}

func (s *fakeExceptionStore) Create(ctx context.Context, rec *refunddomain.ExceptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = int64(len(s.records) + 1)
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeExceptionStore) ListOpen(ctx context.Context, limit int) ([]*refunddomain.ExceptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*refunddomain.ExceptionRecord
	for _, r := range s.records {
		if !r.Resolved {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeExceptionStore) CountOpenByOrder(ctx context.Context, orderID, kind string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.records {
		if r.OrderID == orderID && r.Kind == kind && !r.Resolved {
			n++
		}
	}
	return n, nil
}

func (s *fakeExceptionStore) Resolve(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			r.Resolved = true
		}
	}
	return nil
}

func (s *fakeExceptionStore) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.records {
		out = append(out, r.Kind)
	}
	return out
}
