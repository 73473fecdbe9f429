// internal/service/order/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"washlink/internal/service/order/domain"
	settlementdomain "washlink/internal/service/settlement/domain"
)

const mysqlDuplicateEntry = 1062

// GormOrderRepository 是 domain.OrderRepository 的 GORM 实现，
// 同时实现结算上下文的 settlementdomain.OrderSource 窄接口。
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

func (r *GormOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	model := fromDomainOrder(order)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return errors.Wrapf(err, "order no %s already exists", order.OrderNo)
		}
		return errors.Wrapf(err, "failed to create order %s", order.ID)
	}
	return nil
}

func (r *GormOrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, errors.Wrapf(err, "failed to find order %s", id)
	}
	return toDomainOrder(&model), nil
}

func (r *GormOrderRepository) FindByNo(ctx context.Context, orderNo string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, errors.Wrapf(err, "failed to find order by no %s", orderNo)
	}
	return toDomainOrder(&model), nil
}

// Update 以乐观版本号做 CAS 更新。
// WHERE 带上读取时的 version，没有命中任何行说明状态已被并发修改。
func (r *GormOrderRepository) Update(ctx context.Context, order *domain.Order) error {
	model := fromDomainOrder(order)
	res := r.db.WithContext(ctx).
		Model(&OrderModel{}).
		Where("id = ? AND version = ?", order.ID, order.Version).
		Updates(map[string]interface{}{
			"paid_amount":             model.PaidAmount,
			"refund_amount":           model.RefundAmount,
			"balance_used":            model.BalanceUsed,
			"gift_balance_used":       model.GiftBalanceUsed,
			"payment_method":          model.PaymentMethod,
			"transaction_id":          model.TransactionID,
			"status":                  model.Status,
			"actual_duration_minutes": model.ActualDurationMinutes,
			"refund_reason":           model.RefundReason,
			"cancel_reason":           model.CancelReason,
			"settled":                 model.Settled,
			"needs_review":            model.NeedsReview,
			"paid_at":                 model.PaidAt,
			"started_at":              model.StartedAt,
			"finished_at":             model.FinishedAt,
			"cancelled_at":            model.CancelledAt,
			"refund_at":               model.RefundAt,
			"updated_at":              model.UpdatedAt,
			"version":                 order.Version + 1,
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to update order %s", order.ID)
	}
	if res.RowsAffected == 0 {
		return domain.ErrConcurrentModification
	}
	order.Version++
	return nil
}

func (r *GormOrderRepository) FindPendingBefore(ctx context.Context, deadline time.Time, limit int) ([]*domain.Order, error) {
	return r.findByStatusBefore(ctx, domain.StatusPending, "created_at", deadline, limit)
}

func (r *GormOrderRepository) FindPaidBefore(ctx context.Context, deadline time.Time, limit int) ([]*domain.Order, error) {
	return r.findByStatusBefore(ctx, domain.StatusPaid, "paid_at", deadline, limit)
}

// FindWashingOverdue 的时限是每单自己的 下单时长×multiplier，
// 无法用单一截止时间表达，直接在 SQL 里按秒计算。
func (r *GormOrderRepository) FindWashingOverdue(ctx context.Context, multiplier float64, now time.Time, limit int) ([]*domain.Order, error) {
	if limit <= 0 {
		limit = 200
	}
	var models []OrderModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND started_at IS NOT NULL AND TIMESTAMPDIFF(SECOND, started_at, ?) > duration_minutes * 60 * ?",
			string(domain.StatusWashing), now, multiplier).
		Order("started_at").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find overdue washing orders")
	}
	return toDomainOrders(models), nil
}

func (r *GormOrderRepository) FindUnsettledBefore(ctx context.Context, deadline time.Time, limit int) ([]*domain.Order, error) {
	if limit <= 0 {
		limit = 200
	}
	var models []OrderModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND settled = ? AND finished_at < ?", string(domain.StatusCompleted), false, deadline).
		Order("finished_at").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find unsettled orders")
	}
	return toDomainOrders(models), nil
}

func (r *GormOrderRepository) findByStatusBefore(ctx context.Context, status domain.Status, column string, deadline time.Time, limit int) ([]*domain.Order, error) {
	if limit <= 0 {
		limit = 200
	}
	var models []OrderModel
	err := r.db.WithContext(ctx).
		Where(fmt.Sprintf("status = ? AND %s < ?", column), string(status), deadline).
		Order(column).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find %s orders before %s", status, deadline)
	}
	return toDomainOrders(models), nil
}

func toDomainOrders(models []OrderModel) []*domain.Order {
	orders := make([]*domain.Order, 0, len(models))
	for i := range models {
		orders = append(orders, toDomainOrder(&models[i]))
	}
	return orders
}

// --- settlementdomain.OrderSource ---

func (r *GormOrderRepository) CompletedOrders(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) ([]settlementdomain.SettledOrder, error) {
	var models []OrderModel
	err := r.db.WithContext(ctx).
		Where("merchant_id = ? AND status = ? AND settled = ? AND finished_at >= ? AND finished_at < ?",
			merchantID, string(domain.StatusCompleted), false, periodStart, periodEnd).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load completed orders for merchant %s", merchantID)
	}
	out := make([]settlementdomain.SettledOrder, 0, len(models))
	for i := range models {
		out = append(out, settlementdomain.SettledOrder{
			OrderID:    models[i].ID,
			PaidAmount: models[i].PaidAmount,
		})
	}
	return out, nil
}

func (r *GormOrderRepository) MarkSettled(ctx context.Context, orderIDs []string) error {
	err := r.db.WithContext(ctx).
		Model(&OrderModel{}).
		Where("id IN ?", orderIDs).
		Update("settled", true).Error
	if err != nil {
		return errors.Wrap(err, "failed to mark orders settled")
	}
	return nil
}

func (r *GormOrderRepository) MerchantsWithUnsettled(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var merchantIDs []string
	err := r.db.WithContext(ctx).
		Model(&OrderModel{}).
		Distinct("merchant_id").
		Where("status = ? AND settled = ? AND finished_at < ?", string(domain.StatusCompleted), false, before).
		Limit(limit).
		Pluck("merchant_id", &merchantIDs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to find merchants with unsettled orders")
	}
	return merchantIDs, nil
}

var (
	_ domain.OrderRepository       = (*GormOrderRepository)(nil)
	_ settlementdomain.OrderSource = (*GormOrderRepository)(nil)
)
