// internal/service/settlement/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"washlink/internal/service/settlement/domain"
)

const mysqlDuplicateEntry = 1062

// SettlementModel 对应数据库中的 wash_settlement 表。
// PeriodKey 仅自动结算填写，唯一索引保证同一 (merchant, period)
// 的自动记录只能落库一条；人工重算置 NULL，不占坑。
type SettlementModel struct {
	ID              int64   `gorm:"primaryKey;autoIncrement"`
	MerchantID      string  `gorm:"size:64;index:idx_merchant_period"`
	PeriodKey       *string `gorm:"size:128;uniqueIndex:uk_auto_period"`
	PeriodStart     time.Time
	PeriodEnd       time.Time
	TotalRevenue    int64
	CommissionRate  float64 `gorm:"type:decimal(6,4)"`
	MerchantShare   int64
	BonusAmount     int64
	DeductionAmount int64
	FinalAmount     int64
	OrderCount      int
	RuleID          int64
	Manual          bool
	CreatedAt       time.Time
}

func (SettlementModel) TableName() string {
	return "wash_settlement"
}

// GormSettlementRepository 是 domain.SettlementRepository 的 GORM 实现。
// 台账只追加，没有 Update。
type GormSettlementRepository struct {
	db *gorm.DB
}

func NewGormSettlementRepository(db *gorm.DB) *GormSettlementRepository {
	return &GormSettlementRepository{db: db}
}

// Create 追加一条台账记录。并发的自动结算靠 uk_auto_period 唯一索引兜底：
// 撞键的一方收到 ErrAlreadySettled，而不是写出第二条记录。
func (r *GormSettlementRepository) Create(ctx context.Context, rec *domain.SettlementRecord) error {
	model := fromDomainSettlement(rec)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return domain.ErrAlreadySettled
		}
		return fmt.Errorf("failed to create settlement record: %w", err)
	}
	rec.ID = model.ID
	rec.CreatedAt = model.CreatedAt
	return nil
}

func (r *GormSettlementRepository) ExistsForPeriod(ctx context.Context, merchantID string, periodStart, periodEnd time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&SettlementModel{}).
		Where("merchant_id = ? AND period_start = ? AND period_end = ? AND manual = ?",
			merchantID, periodStart, periodEnd, false).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check settlement existence: %w", err)
	}
	return count > 0, nil
}

func (r *GormSettlementRepository) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*domain.SettlementRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []SettlementModel
	err := r.db.WithContext(ctx).
		Where("merchant_id = ?", merchantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements for merchant %s: %w", merchantID, err)
	}

	records := make([]*domain.SettlementRecord, 0, len(models))
	for i := range models {
		records = append(records, toDomainSettlement(&models[i]))
	}
	return records, nil
}

func fromDomainSettlement(rec *domain.SettlementRecord) *SettlementModel {
	var periodKey *string
	if !rec.Manual {
		key := fmt.Sprintf("%s:%d:%d", rec.MerchantID, rec.PeriodStart.Unix(), rec.PeriodEnd.Unix())
		periodKey = &key
	}
	return &SettlementModel{
		ID:              rec.ID,
		MerchantID:      rec.MerchantID,
		PeriodKey:       periodKey,
		PeriodStart:     rec.PeriodStart,
		PeriodEnd:       rec.PeriodEnd,
		TotalRevenue:    rec.TotalRevenue,
		CommissionRate:  rec.CommissionRate,
		MerchantShare:   rec.MerchantShare,
		BonusAmount:     rec.BonusAmount,
		DeductionAmount: rec.DeductionAmount,
		FinalAmount:     rec.FinalAmount,
		OrderCount:      rec.OrderCount,
		RuleID:          rec.RuleID,
		Manual:          rec.Manual,
	}
}

func toDomainSettlement(m *SettlementModel) *domain.SettlementRecord {
	return &domain.SettlementRecord{
		ID:              m.ID,
		MerchantID:      m.MerchantID,
		PeriodStart:     m.PeriodStart,
		PeriodEnd:       m.PeriodEnd,
		TotalRevenue:    m.TotalRevenue,
		CommissionRate:  m.CommissionRate,
		MerchantShare:   m.MerchantShare,
		BonusAmount:     m.BonusAmount,
		DeductionAmount: m.DeductionAmount,
		FinalAmount:     m.FinalAmount,
		OrderCount:      m.OrderCount,
		RuleID:          m.RuleID,
		Manual:          m.Manual,
		CreatedAt:       m.CreatedAt,
	}
}
