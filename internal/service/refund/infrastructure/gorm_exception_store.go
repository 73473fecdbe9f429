// internal/service/refund/infrastructure/gorm_exception_store.go
package infrastructure

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"washlink/internal/service/refund/domain"
)

// ExceptionModel 对应数据库中的 wash_exception 表。
type ExceptionModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	OrderID   string `gorm:"size:64;index"`
	Kind      string `gorm:"size:32;index"`
	Detail    string `gorm:"type:text"`
	Resolved  bool   `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ExceptionModel) TableName() string {
	return "wash_exception"
}

// GormExceptionStore 是 domain.ExceptionStore 的 GORM 实现。
type GormExceptionStore struct {
	db *gorm.DB
}

func NewGormExceptionStore(db *gorm.DB) *GormExceptionStore {
	return &GormExceptionStore{db: db}
}

func (s *GormExceptionStore) Create(ctx context.Context, rec *domain.ExceptionRecord) error {
	model := ExceptionModel{
		OrderID: rec.OrderID,
		Kind:    rec.Kind,
		Detail:  rec.Detail,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("failed to create exception record for order %s: %w", rec.OrderID, err)
	}
	rec.ID = model.ID
	rec.CreatedAt = model.CreatedAt
	return nil
}

func (s *GormExceptionStore) ListOpen(ctx context.Context, limit int) ([]*domain.ExceptionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []ExceptionModel
	err := s.db.WithContext(ctx).
		Where("resolved = ?", false).
		Order("created_at").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list open exceptions: %w", err)
	}

	records := make([]*domain.ExceptionRecord, 0, len(models))
	for i := range models {
		records = append(records, toDomainException(&models[i]))
	}
	return records, nil
}

func (s *GormExceptionStore) CountOpenByOrder(ctx context.Context, orderID, kind string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&ExceptionModel{}).
		Where("order_id = ? AND kind = ? AND resolved = ?", orderID, kind, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count exceptions for order %s: %w", orderID, err)
	}
	return count, nil
}

func (s *GormExceptionStore) Resolve(ctx context.Context, id int64) error {
	err := s.db.WithContext(ctx).
		Model(&ExceptionModel{}).
		Where("id = ?", id).
		Update("resolved", true).Error
	if err != nil {
		return fmt.Errorf("failed to resolve exception %d: %w", id, err)
	}
	return nil
}

func toDomainException(m *ExceptionModel) *domain.ExceptionRecord {
	return &domain.ExceptionRecord{
		ID:        m.ID,
		OrderID:   m.OrderID,
		Kind:      m.Kind,
		Detail:    m.Detail,
		Resolved:  m.Resolved,
		CreatedAt: m.CreatedAt,
	}
}
