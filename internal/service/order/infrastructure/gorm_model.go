// internal/service/order/infrastructure/gorm_model.go
package infrastructure

import (
	"time"

	"washlink/internal/service/order/domain"
)

// OrderModel 对应数据库中的 wash_order 表。
// version 列是乐观锁，所有更新都以 (id, version) 为条件。
type OrderModel struct {
	ID                    string `gorm:"primaryKey;size:64"`
	OrderNo               string `gorm:"uniqueIndex;size:64"`
	UserID                string `gorm:"size:64;index"`
	DeviceID              string `gorm:"size:64;index"`
	MerchantID            string `gorm:"size:64;index:idx_merchant_status"`
	Amount                int64
	PaidAmount            int64
	RefundAmount          int64
	BalanceUsed           int64
	GiftBalanceUsed       int64
	PaymentMethod         string `gorm:"size:16"`
	TransactionID         string `gorm:"size:128;index"`
	Status                string `gorm:"size:16;index:idx_merchant_status,priority:2;index"`
	DurationMinutes       int
	ActualDurationMinutes int
	RefundReason          string `gorm:"size:255"`
	CancelReason          string `gorm:"size:255"`
	Settled               bool   `gorm:"index"`
	NeedsReview           bool
	CreatedAt             time.Time `gorm:"index"`
	PaidAt                *time.Time
	StartedAt             *time.Time
	FinishedAt            *time.Time
	CancelledAt           *time.Time
	RefundAt              *time.Time
	UpdatedAt             time.Time
	Version               int64
}

func (OrderModel) TableName() string {
	return "wash_order"
}

func fromDomainOrder(o *domain.Order) *OrderModel {
	return &OrderModel{
		ID:                    o.ID,
		OrderNo:               o.OrderNo,
		UserID:                o.UserID,
		DeviceID:              o.DeviceID,
		MerchantID:            o.MerchantID,
		Amount:                o.Amount,
		PaidAmount:            o.PaidAmount,
		RefundAmount:          o.RefundAmount,
		BalanceUsed:           o.BalanceUsed,
		GiftBalanceUsed:       o.GiftBalanceUsed,
		PaymentMethod:         string(o.PaymentMethod),
		TransactionID:         o.TransactionID,
		Status:                string(o.Status),
		DurationMinutes:       o.DurationMinutes,
		ActualDurationMinutes: o.ActualDurationMinutes,
		RefundReason:          o.RefundReason,
		CancelReason:          o.CancelReason,
		Settled:               o.Settled,
		NeedsReview:           o.NeedsReview,
		CreatedAt:             o.CreatedAt,
		PaidAt:                o.PaidAt,
		StartedAt:             o.StartedAt,
		FinishedAt:            o.FinishedAt,
		CancelledAt:           o.CancelledAt,
		RefundAt:              o.RefundAt,
		UpdatedAt:             o.UpdatedAt,
		Version:               o.Version,
	}
}

func toDomainOrder(m *OrderModel) *domain.Order {
	return &domain.Order{
		ID:                    m.ID,
		OrderNo:               m.OrderNo,
		UserID:                m.UserID,
		DeviceID:              m.DeviceID,
		MerchantID:            m.MerchantID,
		Amount:                m.Amount,
		PaidAmount:            m.PaidAmount,
		RefundAmount:          m.RefundAmount,
		BalanceUsed:           m.BalanceUsed,
		GiftBalanceUsed:       m.GiftBalanceUsed,
		PaymentMethod:         domain.PaymentMethod(m.PaymentMethod),
		TransactionID:         m.TransactionID,
		Status:                domain.Status(m.Status),
		DurationMinutes:       m.DurationMinutes,
		ActualDurationMinutes: m.ActualDurationMinutes,
		RefundReason:          m.RefundReason,
		CancelReason:          m.CancelReason,
		Settled:               m.Settled,
		NeedsReview:           m.NeedsReview,
		CreatedAt:             m.CreatedAt,
		PaidAt:                m.PaidAt,
		StartedAt:             m.StartedAt,
		FinishedAt:            m.FinishedAt,
		CancelledAt:           m.CancelledAt,
		RefundAt:              m.RefundAt,
		UpdatedAt:             m.UpdatedAt,
		Version:               m.Version,
	}
}
