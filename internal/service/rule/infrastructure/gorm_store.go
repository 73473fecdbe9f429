// internal/service/rule/infrastructure/gorm_store.go
package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"washlink/internal/service/rule/domain"
)

// RuleModel 对应数据库中的 wash_rule 表。
// Conditions 以 JSON 数组存储。
type RuleModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Kind       string `gorm:"size:32;index"`
	Name       string `gorm:"size:128"`
	Enabled    bool
	Conditions string `gorm:"type:text"`
	Action     string `gorm:"type:text"`
	Position   int    `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (RuleModel) TableName() string {
	return "wash_rule"
}

// GormRuleStore 是 domain.Store 的 GORM 实现。
type GormRuleStore struct {
	db *gorm.DB
}

func NewGormRuleStore(db *gorm.DB) *GormRuleStore {
	return &GormRuleStore{db: db}
}

func (s *GormRuleStore) LoadAll(ctx context.Context) ([]*domain.Rule, error) {
	var models []RuleModel
	if err := s.db.WithContext(ctx).Order("kind, position, id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	rules := make([]*domain.Rule, 0, len(models))
	for i := range models {
		r, err := toDomainRule(&models[i])
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (s *GormRuleStore) Save(ctx context.Context, rule *domain.Rule) error {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal rule conditions: %w", err)
	}
	model := RuleModel{
		ID:         rule.ID,
		Kind:       string(rule.Kind),
		Name:       rule.Name,
		Enabled:    rule.Enabled,
		Conditions: string(conditions),
		Action:     string(rule.Action),
		Position:   rule.Position,
	}
	if err := s.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("failed to save rule %d: %w", rule.ID, err)
	}
	rule.ID = model.ID
	return nil
}

func toDomainRule(m *RuleModel) (*domain.Rule, error) {
	var conditions []string
	if m.Conditions != "" {
		if err := json.Unmarshal([]byte(m.Conditions), &conditions); err != nil {
			return nil, fmt.Errorf("rule %d has malformed conditions: %w", m.ID, err)
		}
	}
	return &domain.Rule{
		ID:         m.ID,
		Kind:       domain.Kind(m.Kind),
		Name:       m.Name,
		Enabled:    m.Enabled,
		Conditions: conditions,
		Action:     json.RawMessage(m.Action),
		Position:   m.Position,
	}, nil
}
