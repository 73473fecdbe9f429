// internal/service/rule/application/registry.go
package application

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"washlink/internal/service/rule/domain"
)

// Registry 是规则集的内存注册表：持久化配置的只读快照。
// 引擎求值走无锁的快照读；管理端修改走互斥的 read-modify-write，
// 先落库、再整体换快照，求值方永远不会看到半套规则。
type Registry struct {
	store domain.Store

	snapshot atomic.Value // map[domain.Kind][]*domain.Rule，按 Position 排好序
	writeMu  sync.Mutex
}

// NewRegistry 创建注册表并做首次加载。
func NewRegistry(ctx context.Context, store domain.Store) (*Registry, error) {
	r := &Registry{store: store}
	if err := r.reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// GetRules 返回某一类规则的有序列表。
// 返回的是快照切片，调用方按约定只读。
func (r *Registry) GetRules(kind domain.Kind) []*domain.Rule {
	byKind := r.snapshot.Load().(map[domain.Kind][]*domain.Rule)
	return byKind[kind]
}

// UpdateRule 原子地修改一条规则：持久化成功后整体重建快照。
// 规则不存在返回 domain.ErrRuleNotFound。
func (r *Registry) UpdateRule(ctx context.Context, id int64, patch domain.RulePatch) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	rules, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	var target *domain.Rule
	for _, rule := range rules {
		if rule.ID == id {
			target = rule
			break
		}
	}
	if target == nil {
		return domain.ErrRuleNotFound
	}

	if patch.Enabled != nil {
		target.Enabled = *patch.Enabled
	}
	if patch.Conditions != nil {
		target.Conditions = patch.Conditions
	}
	if patch.Action != nil {
		target.Action = patch.Action
	}
	if patch.Position != nil {
		target.Position = *patch.Position
	}

	if err := r.store.Save(ctx, target); err != nil {
		return err
	}
	return r.reload(ctx)
}

// CreateRule 新增一条规则并刷新快照。
func (r *Registry) CreateRule(ctx context.Context, rule *domain.Rule) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := r.store.Save(ctx, rule); err != nil {
		return err
	}
	return r.reload(ctx)
}

func (r *Registry) reload(ctx context.Context) error {
	rules, err := r.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	byKind := make(map[domain.Kind][]*domain.Rule)
	for _, rule := range rules {
		byKind[rule.Kind] = append(byKind[rule.Kind], rule)
	}
	for kind := range byKind {
		list := byKind[kind]
		sort.SliceStable(list, func(i, j int) bool { return list[i].Position < list[j].Position })
	}
	r.snapshot.Store(byKind)
	return nil
}
