// internal/service/refund/infrastructure/redis_guard.go
package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"washlink/internal/pkg/redis"
	"washlink/internal/service/order/domain/port"
)

const (
	releaseScriptName = "refund_guard_release"

	// 比较 token 后再删除，防止误删他人抢到的预留
	releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`
)

// RedisRefundGuard 用 SET NX + 过期时间实现退款预留标记。
// token 保证只有抢占者能释放自己的标记；执行者崩溃后标记随 TTL 自动失效。
type RedisRefundGuard struct {
	client *redis.Client
	ttl    time.Duration
	token  string // 本进程实例的持有者标识
}

func NewRedisRefundGuard(client *redis.Client, ttl time.Duration) (*RedisRefundGuard, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if err := client.LoadScriptFromContent(releaseScriptName, releaseScript); err != nil {
		return nil, fmt.Errorf("failed to load refund guard release script: %w", err)
	}
	return &RedisRefundGuard{
		client: client,
		ttl:    ttl,
		token:  uuid.New().String(),
	}, nil
}

func guardKey(orderID string) string {
	return fmt.Sprintf("refund:inprogress:{%s}", orderID)
}

// TryReserve 实现 port.RefundGuard。
func (g *RedisRefundGuard) TryReserve(ctx context.Context, orderID string) (bool, error) {
	ok, err := g.client.GetClient().SetNX(ctx, guardKey(orderID), g.token, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve refund guard for order %s: %w", orderID, err)
	}
	return ok, nil
}

// Release 实现 port.RefundGuard。
func (g *RedisRefundGuard) Release(ctx context.Context, orderID string) error {
	_, err := g.client.RunScript(ctx, releaseScriptName, []string{guardKey(orderID)}, g.token)
	if err != nil {
		return fmt.Errorf("failed to release refund guard for order %s: %w", orderID, err)
	}
	return nil
}

var _ port.RefundGuard = (*RedisRefundGuard)(nil)
