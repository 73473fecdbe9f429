// internal/service/order/infrastructure/adapter/zk_lock_adapter.go
package adapter

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"washlink/internal/service/order/domain/port"
	"washlink/internal/zookeeper"
)

// ZKLockAdapter 用 ZooKeeper 临时顺序节点实现 port.OrderLocker。
// 锁粒度是单个订单，锁名即订单 ID，多实例部署下依然互斥。
type ZKLockAdapter struct {
	conn    *zookeeper.Conn
	waitMax time.Duration
}

func NewZKLockAdapter(conn *zookeeper.Conn, waitMax time.Duration) *ZKLockAdapter {
	return &ZKLockAdapter{conn: conn, waitMax: waitMax}
}

// WithLock 实现 port.OrderLocker。
func (a *ZKLockAdapter) WithLock(_ context.Context, orderID string, fn func() error) error {
	lock, err := zookeeper.NewDistributedLock(a.conn, "order-"+orderID, a.waitMax)
	if err != nil {
		return errors.Wrapf(err, "failed to prepare lock for order %s", orderID)
	}
	if err := lock.Lock(); err != nil {
		return errors.Wrapf(err, "failed to acquire lock for order %s", orderID)
	}
	defer lock.Unlock()

	return fn()
}

var _ port.OrderLocker = (*ZKLockAdapter)(nil)
