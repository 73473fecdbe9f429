// internal/service/order/domain/port/notification.go
package port

import "context"

// NotificationPort 是通知投递的出站端口。
// 纯 fire-and-forget：失败由调用方记日志，永远不影响订单迁移的结果。
type NotificationPort interface {
	Notify(ctx context.Context, recipient, templateType string, data map[string]string) error
}
