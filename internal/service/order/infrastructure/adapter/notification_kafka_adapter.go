// internal/service/order/infrastructure/adapter/notification_kafka_adapter.go
package adapter

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"washlink/internal/pkg/mq"
	"washlink/internal/service/order/domain"
	"washlink/internal/service/order/domain/port"
)

// NotificationKafkaAdapter 实现了 port.NotificationPort。
// 通知事件发往 notifications 主题，由 push-gateway 消费后经 websocket 推给用户。
type NotificationKafkaAdapter struct {
	writer *kafka.Writer
}

func NewNotificationKafkaAdapter(writer *kafka.Writer) *NotificationKafkaAdapter {
	return &NotificationKafkaAdapter{writer: writer}
}

// Notify 发送一条通知事件。data 中的 orderId 作为分区键，保证单个订单的通知有序。
func (a *NotificationKafkaAdapter) Notify(ctx context.Context, recipient, templateType string, data map[string]string) error {
	event := domain.NotificationEvent{
		UserID:   recipient,
		OrderID:  data["orderId"],
		Template: templateType,
		Data:     data,
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification event")
	}
	// mq.ProduceMessage 会自动注入链路上下文
	return mq.ProduceMessage(ctx, a.writer, []byte(recipient), eventBytes)
}

// Close 关闭底层的 Kafka writer。
func (a *NotificationKafkaAdapter) Close() error {
	return a.writer.Close()
}

var _ port.NotificationPort = (*NotificationKafkaAdapter)(nil)
