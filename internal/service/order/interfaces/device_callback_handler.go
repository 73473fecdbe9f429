// internal/service/order/interfaces/device_callback_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"washlink/internal/pkg/logger"
	"washlink/internal/pkg/mq"
	"washlink/internal/service/order/application"
	"washlink/internal/service/order/domain"
)

// messageReader 抽象 kafka.Reader 的消费面，*kafka.Reader 直接满足。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Config() kafka.ReaderConfig
	Close() error
}

// DeviceCallbackConsumer 是一个驱动适配器，它消费设备状态回调消息并驱动应用服务。
// 设备网关按 at-least-once 投递，重复消息由应用服务的幂等保证吸收。
type DeviceCallbackConsumer struct {
	reader  messageReader
	appSvc  *application.OrderApplicationService
	wg      sync.WaitGroup
	stopped atomic.Bool // Stop 在别的 goroutine 上置位，消费循环读
}

// NewDeviceCallbackConsumer 创建设备回调的 Kafka 消费者适配器。
func NewDeviceCallbackConsumer(reader messageReader, appSvc *application.OrderApplicationService) *DeviceCallbackConsumer {
	return &DeviceCallbackConsumer{
		reader: reader,
		appSvc: appSvc,
	}
}

// Start 开始监听设备回调主题。这是一个长期运行的方法。
func (c *DeviceCallbackConsumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", c.reader.Config().Topic).Msg("device callback consumer started")
		for {
			if c.stopped.Load() {
				return
			}
			// 使用FetchMessage而不是ReadMessage，以便更好地控制退出逻辑
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Msg("device callback consumer shutting down")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("could not read device callback, retrying")
				time.Sleep(1 * time.Second) // 避免快速失败循环
				continue
			}

			propagator := otel.GetTextMapPropagator()
			headerCarrier := mq.KafkaHeaderCarrier(msg.Headers)
			newCtx := propagator.Extract(ctx, &headerCarrier)

			c.processMessage(newCtx, msg)

			// 处理完成后提交Offset。失败的消息也提交：订单侧已留痕，
			// 卡住分区比丢一条回调代价更大，超时扫描会兜住漏网的订单。
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("failed to commit device callback offset")
			}
		}
	}()

	return nil
}

// Stop 优雅地停止消费者。
func (c *DeviceCallbackConsumer) Stop(ctx context.Context) {
	c.stopped.Store(true)
	c.reader.Close()
	c.wg.Wait()
	logger.Ctx(ctx).Info().Msg("device callback consumer stopped")
}

// processMessage 反序列化消息并调用应用服务。
func (c *DeviceCallbackConsumer) processMessage(ctx context.Context, msg kafka.Message) {
	var event domain.DeviceStatusEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("malformed device callback skipped")
		return
	}
	if event.OrderID == "" || event.Event == "" {
		logger.Ctx(ctx).Warn().Str("event_id", event.EventID).Msg("device callback missing required fields, skipped")
		return
	}

	if err := c.appSvc.HandleDeviceStatus(ctx, &event); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("order_id", event.OrderID).
			Str("event", event.Event).
			Msg("failed to handle device callback")
	}
}
