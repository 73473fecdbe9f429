// internal/service/order/infrastructure/adapter/device_http_adapter.go
package adapter

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"washlink/internal/pkg/httpclient"
	"washlink/internal/pkg/metrics"
	"washlink/internal/service/order/domain"
	"washlink/internal/service/order/domain/port"
)

const deviceCallTimeout = 5 * time.Second

// DeviceHTTPAdapter 是 port.DeviceController 的 HTTP 实现。
// 设备网关同步返回 ack/failure：failure 映射为 ErrDeviceRejected，
// 网络失败视为不可达。设备的异步状态推送不经过这里。
type DeviceHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

func NewDeviceHTTPAdapter(client *httpclient.Client, baseURL string) *DeviceHTTPAdapter {
	return &DeviceHTTPAdapter{client: client, baseURL: baseURL}
}

type deviceCommand struct {
	DeviceID        string `json:"deviceId"`
	DurationMinutes int    `json:"durationMinutes,omitempty"`
}

type deviceAck struct {
	Ack    bool   `json:"ack"`
	Detail string `json:"detail,omitempty"`
}

func (a *DeviceHTTPAdapter) Start(ctx context.Context, deviceID string, durationMinutes int) error {
	return a.send(ctx, a.baseURL+"/start", deviceCommand{DeviceID: deviceID, DurationMinutes: durationMinutes})
}

func (a *DeviceHTTPAdapter) Stop(ctx context.Context, deviceID string) error {
	return a.send(ctx, a.baseURL+"/stop", deviceCommand{DeviceID: deviceID})
}

func (a *DeviceHTTPAdapter) send(ctx context.Context, url string, cmd deviceCommand) error {
	callCtx, cancel := context.WithTimeout(ctx, deviceCallTimeout)
	defer cancel()

	var ack deviceAck
	if err := a.client.PostJSON(callCtx, url, cmd, &ack); err != nil {
		metrics.ExternalFailures.WithLabelValues("device_gateway").Inc()
		return errors.Wrapf(err, "device %s unreachable", cmd.DeviceID)
	}
	if !ack.Ack {
		metrics.ExternalFailures.WithLabelValues("device_gateway").Inc()
		return errors.Wrapf(domain.ErrDeviceRejected, "device %s: %s", cmd.DeviceID, ack.Detail)
	}
	return nil
}

var _ port.DeviceController = (*DeviceHTTPAdapter)(nil)
