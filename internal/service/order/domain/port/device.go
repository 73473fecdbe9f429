// internal/service/order/domain/port/device.go
package port

import "context"

// DeviceController 是洗车设备网关的出站端口。
// Start 返回 nil 表示设备已确认启动；明确拒绝返回 domain.ErrDeviceRejected。
// 每次调用都必须带自己的超时上下文，一台设备卡死不能拖住整批扫描。
// 设备的异步状态回调不走这里，由消息接口层消费。
type DeviceController interface {
	Start(ctx context.Context, deviceID string, durationMinutes int) error
	Stop(ctx context.Context, deviceID string) error
}
