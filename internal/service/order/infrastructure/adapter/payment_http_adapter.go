// internal/service/order/infrastructure/adapter/payment_http_adapter.go
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

const gatewayCallTimeout = 5 * time.Second

// PaymentHTTPAdapter 是 port.PaymentGateway 的 HTTP 实现。
// 网关的业务拒绝（code != 0）映射为 ErrGatewayRejected，
// 网络/超时/非 200 映射为 ErrGatewayUnavailable。
type PaymentHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
}

func NewPaymentHTTPAdapter(client *httpclient.Client, baseURL string) *PaymentHTTPAdapter {
	return &PaymentHTTPAdapter{client: client, baseURL: baseURL}
}

type gatewayRequest struct {
	OrderID string `json:"orderId"`
	Amount  int64  `json:"amount"`
}

type gatewayResponse struct {
	Code          int    `json:"code"` // 0 成功，非 0 业务拒绝
	Message       string `json:"message"`
	TransactionID string `json:"transactionId"`
}

func (a *PaymentHTTPAdapter) Charge(ctx context.Context, orderID string, amount int64) (*port.ChargeResult, error) {
	resp, err := a.call(ctx, a.baseURL+"/charge", orderID, amount)
	if err != nil {
		return nil, err
	}
	return &port.ChargeResult{TransactionID: resp.TransactionID}, nil
}

func (a *PaymentHTTPAdapter) Refund(ctx context.Context, orderID string, amount int64) (*port.RefundResult, error) {
	resp, err := a.call(ctx, a.baseURL+"/refund", orderID, amount)
	if err != nil {
		return nil, err
	}
	return &port.RefundResult{RefundTransactionID: resp.TransactionID}, nil
}

// call 每次调用都带自己的超时，绝不依赖调用方上下文的剩余时间。
func (a *PaymentHTTPAdapter) call(ctx context.Context, url, orderID string, amount int64) (*gatewayResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
	defer cancel()

	var resp gatewayResponse
	req := gatewayRequest{OrderID: orderID, Amount: amount}
	if err := a.client.PostJSON(callCtx, url, req, &resp); err != nil {
		metrics.ExternalFailures.WithLabelValues("payment_gateway").Inc()
		return nil, errors.Wrapf(domain.ErrGatewayUnavailable, "order %s: %v", orderID, err)
	}
	if resp.Code != 0 {
		metrics.ExternalFailures.WithLabelValues("payment_gateway").Inc()
		return nil, errors.Wrapf(domain.ErrGatewayRejected, "order %s: code=%d msg=%s", orderID, resp.Code, resp.Message)
	}
	return &resp, nil
}

var _ port.PaymentGateway = (*PaymentHTTPAdapter)(nil)
