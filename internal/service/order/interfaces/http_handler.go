// internal/service/order/interfaces/http_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"washlink/internal/pkg/logger"
	"washlink/internal/service/order/application"
	"washlink/internal/service/order/domain"
)

const serviceName = "order-service"

// OrderHandler 封装订单服务的 HTTP 处理器
type OrderHandler struct {
	service *application.OrderApplicationService
	tracer  trace.Tracer
}

// NewOrderHandler 创建一个新的 HTTP 处理器实例
func NewOrderHandler(service *application.OrderApplicationService) *OrderHandler {
	return &OrderHandler{service: service, tracer: otel.Tracer(serviceName)}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *OrderHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/orders/create", h.createOrder)
	mux.HandleFunc("/orders/get", h.getOrder)
	mux.HandleFunc("/orders/start", h.startDevice)
	mux.HandleFunc("/orders/cancel", h.cancelOrder)
	mux.HandleFunc("/orders/refund", h.refundOrder)
	mux.HandleFunc("/orders/manual_timeout", h.manualTimeout)
	mux.HandleFunc("/payments/initiate", h.initiatePayment)
	mux.HandleFunc("/payments/callback", h.paymentCallback)
}

func (h *OrderHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.CreateOrder")
	defer span.End()

	var req application.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	resp, err := h.service.CreateOrder(ctx, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *OrderHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.GetOrder")
	defer span.End()

	var (
		order *domain.Order
		err   error
	)
	if id := r.URL.Query().Get("id"); id != "" {
		order, err = h.service.GetOrder(ctx, id)
	} else if no := r.URL.Query().Get("orderNo"); no != "" {
		order, err = h.service.GetOrderByNo(ctx, no)
	} else {
		http.Error(w, "id or orderNo is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *OrderHandler) startDevice(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.StartDevice")
	defer span.End()

	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		http.Error(w, "orderId is required", http.StatusBadRequest)
		return
	}
	if err := h.service.StartDevice(ctx, orderID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *OrderHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.CancelOrder")
	defer span.End()

	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		http.Error(w, "orderId is required", http.StatusBadRequest)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "user_cancel"
	}
	if err := h.service.Cancel(ctx, orderID, reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *OrderHandler) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.RefundOrder")
	defer span.End()

	var req application.ManualTimeoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.OrderID == "" {
		http.Error(w, "orderId is required", http.StatusBadRequest)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "user_complaint"
	}
	if err := h.service.Refund(ctx, req.OrderID, reason, req.Amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refunded"})
}

func (h *OrderHandler) manualTimeout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.ManualTimeout")
	defer span.End()

	var req application.ManualTimeoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.OrderID == "" || req.Action == "" {
		http.Error(w, "orderId and action are required", http.StatusBadRequest)
		return
	}
	if err := h.service.ManualHandleTimeout(ctx, &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// paymentCallback 接收支付网关的入账回调。
// 重复回调返回 200，网关才会停止重推。
func (h *OrderHandler) initiatePayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.InitiatePayment")
	defer span.End()

	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		http.Error(w, "orderId is required", http.StatusBadRequest)
		return
	}
	transactionID, err := h.service.InitiatePayment(ctx, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transactionId": transactionID})
}

func (h *OrderHandler) paymentCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.PaymentCallback")
	defer span.End()

	var req application.PaymentCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.OrderNo == "" || req.TransactionID == "" {
		http.Error(w, "orderNo and transactionId are required", http.StatusBadRequest)
		return
	}

	if err := h.service.HandlePaymentCallback(ctx, &req); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_no", req.OrderNo).Msg("payment callback rejected")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *OrderHandler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	propagator := otel.GetTextMapPropagator()
	extracted := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return h.tracer.Start(extracted, name)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 把领域错误映射到 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrAlreadyPaid),
		errors.Is(err, domain.ErrRefundInProgress),
		errors.Is(err, domain.ErrConcurrentModification):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrPaymentMismatch):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrGatewayUnavailable),
		errors.Is(err, domain.ErrGatewayRejected),
		errors.Is(err, domain.ErrDeviceRejected):
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}
