// internal/service/settlement/interfaces/http_handler.go
package interfaces

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"washlink/internal/pkg/logger"
	refunddomain "washlink/internal/service/refund/domain"
	"washlink/internal/service/settlement/application"
	"washlink/internal/service/settlement/domain"
)

// SettlementHandler 是结算与异常查询的运营端 HTTP 处理器。
type SettlementHandler struct {
	service    *application.Service
	exceptions refunddomain.ExceptionStore
}

func NewSettlementHandler(service *application.Service, exceptions refunddomain.ExceptionStore) *SettlementHandler {
	return &SettlementHandler{service: service, exceptions: exceptions}
}

func (h *SettlementHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/settlements", h.listSettlements)
	mux.HandleFunc("/admin/settlements/manual", h.manualSettle)
	mux.HandleFunc("/admin/settlements/backlog", h.listBacklog)
	mux.HandleFunc("/admin/exceptions", h.listExceptions)
	mux.HandleFunc("/admin/exceptions/resolve", h.resolveException)
}

func (h *SettlementHandler) listSettlements(w http.ResponseWriter, r *http.Request) {
	merchantID := r.URL.Query().Get("merchantId")
	if merchantID == "" {
		http.Error(w, "merchantId is required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}

	records, err := h.service.ListSettlements(r.Context(), merchantID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type manualSettleRequest struct {
	MerchantID  string    `json:"merchantId"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`
}

// manualSettle 追加一条人工重算台账。台账只追加不修改。
func (h *SettlementHandler) manualSettle(w http.ResponseWriter, r *http.Request) {
	var req manualSettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.MerchantID == "" || !req.PeriodEnd.After(req.PeriodStart) {
		http.Error(w, "merchantId and a valid period are required", http.StatusBadRequest)
		return
	}

	rec, err := h.service.ManualSettle(r.Context(), req.MerchantID, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadySettled) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		logger.Ctx(r.Context()).Error().Err(err).Str("merchant_id", req.MerchantID).Msg("manual settlement failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// listBacklog 列出截止时刻仍有未结算完成单的商户。
// before 缺省取当前时间，即全部积压。
func (h *SettlementHandler) listBacklog(w http.ResponseWriter, r *http.Request) {
	before := time.Now()
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "before must be RFC3339", http.StatusBadRequest)
			return
		}
		before = parsed
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	merchants, err := h.service.MerchantsWithBacklog(r.Context(), before, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"merchants": merchants})
}

func (h *SettlementHandler) listExceptions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	records, err := h.exceptions.ListOpen(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *SettlementHandler) resolveException(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if err := h.exceptions.Resolve(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
