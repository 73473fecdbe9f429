// internal/service/rule/interfaces/http_handler.go
package interfaces

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"washlink/internal/pkg/logger"
	"washlink/internal/service/rule/application"
	"washlink/internal/service/rule/domain"
)

// RuleHandler 是规则管理端的 HTTP 处理器。
// 规则变更即时生效，不需要重启或重新部署。
type RuleHandler struct {
	registry *application.Registry
}

func NewRuleHandler(registry *application.Registry) *RuleHandler {
	return &RuleHandler{registry: registry}
}

func (h *RuleHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/rules", h.listRules)
	mux.HandleFunc("/admin/rules/create", h.createRule)
	mux.HandleFunc("/admin/rules/update", h.updateRule)
}

func (h *RuleHandler) listRules(w http.ResponseWriter, r *http.Request) {
	kind := domain.Kind(r.URL.Query().Get("kind"))
	if kind != domain.KindRefund && kind != domain.KindSettlement {
		http.Error(w, "kind must be REFUND or SETTLEMENT", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.registry.GetRules(kind))
}

type rulePayload struct {
	ID         int64           `json:"id,omitempty"`
	Kind       domain.Kind     `json:"kind,omitempty"`
	Name       string          `json:"name,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
	Conditions []string        `json:"conditions,omitempty"`
	Action     json.RawMessage `json:"action,omitempty"`
	Position   *int            `json:"position,omitempty"`
}

func (h *RuleHandler) createRule(w http.ResponseWriter, r *http.Request) {
	var req rulePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.Kind == "" || req.Name == "" || len(req.Conditions) == 0 || len(req.Action) == 0 {
		http.Error(w, "kind, name, conditions and action are required", http.StatusBadRequest)
		return
	}
	rule := &domain.Rule{
		Kind:       req.Kind,
		Name:       req.Name,
		Enabled:    req.Enabled == nil || *req.Enabled,
		Conditions: req.Conditions,
		Action:     req.Action,
	}
	if req.Position != nil {
		rule.Position = *req.Position
	}
	if err := h.registry.CreateRule(r.Context(), rule); err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Str("rule_name", req.Name).Msg("failed to create rule")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *RuleHandler) updateRule(w http.ResponseWriter, r *http.Request) {
	var req rulePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.ID == 0 {
		if v := r.URL.Query().Get("id"); v != "" {
			req.ID, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	if req.ID == 0 {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	patch := domain.RulePatch{
		Enabled:    req.Enabled,
		Conditions: req.Conditions,
		Action:     req.Action,
		Position:   req.Position,
	}
	if err := h.registry.UpdateRule(r.Context(), req.ID, patch); err != nil {
		if errors.Is(err, domain.ErrRuleNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
