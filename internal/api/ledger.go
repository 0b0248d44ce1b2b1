package api

import (
	"fmt"
	"net/http"

	"github.com/oriys/chronon/internal/domain"
	"github.com/oriys/chronon/internal/export"
)

// AdminRequest 是需要管理员令牌的请求体。
type AdminRequest struct {
	AdminToken string `json:"admin_token"`
}

// GetLedger 返回账本视图，揭盲前结论为 BLINDED。
// HTTP端点: GET /api/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	views := h.svc.Ledger()
	if views == nil {
		views = []domain.LedgerView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// GetLedgerState 返回揭盲状态。
// HTTP端点: GET /api/ledger/state
func (h *Handler) GetLedgerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.LedgerState())
}

// VerifyLedger 重新计算哈希链并返回校验报告。
// HTTP端点: GET /api/ledger/verify
func (h *Handler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.VerifyLedger())
}

// ExportCSV 以 CSV 形式下载账本。
// HTTP端点: GET /api/ledger/export.csv
func (h *Handler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	views, state := h.svc.LedgerSnapshot()
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger.csv"`)
	w.WriteHeader(http.StatusOK)
	if err := export.WriteCSV(w, views, state); err != nil {
		h.logger.WithError(err).Warn("Failed to write ledger CSV")
	}
}

// ExportLedger 把账本上传到对象存储。
// HTTP端点: POST /api/ledger/export
//
// 返回值：
//   - 200: 上传的对象键
//   - 403: 令牌不匹配
//   - 503: 未配置对象存储
func (h *Handler) ExportLedger(w http.ResponseWriter, r *http.Request) {
	var req AdminRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	res, err := h.svc.ExportLedger(r.Context(), req.AdminToken)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Unblind 全局揭盲。重复揭盲同样返回成功。
// HTTP端点: POST /api/unblind
//
// 返回值：
//   - 200: {"status": "unblinded"}
//   - 403: 令牌不匹配，状态不变
//   - 429: 超出揭盲请求频率限制
func (h *Handler) Unblind(w http.ResponseWriter, r *http.Request) {
	if !h.unblind.Allow() {
		h.svc.RecordRateLimited()
		w.Header().Set("Retry-After", "1")
		h.writeServiceError(w, r, domain.ErrRateLimited)
		return
	}

	var req AdminRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if _, err := h.svc.Unblind(r.Context(), req.AdminToken); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblinded"})
}
