package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oriys/chronon/internal/domain"
)

// LaunchRequest 是启动运行的请求体。
type LaunchRequest struct {
	CommandType string          `json:"command_type"`
	Args        json.RawMessage `json:"args"`
}

// LaunchResponse 是启动运行的响应体。
type LaunchResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// ListRuns 返回全部运行，按创建时间从新到旧。
// HTTP端点: GET /api/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.svc.Runs()
	if runs == nil {
		runs = []domain.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun 返回单个运行。
// HTTP端点: GET /api/runs/{run_id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Run(chi.URLParam(r, "run_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// LaunchRun 启动运行。
// HTTP端点: POST /api/runs/launch
//
// 请求体格式:
//
//	{"command_type": "simulate", "args": {"eps": 0.1}}
//
// 返回值：
//   - 200: {"run_id": "...", "status": "started"}
//   - 400: 请求体不合法、参数不合法或运行类型未知
func (h *Handler) LaunchRun(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if err := decodeJSON(r, w, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.CommandType == "" {
		writeError(w, r, http.StatusBadRequest, "command_type is required")
		return
	}

	run, err := h.svc.Launch(r.Context(), req.CommandType, req.Args)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LaunchResponse{RunID: run.ID, Status: "started"})
}

// CancelRun 取消运行，对已结束的运行返回其当前状态。
// HTTP端点: POST /api/runs/{run_id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run_id": run.ID, "status": run.Status})
}
