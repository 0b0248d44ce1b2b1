// Package api 提供协调器的 HTTP 与 WebSocket 接口。
// 该包只负责校验请求形状、调用协调器并把错误映射为状态码，不包含业务逻辑。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/oriys/chronon/internal/domain"
	"github.com/oriys/chronon/internal/export"
	"github.com/oriys/chronon/internal/ledger"
	"github.com/oriys/chronon/internal/loghub"
	"github.com/oriys/chronon/internal/process"
	"github.com/oriys/chronon/internal/telemetry"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxBodyBytes 是请求体的大小上限。
const maxBodyBytes = 1 << 20

// Service 是 API 依赖的协调器能力，*scheduler.Coordinator 满足该接口。
type Service interface {
	Launch(ctx context.Context, commandType string, args json.RawMessage) (domain.Run, error)
	Cancel(ctx context.Context, id string) (domain.Run, error)
	Run(id string) (domain.Run, error)
	Runs() []domain.Run
	Subscribe(id string) (*loghub.Subscription, error)
	Ledger() []domain.LedgerView
	LedgerState() domain.LedgerState
	LedgerSnapshot() ([]domain.LedgerView, domain.LedgerState)
	VerifyLedger() ledger.VerifyReport
	Unblind(ctx context.Context, token string) (bool, error)
	RecordRateLimited()
	ExportLedger(ctx context.Context, token string) (*export.Result, error)
}

// Pinger 是就绪检查使用的依赖探测接口。
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler 是 API 请求处理器。
//
// 字段说明：
//   - svc: 运行协调器
//   - unblind: 揭盲请求的限流器，对所有揭盲请求生效
//   - probes: 就绪检查依赖（名称 -> 探测器）
//   - upgrader: WebSocket 升级器
type Handler struct {
	svc      Service
	unblind  *rate.Limiter
	probes   map[string]Pinger
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// HandlerConfig 处理器配置
type HandlerConfig struct {
	// UnblindRate 是每秒允许的揭盲请求数，<= 0 表示不限流
	UnblindRate float64
	// UnblindBurst 是揭盲请求的突发上限
	UnblindBurst int
	// AllowedOrigins 是 WebSocket 允许的来源，为空或包含 "*" 时允许所有来源
	AllowedOrigins []string
	// Probes 是就绪检查依赖
	Probes map[string]Pinger
}

// NewHandler 创建处理器。
// 参数：
//   - svc: 运行协调器
//   - cfg: 处理器配置
//   - logger: 日志记录器
//
// 返回值：
//   - *Handler: 处理器实例
func NewHandler(svc Service, cfg HandlerConfig, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	limit := rate.Inf
	if cfg.UnblindRate > 0 {
		limit = rate.Limit(cfg.UnblindRate)
	}
	burst := cfg.UnblindBurst
	if burst <= 0 {
		burst = 1
	}
	return &Handler{
		svc:     svc,
		unblind: rate.NewLimiter(limit, burst),
		probes:  cfg.Probes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		logger: logger,
	}
}

// Health 基本健康检查。
// HTTP端点: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Live 存活探针。
// HTTP端点: GET /health/live
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready 就绪探针，逐个探测配置的存储依赖。
// HTTP端点: GET /health/ready
//
// 返回值：
//   - 200: 所有依赖可用
//   - 503: 任一依赖不可用，响应中列出失败的依赖
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, p := range h.probes {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeJSON 将数据以 JSON 格式写入响应。
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse 是统一的错误响应结构体。
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// writeError 写入错误响应，request_id 来自 middleware.RequestID。
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     message,
		RequestID: middleware.GetReqID(r.Context()),
		TraceID:   telemetry.TraceIDFromContext(r.Context()),
	})
}

// writeServiceError 把领域错误映射为状态码后写入响应。5xx 错误会记录日志且不向客户端暴露细节。
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.WithContext(r.Context()).WithError(err).WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("Request failed")
		telemetry.RecordError(r.Context(), err)
		writeError(w, r, status, "internal server error")
		return
	}
	writeError(w, r, status, err.Error())
}

// statusForError 返回领域错误对应的 HTTP 状态码。
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnknownCommandType):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrLedgerEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateVerdict), errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrRunExists), errors.Is(err, domain.ErrDuplicateEntry):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrExportUnavailable), errors.Is(err, process.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON 解码请求体，限制大小。
func decodeJSON(r *http.Request, w http.ResponseWriter, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return err
	}
	return nil
}
