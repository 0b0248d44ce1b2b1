package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/chronon/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// RouterConfig 路由器配置选项
type RouterConfig struct {
	// Handler API处理器
	Handler *Handler
	// Logger 日志记录器
	Logger *logrus.Logger
	// Metrics 指标端点处理器（可选，为 nil 时不注册 /metrics）
	Metrics http.Handler
	// ServiceName 追踪中使用的服务名
	ServiceName string
	// RequestTimeout 普通请求的超时时间，0 表示 60 秒
	RequestTimeout time.Duration
	// AllowedOrigins CORS 允许的来源，为空时允许所有来源
	AllowedOrigins []string
}

// NewRouter 创建并配置HTTP路由器。
//
// 参数：
//   - cfg: 路由器配置
//
// 返回值：
//   - *chi.Mux: 配置完成的路由器实例
//
// 路由结构：
//
//	/health                       - 基本健康检查
//	/health/ready                 - 就绪探针
//	/health/live                  - 存活探针
//	/metrics                      - Prometheus指标端点
//	/api/runs                     - 运行列表与启动、取消
//	/api/ledger                   - 账本查询、校验与导出
//	/api/unblind                  - 全局揭盲
//	/ws/runs/{run_id}/logs        - 实时日志流
//
// WebSocket 路由不经过压缩与超时中间件。
func NewRouter(cfg *RouterConfig) *chi.Mux {
	h := cfg.Handler
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "chronon"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)
	r.Get("/health/live", h.Live)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	// 长连接，不能套用超时与压缩
	r.Get("/ws/runs/{run_id}/logs", h.StreamLogs)

	r.Group(func(r chi.Router) {
		r.Use(telemetry.HTTPMiddleware(serviceName))
		r.Use(middleware.Compress(5, "application/json", "text/csv"))
		r.Use(middleware.Timeout(timeout))

		r.Route("/api", func(r chi.Router) {
			r.Route("/runs", func(r chi.Router) {
				r.Get("/", h.ListRuns)
				r.Post("/launch", h.LaunchRun)
				r.Get("/{run_id}", h.GetRun)
				r.Post("/{run_id}/cancel", h.CancelRun)
			})

			r.Route("/ledger", func(r chi.Router) {
				r.Get("/", h.GetLedger)
				r.Get("/state", h.GetLedgerState)
				r.Get("/verify", h.VerifyLedger)
				r.Get("/export.csv", h.ExportCSV)
				r.Post("/export", h.ExportLedger)
			})

			r.Post("/unblind", h.Unblind)
		})
	})

	return r
}

// requestLogger 使用 logrus 记录每个请求的方法、路径、状态码与耗时。
func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.WithContext(r.Context()).WithFields(logrus.Fields{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      ww.Status(),
					"bytes":       ww.BytesWritten(),
					"duration_ms": time.Since(start).Milliseconds(),
					"request_id":  middleware.GetReqID(r.Context()),
				}).Debug("HTTP request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// corsMiddleware 处理跨域请求，allowed 为空或包含 "*" 时允许所有来源。
func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	allowAll := len(allowed) == 0
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[strings.TrimRight(o, "/")] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && set[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
