package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/chronon/internal/api"
	"github.com/oriys/chronon/internal/auth"
	"github.com/oriys/chronon/internal/commit"
	"github.com/oriys/chronon/internal/config"
	"github.com/oriys/chronon/internal/events"
	"github.com/oriys/chronon/internal/export"
	"github.com/oriys/chronon/internal/ledger"
	"github.com/oriys/chronon/internal/loghub"
	"github.com/oriys/chronon/internal/metrics"
	"github.com/oriys/chronon/internal/process"
	"github.com/oriys/chronon/internal/registry"
	"github.com/oriys/chronon/internal/scheduler"
	"github.com/oriys/chronon/internal/storage"
	"github.com/oriys/chronon/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket service",
	Long: `启动 HTTP 与 WebSocket 服务。

服务启动时会依次：
  1. 从 PostgreSQL / Redis（如已启用）恢复账本与运行记录
  2. 为重启前未结束的运行封存 FAIL 结论
  3. 注册运行记录的定时清理任务
  4. 在 server.http_port 上提供 API，在 server.metrics_port 上提供指标`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("http-port", 0, "API 监听端口（覆盖 server.http_port）")
	serveCmd.Flags().Int("metrics-port", 0, "指标监听端口（覆盖 server.metrics_port）")
	viper.BindPFlag("server.http_port", serveCmd.Flags().Lookup("http-port"))
	viper.BindPFlag("server.metrics_port", serveCmd.Flags().Lookup("metrics-port"))
}

// closer 记录需要在退出时关闭的资源
type closer struct {
	name string
	fn   func() error
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		printErr("Failed to load config: %v", err)
		return err
	}
	logger := newLogger(cfg.Logging)
	logger.WithField("version", Version).Info("Starting chronon")

	ctx := context.Background()
	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(); err != nil {
				logger.WithError(err).WithField("resource", closers[i].name).Warn("Close failed")
			}
		}
	}()

	tel, err := telemetry.New(ctx, cfg.Telemetry, Version)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize telemetry, continuing without tracing")
		tel, _ = telemetry.New(ctx, config.TelemetryConfig{}, Version)
	} else if tel.Enabled() {
		logger.WithFields(logrus.Fields{
			"endpoint":    cfg.Telemetry.Endpoint,
			"sample_rate": cfg.Telemetry.SampleRate,
		}).Info("Telemetry initialized")
	}
	closers = append(closers, closer{"telemetry", func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(sctx)
	}})

	var m *metrics.Metrics
	var recorder loghub.Recorder
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.NewMetrics(cfg.Metrics.Namespace, reg)
		recorder = m
	}

	secret, err := adminSecret(cfg.Admin, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closer{"admin secret", secret.Close})

	probes := map[string]api.Pinger{}

	var ledgerStore ledger.Store
	if cfg.Storage.Postgres.Enabled {
		pg, err := storage.OpenPostgres(ctx, cfg.Storage.Postgres, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to connect to PostgreSQL")
			return err
		}
		closers = append(closers, closer{"postgres", pg.Close})
		ledgerStore = pg
		probes["postgres"] = pg
	}

	var runStore registry.RunStore
	if cfg.Storage.Redis.Enabled {
		rs, err := storage.OpenRedis(ctx, cfg.Storage.Redis, logger)
		if err != nil {
			logger.WithError(err).Error("Failed to connect to Redis")
			return err
		}
		closers = append(closers, closer{"redis", rs.Close})
		runStore = rs
		probes["redis"] = rs
	}

	l := ledger.New(ledger.Options{
		Operator: cfg.Ledger.Operator,
		Verifier: secret,
		Store:    ledgerStore,
		Logger:   logger,
	})
	if err := l.Restore(ctx); err != nil {
		logger.WithError(err).Error("Failed to restore ledger")
		return err
	}

	reg := registry.New(runStore, logger)
	if n, err := reg.Restore(ctx); err != nil {
		logger.WithError(err).Error("Failed to restore runs")
		return err
	} else if n > 0 {
		logger.WithField("runs", n).Info("Runs restored")
	}

	catalog, err := process.CatalogFromConfig(cfg.Runner)
	if err != nil {
		logger.WithError(err).Error("Invalid command templates")
		return err
	}

	var notifier scheduler.Notifier
	if cfg.Events.NatsURL != "" {
		bus, err := events.NewEventBus(cfg.Events.NatsURL, cfg.Events.Stream, "chronon", logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to NATS, lifecycle events disabled")
		} else {
			closers = append(closers, closer{"nats", bus.Close})
			notifier = bus
		}
	}

	var exporter scheduler.LedgerExporter
	if cfg.Export.Endpoint != "" {
		ex, err := export.NewMinioExporter(ctx, cfg.Export, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize object store, ledger upload disabled")
		} else {
			exporter = ex
		}
	}

	coord := scheduler.New(scheduler.Options{
		Catalog: catalog,
		Committer: commit.NewCommitter(commit.Options{
			Version:    cfg.Ledger.CodeVersion,
			CodeDir:    cfg.Ledger.CodeDir,
			Extensions: cfg.Ledger.CodeExtensions,
		}),
		Ledger:   l,
		Registry: reg,
		Hub: loghub.New(loghub.Config{
			SubscriberBuffer: cfg.LogHub.SubscriberBuffer,
			ReplayLines:      cfg.LogHub.ReplayLines,
			ClosedRetention:  cfg.LogHub.ClosedRetention,
		}, logger, recorder),
		Runner:   process.ConfigFromRunner(cfg.Runner),
		Metrics:  m,
		Notifier: notifier,
		Exporter: exporter,
		Operator: cfg.Ledger.Operator,
		Logger:   logger,
	})
	coord.Recover(ctx)

	cron := scheduler.NewCronManager(logger)
	if err := coord.ScheduleSweep(cron, cfg.Registry.SweepSchedule, cfg.Registry.Retention); err != nil {
		logger.WithError(err).Error("Invalid sweep schedule")
		return err
	}
	cron.Start()
	defer cron.Stop()

	handler := api.NewHandler(coord, api.HandlerConfig{
		UnblindRate:    cfg.Admin.UnblindRate,
		UnblindBurst:   cfg.Admin.UnblindBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Probes:         probes,
	}, logger)

	routerCfg := &api.RouterConfig{
		Handler:        handler,
		Logger:         logger,
		ServiceName:    cfg.Telemetry.ServiceName,
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}
	// 指标端口与主端口相同时挂在主路由上，否则单独监听
	var metricsServer *http.Server
	if m != nil {
		if cfg.Server.MetricsPort == cfg.Server.HTTPPort {
			routerCfg.Metrics = m.Handler()
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			metricsServer = &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
				IdleTimeout:  60 * time.Second,
			}
		}
	}

	// WriteTimeout 不设置：日志流是长连接，普通请求由路由中的超时中间件限制
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.WithField("port", cfg.Server.HTTPPort).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if metricsServer != nil {
		go func() {
			logger.WithField("port", cfg.Server.MetricsPort).Info("Starting metrics server")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutting down server...")
	case runErr = <-errCh:
		logger.WithError(runErr).Error("Server failed, shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(sctx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(sctx); err != nil {
			logger.WithError(err).Error("Metrics server shutdown error")
		}
	}
	if active := coord.Active(); active > 0 {
		logger.WithField("runs", active).Info("Cancelling active runs")
	}
	if err := coord.Shutdown(sctx); err != nil {
		logger.WithError(err).Error("Runs did not stop before shutdown timeout")
	}

	logger.Info("Server stopped")
	return runErr
}

// adminSecret 创建管理员令牌校验器。配置了令牌文件时监听文件变化并热加载。
func adminSecret(cfg config.AdminConfig, logger *logrus.Logger) (*auth.AdminSecret, error) {
	if cfg.TokenFile == "" {
		s := auth.NewAdminSecret(cfg.Token)
		if !s.Configured() {
			logger.Warn("No admin token configured, unblind and ledger upload are disabled")
		}
		return s, nil
	}
	s, err := auth.LoadAdminSecret(cfg.TokenFile, logger)
	if err != nil {
		logger.WithError(err).WithField("path", cfg.TokenFile).Error("Failed to read admin token file")
		return nil, err
	}
	if err := s.Watch(); err != nil {
		logger.WithError(err).Warn("Admin token hot reload disabled")
	}
	return s, nil
}
