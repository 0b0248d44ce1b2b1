// Package scheduler 负责运行的编排：在执行前提交承诺、登记运行、调度子进程，
// 并在运行结束后更新指标与事件。
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/chronon/internal/commit"
	"github.com/oriys/chronon/internal/domain"
	"github.com/oriys/chronon/internal/events"
	"github.com/oriys/chronon/internal/export"
	"github.com/oriys/chronon/internal/ledger"
	"github.com/oriys/chronon/internal/loghub"
	"github.com/oriys/chronon/internal/metrics"
	"github.com/oriys/chronon/internal/process"
	"github.com/oriys/chronon/internal/registry"
	"github.com/oriys/chronon/internal/telemetry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Notifier 发布运行与账本事件，*events.EventBus 满足该接口。
type Notifier interface {
	PublishRunLaunched(ctx context.Context, entry *domain.LedgerEntry) error
	PublishRunFinished(ctx context.Context, payload events.RunFinished) error
	PublishVerdictSealed(ctx context.Context, runID, commitment string) error
	PublishUnblinded(ctx context.Context, at time.Time, entries int) error
}

// LedgerExporter 上传账本快照，*export.Exporter 满足该接口。
type LedgerExporter interface {
	Export(ctx context.Context, operator string, views []domain.LedgerView, state domain.LedgerState) (*export.Result, error)
}

// Options 协调器依赖
type Options struct {
	Catalog   *process.Catalog
	Committer *commit.Committer
	Ledger    *ledger.Ledger
	Registry  *registry.Registry
	Hub       *loghub.Hub
	Runner    process.Config
	// Metrics 可为 nil
	Metrics *metrics.Metrics
	// Notifier 可为 nil
	Notifier Notifier
	// Exporter 可为 nil，此时导出返回 ErrExportUnavailable
	Exporter LedgerExporter
	Operator string
	Logger   *logrus.Logger
}

// Coordinator 运行协调器
type Coordinator struct {
	catalog   *process.Catalog
	committer *commit.Committer
	ledger    *ledger.Ledger
	registry  *registry.Registry
	hub       *loghub.Hub
	runner    *process.Runner
	metrics   *metrics.Metrics
	notifier  Notifier
	exporter  LedgerExporter
	operator  string
	logger    *logrus.Logger
}

// New 创建协调器及其子进程执行器。
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	c := &Coordinator{
		catalog:   opts.Catalog,
		committer: opts.Committer,
		ledger:    opts.Ledger,
		registry:  opts.Registry,
		hub:       opts.Hub,
		metrics:   opts.Metrics,
		notifier:  opts.Notifier,
		exporter:  opts.Exporter,
		operator:  opts.Operator,
		logger:    opts.Logger,
	}
	c.runner = process.NewRunner(opts.Runner, statusSink{c}, opts.Hub, verdictSink{c}, opts.Logger, c.onFinish)
	c.metrics.UpdateLedger(c.ledger.Len(), c.ledger.State().Revealed)
	return c
}

// Launch 校验参数、提交承诺并异步启动运行。
// 参数：
//   - ctx: 请求上下文
//   - commandType: 运行类型名
//   - args: 启动参数（JSON 对象，缺省视为 {}）
//
// 返回值：
//   - domain.Run: 处于 queued 状态的运行快照
//   - error: 参数不合法返回 ErrValidation / ErrUnknownCommandType，此时不会产生运行或账本条目
func (c *Coordinator) Launch(ctx context.Context, commandType string, args json.RawMessage) (domain.Run, error) {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.launch", attribute.String("run.type", commandType))
	defer span.End()

	runType, err := domain.ParseRunType(commandType)
	if err != nil {
		return domain.Run{}, err
	}
	config := normalizeArgs(args)

	id := uuid.New().String()
	span.SetAttributes(attribute.String("run.id", id))
	log := c.logger.WithContext(ctx).WithFields(logrus.Fields{"run_id": id, "type": runType})

	argv, env, err := c.catalog.Render(runType, id, config)
	if err != nil {
		return domain.Run{}, err
	}
	commitment, err := c.committer.Commit(runType, config)
	if err != nil {
		return domain.Run{}, err
	}

	entry, err := c.ledger.Append(ctx, id, runType, commitment)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return domain.Run{}, fmt.Errorf("record commitment: %w", err)
	}

	run, err := c.registry.Create(id, runType, config, argv)
	if err != nil {
		c.abandon(ctx, id, err)
		return domain.Run{}, err
	}
	if err := c.runner.Launch(process.Spec{RunID: id, Type: runType, Argv: argv, Env: env}); err != nil {
		c.abandon(ctx, id, err)
		if _, ferr := c.registry.Finish(id, domain.RunStatusFailed, nil, err.Error()); ferr != nil {
			log.WithError(ferr).Warn("Failed to fail unlaunched run")
		}
		return domain.Run{}, err
	}

	c.metrics.RecordRunLaunched(string(runType))
	c.metrics.UpdateLedger(c.ledger.Len(), c.ledger.State().Revealed)
	if c.notifier != nil {
		if err := c.notifier.PublishRunLaunched(ctx, entry); err != nil {
			log.WithError(err).Warn("Failed to publish launch event")
		}
	}
	log.WithFields(logrus.Fields{
		"hash_config":  commitment.HashConfig,
		"hash_code":    commitment.HashCode,
		"code_version": commitment.CodeVersion,
	}).Info("Run launched")
	return run, nil
}

// abandon 为已写入账本但无法启动的运行封存 FAIL 结论并关闭日志流。
func (c *Coordinator) abandon(ctx context.Context, id string, cause error) {
	c.logger.WithError(cause).WithField("run_id", id).Error("Run could not be scheduled")
	if err := c.ledger.RecordVerdict(ctx, id, domain.VerdictFail); err != nil {
		c.logger.WithError(err).WithField("run_id", id).Warn("Failed to seal verdict for unscheduled run")
	}
	c.hub.CloseRun(id)
}

// normalizeArgs 把缺省或 null 的参数视为空对象。
func normalizeArgs(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	return trimmed
}

// Cancel 取消运行。对已结束的运行是无副作用的，返回其当前状态。
func (c *Coordinator) Cancel(ctx context.Context, id string) (domain.Run, error) {
	run, err := c.registry.Get(id)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status.IsTerminal() {
		return run, nil
	}
	if c.runner.Cancel(id) {
		c.logger.WithContext(ctx).WithField("run_id", id).Info("Run cancellation requested")
	}
	return c.registry.Get(id)
}

// Run 返回单个运行。
func (c *Coordinator) Run(id string) (domain.Run, error) {
	return c.registry.Get(id)
}

// Runs 返回全部运行，按创建时间从新到旧。
func (c *Coordinator) Runs() []domain.Run {
	return c.registry.List()
}

// Subscribe 订阅运行的日志流。运行不存在时返回 ErrRunNotFound，
// 运行已结束（包括重启后恢复的运行）时返回已关闭的空流。
func (c *Coordinator) Subscribe(id string) (*loghub.Subscription, error) {
	run, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return c.hub.Ended(id), nil
	}
	return c.hub.Subscribe(id), nil
}

// Ledger 返回账本视图。
func (c *Coordinator) Ledger() []domain.LedgerView {
	return c.ledger.List()
}

// LedgerState 返回揭盲状态。
func (c *Coordinator) LedgerState() domain.LedgerState {
	return c.ledger.State()
}

// VerifyLedger 校验账本哈希链与结论承诺。
func (c *Coordinator) VerifyLedger() ledger.VerifyReport {
	return c.ledger.Verify()
}

// Unblind 揭盲账本。
// 返回值：
//   - bool: 本次调用是否改变了状态
//   - error: 令牌不匹配返回 ErrForbidden
func (c *Coordinator) Unblind(ctx context.Context, token string) (bool, error) {
	changed, err := c.ledger.Unblind(ctx, token)
	switch {
	case errors.Is(err, domain.ErrForbidden):
		c.metrics.RecordUnblind("forbidden")
		c.logger.WithContext(ctx).Warn("Unblind rejected: invalid admin token")
		return false, err
	case err != nil:
		return false, err
	case !changed:
		c.metrics.RecordUnblind("already")
		return false, nil
	}

	c.metrics.RecordUnblind("unblinded")
	state := c.ledger.State()
	c.metrics.UpdateLedger(c.ledger.Len(), true)
	c.logger.WithContext(ctx).WithField("entries", c.ledger.Len()).Warn("Ledger unblinded")
	if c.notifier != nil && state.RevealedAt != nil {
		if err := c.notifier.PublishUnblinded(ctx, *state.RevealedAt, c.ledger.Len()); err != nil {
			c.logger.WithError(err).Warn("Failed to publish unblind event")
		}
	}
	return true, nil
}

// RecordRateLimited 记录被限流的揭盲请求。
func (c *Coordinator) RecordRateLimited() {
	c.metrics.RecordUnblind("rate_limited")
}

// ExportLedger 校验管理员令牌后把账本上传到对象存储。
func (c *Coordinator) ExportLedger(ctx context.Context, token string) (*export.Result, error) {
	if err := c.ledger.Authorize(token); err != nil {
		return nil, err
	}
	if c.exporter == nil {
		return nil, domain.ErrExportUnavailable
	}
	ctx, span := telemetry.StartSpan(ctx, "coordinator.export")
	defer span.End()

	views, state := c.ledger.Snapshot()
	res, err := c.exporter.Export(ctx, c.operator, views, state)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	return res, nil
}

// LedgerSnapshot 返回一致的账本视图与揭盲状态，供 CSV 导出使用。
func (c *Coordinator) LedgerSnapshot() ([]domain.LedgerView, domain.LedgerState) {
	return c.ledger.Snapshot()
}

// Recover 在启动时为已失去子进程的运行封存 FAIL 结论。
// 需在 ledger.Restore 与 registry.Restore 之后、接受请求之前调用。
func (c *Coordinator) Recover(ctx context.Context) int {
	n := 0
	for _, id := range c.ledger.Unsealed() {
		if run, err := c.registry.Get(id); err == nil && !run.Status.IsTerminal() {
			continue
		}
		if err := c.ledger.RecordVerdict(ctx, id, domain.VerdictFail); err != nil {
			c.logger.WithError(err).WithField("run_id", id).Warn("Failed to seal verdict for interrupted run")
			continue
		}
		n++
	}
	if n > 0 {
		c.logger.WithField("runs", n).Warn("Sealed FAIL verdicts for runs interrupted by restart")
	}
	c.metrics.UpdateLedger(c.ledger.Len(), c.ledger.State().Revealed)
	return n
}

// Sweep 清理在 cutoff 之前结束的运行及其日志主题。
func (c *Coordinator) Sweep(cutoff time.Time) int {
	removed := c.registry.Sweep(cutoff)
	for _, id := range removed {
		c.hub.Forget(id)
	}
	if len(removed) > 0 {
		c.logger.WithField("runs", len(removed)).Info("Swept finished runs")
	}
	return len(removed)
}

// ScheduleSweep 注册周期性的运行清理任务。retention 为 0 时不注册。
func (c *Coordinator) ScheduleSweep(cm *CronManager, spec string, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	return cm.AddJob("sweep-runs", spec, func() {
		c.Sweep(time.Now().Add(-retention))
	})
}

// Active 返回活跃（含排队）的运行数。
func (c *Coordinator) Active() int {
	return c.runner.Active()
}

// Shutdown 取消所有运行并等待其结束。
func (c *Coordinator) Shutdown(ctx context.Context) error {
	return c.runner.Shutdown(ctx)
}

func (c *Coordinator) onFinish(res process.Result) {
	c.metrics.RecordRunFinished(string(res.Type), string(res.Status), res.Duration, res.Started)
	if c.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.notifier.PublishRunFinished(ctx, events.RunFinished{
		RunID:    res.RunID,
		Type:     res.Type,
		Status:   res.Status,
		ExitCode: res.ExitCode,
		Lines:    res.Lines,
		Duration: res.Duration.Seconds(),
	})
	if err != nil {
		c.logger.WithError(err).WithField("run_id", res.RunID).Warn("Failed to publish finish event")
	}
}

// statusSink 在注册表之上记录运行开始的指标。
type statusSink struct{ c *Coordinator }

func (s statusSink) Transition(id string, next domain.RunStatus) (domain.Run, error) {
	run, err := s.c.registry.Transition(id, next)
	if err == nil && next == domain.RunStatusRunning {
		s.c.metrics.RecordRunStarted()
	}
	return run, err
}

func (s statusSink) Finish(id string, status domain.RunStatus, exitCode *int, errMsg string) (domain.Run, error) {
	return s.c.registry.Finish(id, status, exitCode, errMsg)
}

// verdictSink 封存结论后发布只含承诺值的事件。
type verdictSink struct{ c *Coordinator }

func (s verdictSink) RecordVerdict(ctx context.Context, runID, verdict string) error {
	if err := s.c.ledger.RecordVerdict(ctx, runID, verdict); err != nil {
		return err
	}
	if s.c.notifier == nil {
		return nil
	}
	view, err := s.c.ledger.Get(runID)
	if err != nil {
		return nil
	}
	if err := s.c.notifier.PublishVerdictSealed(ctx, runID, view.VerdictCommitment); err != nil {
		s.c.logger.WithError(err).WithField("run_id", runID).Warn("Failed to publish seal event")
	}
	return nil
}
