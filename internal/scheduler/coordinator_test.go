package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/chronon/internal/auth"
	"github.com/oriys/chronon/internal/commit"
	"github.com/oriys/chronon/internal/domain"
	"github.com/oriys/chronon/internal/events"
	"github.com/oriys/chronon/internal/export"
	"github.com/oriys/chronon/internal/ledger"
	"github.com/oriys/chronon/internal/loghub"
	"github.com/oriys/chronon/internal/metrics"
	"github.com/oriys/chronon/internal/process"
	"github.com/oriys/chronon/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const testToken = "admin-token"

// fakeNotifier 记录发布的事件。
type fakeNotifier struct {
	mu       sync.Mutex
	launched []string
	sealed   []string
	finished []events.RunFinished
	unblind  int
}

func (f *fakeNotifier) PublishRunLaunched(ctx context.Context, e *domain.LedgerEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, e.RunID)
	return nil
}

func (f *fakeNotifier) PublishRunFinished(ctx context.Context, p events.RunFinished) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, p)
	return nil
}

func (f *fakeNotifier) PublishVerdictSealed(ctx context.Context, runID, commitment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sealed = append(f.sealed, commitment)
	return nil
}

func (f *fakeNotifier) PublishUnblinded(ctx context.Context, at time.Time, entries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unblind++
	return nil
}

func (f *fakeNotifier) finishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finished)
}

type fakeExporter struct {
	views []domain.LedgerView
}

func (f *fakeExporter) Export(ctx context.Context, operator string, views []domain.LedgerView, state domain.LedgerState) (*export.Result, error) {
	f.views = views
	return &export.Result{Bucket: "b", Entries: len(views)}, nil
}

type harness struct {
	c        *Coordinator
	ledger   *ledger.Ledger
	hub      *loghub.Hub
	notifier *fakeNotifier
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, exporter LedgerExporter) *harness {
	t.Helper()
	return newHarnessWithRegistry(t, exporter, registry.New(nil, nil))
}

func newHarnessWithRegistry(t *testing.T, exporter LedgerExporter, reg *registry.Registry) *harness {
	t.Helper()
	catalog, err := process.NewCatalog(map[domain.RunType]process.Template{
		domain.RunTypeSimulate: {
			Command: []string{"/bin/sh", "-c", "${script}"},
			Schema:  `{"type":"object","required":["script"],"properties":{"script":{"type":"string"}}}`,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	l := ledger.New(ledger.Options{Operator: "tester", Verifier: auth.NewAdminSecret(testToken)})
	n := &fakeNotifier{}
	m := metrics.NewMetrics("chronon", prometheus.NewRegistry())
	hub := loghub.New(loghub.Config{}, nil, m)
	c := New(Options{
		Catalog:   catalog,
		Committer: commit.NewCommitter(commit.Options{Version: "1.0"}),
		Ledger:    l,
		Registry:  reg,
		Hub:       hub,
		Runner:    process.Config{KillGrace: 200 * time.Millisecond},
		Metrics:   m,
		Notifier:  n,
		Exporter:  exporter,
		Operator:  "tester",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return &harness{c: c, ledger: l, hub: hub, notifier: n, metrics: m}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitTerminal(t *testing.T, id string) domain.Run {
	t.Helper()
	var run domain.Run
	waitFor(t, "run "+id+" to finish", func() bool {
		run, _ = h.c.Run(id)
		return run.Status.IsTerminal()
	})
	return run
}

func script(s string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"script": s})
	return b
}

// TestCoordinator_LaunchLifecycle 测试完整生命周期：承诺先于执行、结论揭盲前不可见。
func TestCoordinator_LaunchLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	run, err := h.c.Launch(ctx, "simulate", script("echo hello; echo 'VERDICT: detected'"))
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if run.Status != domain.RunStatusQueued || run.ID == "" {
		t.Errorf("Launch() run = %+v, want queued run with id", run)
	}
	// 承诺在 Launch 返回前已写入账本
	if view, err := h.ledger.Get(run.ID); err != nil || view.HashConfig == "" {
		t.Fatalf("ledger entry missing after Launch: %v", err)
	}

	final := h.waitTerminal(t, run.ID)
	if final.Status != domain.RunStatusCompleted {
		t.Errorf("final status = %s, want completed", final.Status)
	}
	views := h.c.Ledger()
	if len(views) != 1 || views[0].Verdict != domain.VerdictBlinded || views[0].VerdictCommitment == "" {
		t.Errorf("ledger before reveal = %+v", views)
	}

	changed, err := h.c.Unblind(ctx, testToken)
	if err != nil || !changed {
		t.Fatalf("Unblind() = %v, %v", changed, err)
	}
	if got := h.c.Ledger()[0].Verdict; got != "DETECTED" {
		t.Errorf("verdict after reveal = %s, want DETECTED", got)
	}
	if report := h.c.VerifyLedger(); !report.Valid {
		t.Errorf("VerifyLedger() = %+v", report)
	}

	waitFor(t, "finish event", func() bool { return h.notifier.finishedCount() == 1 })
	h.notifier.mu.Lock()
	if len(h.notifier.launched) != 1 || len(h.notifier.sealed) != 1 || h.notifier.unblind != 1 {
		t.Errorf("events = launched %v sealed %v unblind %d", h.notifier.launched, h.notifier.sealed, h.notifier.unblind)
	}
	h.notifier.mu.Unlock()

	if got := testutil.ToFloat64(h.metrics.RunsFinished.WithLabelValues("simulate", "completed")); got != 1 {
		t.Errorf("runs_finished_total = %v, want 1", got)
	}
}

// TestCoordinator_LaunchRejected 测试非法请求不会产生运行或账本条目。
func TestCoordinator_LaunchRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tests := []struct {
		name        string
		commandType string
		args        json.RawMessage
		want        error
	}{
		{name: "unknown type", commandType: "compile", args: script("true"), want: domain.ErrUnknownCommandType},
		{name: "configured type missing", commandType: "analyze", args: json.RawMessage(`{}`), want: domain.ErrUnknownCommandType},
		{name: "schema violation", commandType: "simulate", args: json.RawMessage(`{"script":7}`), want: domain.ErrValidation},
		{name: "not an object", commandType: "simulate", args: json.RawMessage(`"echo"`), want: domain.ErrValidation},
		{name: "missing args", commandType: "simulate", args: nil, want: domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.c.Launch(ctx, tt.commandType, tt.args); !errors.Is(err, tt.want) {
				t.Errorf("Launch() error = %v, want %v", err, tt.want)
			}
		})
	}
	if n := len(h.c.Runs()); n != 0 {
		t.Errorf("Runs() = %d, want 0", n)
	}
	if n := h.ledger.Len(); n != 0 {
		t.Errorf("ledger entries = %d, want 0", n)
	}
}

// TestCoordinator_ConfigHashIgnoresKeyOrder 测试配置键顺序不影响 hash_config。
func TestCoordinator_ConfigHashIgnoresKeyOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	a, err := h.c.Launch(ctx, "simulate", json.RawMessage(`{"script":"true","seed":1}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.c.Launch(ctx, "simulate", json.RawMessage(`{ "seed": 1, "script": "true" }`))
	if err != nil {
		t.Fatal(err)
	}
	va, _ := h.ledger.Get(a.ID)
	vb, _ := h.ledger.Get(b.ID)
	if va.HashConfig != vb.HashConfig || va.HashCode != vb.HashCode {
		t.Errorf("hashes differ: %s/%s vs %s/%s", va.HashConfig, va.HashCode, vb.HashConfig, vb.HashCode)
	}
	if va.EntryHash == vb.EntryHash {
		t.Error("distinct entries should have distinct entry hashes")
	}
}

// TestCoordinator_Cancel 测试取消运行与对终态运行的幂等取消。
func TestCoordinator_Cancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	run, _ := h.c.Launch(ctx, "simulate", script("sleep 30"))
	waitFor(t, "run to start", func() bool {
		r, _ := h.c.Run(run.ID)
		return r.Status == domain.RunStatusRunning
	})
	if _, err := h.c.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	final := h.waitTerminal(t, run.ID)
	if final.Status != domain.RunStatusFailed {
		t.Errorf("status = %s, want failed", final.Status)
	}

	again, err := h.c.Cancel(ctx, run.ID)
	if err != nil || again.Status != domain.RunStatusFailed {
		t.Errorf("Cancel() on terminal run = %+v, %v", again, err)
	}
	if _, err := h.c.Cancel(ctx, "missing"); !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("Cancel(missing) error = %v, want ErrRunNotFound", err)
	}

	h.c.Unblind(ctx, testToken)
	if got := h.c.Ledger()[0].Verdict; got != domain.VerdictCancelled {
		t.Errorf("verdict = %s, want CANCELLED", got)
	}
}

// TestCoordinator_Subscribe 测试日志订阅与不存在的运行。
func TestCoordinator_Subscribe(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.c.Subscribe("missing"); !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("Subscribe(missing) error = %v, want ErrRunNotFound", err)
	}

	run, _ := h.c.Launch(context.Background(), "simulate", script("sleep 0.2; echo one; echo two"))
	sub, err := h.c.Subscribe(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	var lines []string
	for line := range sub.C {
		lines = append(lines, line.Text)
	}
	if got := strings.Join(lines, ","); got != "one,two" {
		t.Errorf("streamed lines = %q, want one,two", got)
	}
}

// TestCoordinator_UnblindForbidden 测试错误令牌不改变状态。
func TestCoordinator_UnblindForbidden(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 10; i++ {
		if _, err := h.c.Unblind(context.Background(), "wrong"); !errors.Is(err, domain.ErrForbidden) {
			t.Fatalf("Unblind() error = %v, want ErrForbidden", err)
		}
	}
	if h.c.LedgerState().Revealed {
		t.Error("ledger revealed after wrong tokens")
	}
	if got := testutil.ToFloat64(h.metrics.UnblindAttempts.WithLabelValues("forbidden")); got != 10 {
		t.Errorf("forbidden attempts = %v, want 10", got)
	}
	changed, _ := h.c.Unblind(context.Background(), testToken)
	again, err := h.c.Unblind(context.Background(), testToken)
	if !changed || again || err != nil {
		t.Errorf("Unblind() changed = %v, again = %v, err = %v", changed, again, err)
	}
}

// TestCoordinator_Export 测试导出的令牌校验与未配置目标。
func TestCoordinator_Export(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	if _, err := h.c.ExportLedger(ctx, "wrong"); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("ExportLedger(wrong) error = %v, want ErrForbidden", err)
	}
	if _, err := h.c.ExportLedger(ctx, testToken); !errors.Is(err, domain.ErrExportUnavailable) {
		t.Errorf("ExportLedger() error = %v, want ErrExportUnavailable", err)
	}

	exp := &fakeExporter{}
	h = newHarness(t, exp)
	run, _ := h.c.Launch(ctx, "simulate", script("true"))
	h.waitTerminal(t, run.ID)
	res, err := h.c.ExportLedger(ctx, testToken)
	if err != nil || res.Entries != 1 {
		t.Fatalf("ExportLedger() = %+v, %v", res, err)
	}
	if exp.views[0].Verdict != domain.VerdictBlinded {
		t.Errorf("exported verdict = %s, want BLINDED", exp.views[0].Verdict)
	}
}

// TestCoordinator_SweepAndRecover 测试清理与重启恢复。
func TestCoordinator_SweepAndRecover(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	run, _ := h.c.Launch(ctx, "simulate", script("true"))
	h.waitTerminal(t, run.ID)
	long, _ := h.c.Launch(ctx, "simulate", script("sleep 30"))

	if n := h.c.Sweep(time.Now().Add(time.Hour)); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, err := h.c.Run(run.ID); !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("swept run still present: %v", err)
	}
	if _, err := h.c.Run(long.ID); err != nil {
		t.Errorf("active run was swept: %v", err)
	}
	// 账本条目不受清理影响
	if h.ledger.Len() != 2 {
		t.Errorf("ledger entries = %d, want 2", h.ledger.Len())
	}

	h.ledger.Append(ctx, "orphan", domain.RunTypeSimulate, commit.Commitment{HashConfig: "a", HashCode: "b"})
	if n := h.c.Recover(ctx); n != 1 {
		t.Errorf("Recover() = %d, want 1 (active runs are skipped)", n)
	}
	if err := h.ledger.RecordVerdict(ctx, "orphan", "PASS"); !errors.Is(err, domain.ErrDuplicateVerdict) {
		t.Errorf("orphan should already be sealed, got %v", err)
	}
}

// TestCronManager 测试任务注册与非法表达式。
func TestCronManager(t *testing.T) {
	cm := NewCronManager(nil)
	if err := cm.AddJob("bad", "not a cron", func() {}); err == nil {
		t.Error("AddJob() should reject an invalid expression")
	}

	fired := make(chan struct{}, 1)
	if err := cm.AddJob("tick", "* * * * * *", func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}
	if err := cm.AddJob("tick", "* * * * * *", func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("AddJob() replace error = %v", err)
	}
	if cm.Jobs() != 1 {
		t.Errorf("Jobs() = %d, want 1", cm.Jobs())
	}

	cm.Start()
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Error("job did not fire")
	}
	cm.Stop()
	cm.RemoveJob("tick")
	if cm.Jobs() != 0 {
		t.Errorf("Jobs() = %d, want 0", cm.Jobs())
	}
}

// memRunStore 是内存中的运行存储，模拟重启前已持久化的运行。
type memRunStore struct {
	runs []*domain.Run
}

func (s *memRunStore) SaveRun(ctx context.Context, run *domain.Run) error { return nil }

func (s *memRunStore) DeleteRun(ctx context.Context, id string) error { return nil }

func (s *memRunStore) LoadRuns(ctx context.Context) ([]*domain.Run, error) {
	return s.runs, nil
}

// TestCoordinator_SubscribeRestoredRun 测试订阅重启后恢复的已结束运行得到空流且不遗留主题。
func TestCoordinator_SubscribeRestoredRun(t *testing.T) {
	finished := time.Now().UTC().Add(-time.Hour)
	code := 0
	store := &memRunStore{runs: []*domain.Run{
		{ID: "old", Type: domain.RunTypeSimulate, Status: domain.RunStatusCompleted, Config: json.RawMessage(`{}`), CreatedAt: finished, FinishedAt: &finished, ExitCode: &code},
		{ID: "stale", Type: domain.RunTypeSimulate, Status: domain.RunStatusRunning, Config: json.RawMessage(`{}`), CreatedAt: finished},
	}}
	reg := registry.New(store, nil)
	if _, err := reg.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	h := newHarnessWithRegistry(t, nil, reg)

	for _, id := range []string{"old", "stale"} {
		sub, err := h.c.Subscribe(id)
		if err != nil {
			t.Fatalf("Subscribe(%s) error = %v", id, err)
		}
		select {
		case _, ok := <-sub.C:
			if ok {
				t.Errorf("Subscribe(%s) delivered a line, want closed stream", id)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Subscribe(%s) stream did not end", id)
		}
		sub.Close()
	}
	if topics, subs := h.hub.Stats(); topics != 0 || subs != 0 {
		t.Errorf("Stats() = %d topics, %d subscribers, want 0, 0", topics, subs)
	}
}
