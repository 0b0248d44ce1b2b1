package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oriys/chronon/internal/domain"
	"github.com/sirupsen/logrus"
)

// StatusSink 接收运行状态迁移。
type StatusSink interface {
	Transition(id string, next domain.RunStatus) (domain.Run, error)
	Finish(id string, status domain.RunStatus, exitCode *int, errMsg string) (domain.Run, error)
}

// LineSink 接收子进程输出的每一行。
type LineSink interface {
	Publish(runID, text string) (domain.LogLine, bool)
	CloseRun(runID string)
}

// VerdictSink 接收运行结论。
type VerdictSink interface {
	RecordVerdict(ctx context.Context, runID, verdict string) error
}

// Config 执行器配置
type Config struct {
	// WorkDir 是子进程的工作目录，为空时继承当前目录
	WorkDir string
	// Env 是附加到所有子进程的环境变量（KEY=VALUE）
	Env []string
	// MaxConcurrent 是同时运行的子进程上限，0 表示不限制
	MaxConcurrent int
	// MaxLineBytes 是单行最大字节数，超出部分被截断
	MaxLineBytes int
	// KillGrace 是取消时 SIGTERM 与 SIGKILL 之间的等待时间
	KillGrace time.Duration
}

// Spec 描述一次待执行的运行。
type Spec struct {
	RunID string
	Type  domain.RunType
	Argv  []string
	Env   []string
}

// Result 是运行结束时的汇总。
type Result struct {
	RunID     string
	Type      domain.RunType
	Status    domain.RunStatus
	ExitCode  *int
	Verdict   string
	Err       error
	Lines     uint64
	Duration  time.Duration
	Cancelled bool
	// Started 表示子进程已成功启动
	Started bool
}

// verdictPattern 匹配子进程声明结论的输出行，最后一次声明生效，
// BLINDED 与 PENDING 等占位值被忽略。
var verdictPattern = regexp.MustCompile(`^\s*VERDICT:\s*([A-Za-z][A-Za-z0-9_-]*)\s*$`)

// ErrShuttingDown 表示执行器已关闭，不再接受新的运行。
var ErrShuttingDown = errors.New("runner is shutting down")

// truncatedSuffix 追加在被截断的行尾。
const truncatedSuffix = " [truncated]"

// Runner 监督子进程的执行。
// 每个运行由独立的 goroutine 监督，协调者本身从不阻塞在子进程上。
type Runner struct {
	cfg      Config
	status   StatusSink
	lines    LineSink
	verdicts VerdictSink
	logger   *logrus.Logger
	onFinish func(Result)

	slots chan struct{}

	mu     sync.Mutex
	active map[string]*handle
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type handle struct {
	spec     Spec
	cancelCh chan struct{}
	once     sync.Once

	mu        sync.Mutex
	proc      *os.Process
	cancelled bool
}

// NewRunner 创建执行器。
// 参数：
//   - cfg: 执行器配置
//   - status: 运行状态接收方（通常是运行注册表）
//   - lines: 日志接收方（通常是日志中心）
//   - verdicts: 结论接收方（通常是账本）
//   - logger: 日志记录器
//   - onFinish: 运行结束回调，可为 nil
func NewRunner(cfg Config, status StatusSink, lines LineSink, verdicts VerdictSink, logger *logrus.Logger, onFinish func(Result)) *Runner {
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 1 << 20
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:      cfg,
		status:   status,
		lines:    lines,
		verdicts: verdicts,
		logger:   logger,
		onFinish: onFinish,
		active:   make(map[string]*handle),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.MaxConcurrent > 0 {
		r.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	return r
}

// Launch 异步启动运行，立即返回。
// 运行必须已在注册表中处于 queued 状态。
func (r *Runner) Launch(spec Spec) error {
	if len(spec.Argv) == 0 {
		return fmt.Errorf("%w: empty command", domain.ErrValidation)
	}
	h := &handle{spec: spec, cancelCh: make(chan struct{})}
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return ErrShuttingDown
	}
	if _, exists := r.active[spec.RunID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrRunExists, spec.RunID)
	}
	r.active[spec.RunID] = h
	r.wg.Add(1)
	r.mu.Unlock()

	go r.supervise(h)
	return nil
}

// Cancel 请求取消运行，返回运行是否仍处于活跃状态。
// 对已结束的运行调用是无副作用的。
func (r *Runner) Cancel(runID string) bool {
	r.mu.Lock()
	h, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.requestCancel()
	return true
}

// Active 返回活跃运行数量（包括排队中的）。
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Shutdown 取消所有运行并等待监督 goroutine 退出。
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	r.mu.Lock()
	for _, h := range r.active {
		h.requestCancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) requestCancel() {
	h.once.Do(func() {
		h.mu.Lock()
		h.cancelled = true
		h.mu.Unlock()
		close(h.cancelCh)
	})
}

func (h *handle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (r *Runner) supervise(h *handle) {
	spec := h.spec
	start := time.Now()
	log := r.logger.WithFields(logrus.Fields{"run_id": spec.RunID, "type": spec.Type})

	defer func() {
		r.mu.Lock()
		delete(r.active, spec.RunID)
		r.mu.Unlock()
		r.wg.Done()
	}()
	defer func() {
		if p := recover(); p != nil {
			log.WithField("panic", p).Error("Run supervisor panicked")
			r.finish(h, Result{Status: domain.RunStatusFailed, Verdict: domain.VerdictFail, Err: fmt.Errorf("supervisor panic: %v", p)}, start)
		}
	}()

	if r.slots != nil {
		select {
		case r.slots <- struct{}{}:
			defer func() { <-r.slots }()
		case <-h.cancelCh:
		}
	}
	if h.isCancelled() {
		r.finish(h, Result{Status: domain.RunStatusFailed, Verdict: domain.VerdictCancelled, Err: domain.ErrRunCancelled, Cancelled: true}, start)
		return
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = append(append(os.Environ(), r.cfg.Env...), spec.Env...)
	setProcessGroup(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		r.finish(h, Result{Status: domain.RunStatusFailed, Verdict: domain.VerdictFail, Err: fmt.Errorf("create pipe: %w", err)}, start)
		return
	}
	// stdout 与 stderr 共用一个管道，保留子进程写入的先后顺序
	cmd.Stdout = pw
	cmd.Stderr = pw

	log.WithField("argv", strings.Join(spec.Argv, " ")).Debug("Starting run")
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		log.WithError(err).Warn("Failed to start run")
		r.lines.Publish(spec.RunID, fmt.Sprintf("[system] failed to start: %v", err))
		r.finish(h, Result{Status: domain.RunStatusFailed, Verdict: domain.VerdictFail, Err: err}, start)
		return
	}
	pw.Close()

	h.mu.Lock()
	h.proc = cmd.Process
	h.mu.Unlock()

	if _, err := r.status.Transition(spec.RunID, domain.RunStatusRunning); err != nil {
		log.WithError(err).Warn("Failed to mark run as running")
	}

	exited := make(chan struct{})
	go r.watchCancel(h, exited)

	var declared string
	count := readLines(pr, r.cfg.MaxLineBytes, func(text string) {
		if m := verdictPattern.FindStringSubmatch(text); m != nil && !domain.IsReservedVerdict(m[1]) {
			declared = strings.ToUpper(m[1])
		}
		r.lines.Publish(spec.RunID, text)
	})
	pr.Close()

	waitErr := cmd.Wait()
	close(exited)

	// 子进程在取消生效前已正常退出时按正常结束处理
	res := Result{Lines: count, Started: true, Cancelled: h.isCancelled() && waitErr != nil}
	state := cmd.ProcessState
	if state != nil && state.Exited() {
		code := state.ExitCode()
		res.ExitCode = &code
	}

	switch {
	case res.Cancelled:
		res.Status = domain.RunStatusFailed
		res.Verdict = domain.VerdictCancelled
		res.Err = domain.ErrRunCancelled
	case waitErr == nil:
		res.Status = domain.RunStatusCompleted
		res.Verdict = domain.VerdictPass
	default:
		res.Status = domain.RunStatusFailed
		res.Verdict = domain.VerdictFail
		res.Err = waitErr
	}
	// 声明的结论只在子进程正常退出时生效
	if declared != "" && res.Status == domain.RunStatusCompleted {
		res.Verdict = declared
	}
	r.finish(h, res, start)
}

// watchCancel 在收到取消请求时先发送 SIGTERM，宽限期后发送 SIGKILL。
func (r *Runner) watchCancel(h *handle, exited <-chan struct{}) {
	select {
	case <-exited:
		return
	case <-h.cancelCh:
	}

	h.mu.Lock()
	proc := h.proc
	h.mu.Unlock()
	log := r.logger.WithField("run_id", h.spec.RunID)

	if err := terminate(proc, false); err != nil {
		log.WithError(err).Debug("Terminate signal failed")
	}
	timer := time.NewTimer(r.cfg.KillGrace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		log.Warn("Run ignored SIGTERM, killing process group")
		if err := terminate(proc, true); err != nil {
			log.WithError(err).Debug("Kill signal failed")
		}
	}
}

// finish 先封存结论再发布终态，保证观察到终态的客户端能在账本中看到已封存的条目。
func (r *Runner) finish(h *handle, res Result, start time.Time) {
	spec := h.spec
	res.RunID = spec.RunID
	res.Type = spec.Type
	res.Duration = time.Since(start)

	log := r.logger.WithFields(logrus.Fields{
		"run_id": spec.RunID,
		"type":   spec.Type,
		"status": res.Status,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.verdicts.RecordVerdict(ctx, spec.RunID, res.Verdict); err != nil {
		log.WithError(err).Error("Failed to seal verdict")
	}

	errMsg := ""
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	if _, err := r.status.Finish(spec.RunID, res.Status, res.ExitCode, errMsg); err != nil {
		log.WithError(err).Error("Failed to record terminal status")
	}
	r.lines.CloseRun(spec.RunID)

	log.WithFields(logrus.Fields{
		"lines":       res.Lines,
		"duration_ms": res.Duration.Milliseconds(),
	}).Info("Run finished")

	if r.onFinish != nil {
		r.onFinish(res)
	}
}

// readLines 逐行读取直到 EOF，返回读取的行数。
// 超长的行被截断，剩余部分被丢弃，读取永远不会停止，因此子进程不会因管道写满而阻塞。
func readLines(rd io.Reader, maxBytes int, emit func(string)) uint64 {
	br := bufio.NewReaderSize(rd, 64*1024)
	var (
		buf       []byte
		truncated bool
		count     uint64
	)
	flush := func() {
		text := string(buf)
		if truncated {
			text += truncatedSuffix
		}
		emit(text)
		count++
		buf = buf[:0]
		truncated = false
	}

	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(chunk) > 0 {
			room := maxBytes - len(buf)
			if room < len(chunk) {
				if room > 0 {
					buf = append(buf, chunk[:room]...)
				}
				truncated = true
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err != nil {
			if len(buf) > 0 || truncated {
				flush()
			}
			return count
		}
		if !isPrefix {
			flush()
		}
	}
}
