// Package registry 维护运行记录表。
//
// 表本身由读写锁保护，每条记录另有独立的互斥锁，
// 因此同一运行的状态迁移是线性化的，而不同运行之间互不阻塞。
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oriys/chronon/internal/domain"
	"github.com/sirupsen/logrus"
)

// RunStore 是运行记录的可选持久化后端（写穿）。
type RunStore interface {
	SaveRun(ctx context.Context, run *domain.Run) error
	DeleteRun(ctx context.Context, id string) error
	LoadRuns(ctx context.Context) ([]*domain.Run, error)
}

type record struct {
	mu  sync.Mutex
	run *domain.Run
}

// Registry 运行注册表
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record

	store   RunStore
	logger  *logrus.Logger
	timeout time.Duration
}

// New 创建注册表，store 为 nil 时仅保存在内存中。
func New(store RunStore, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		records: make(map[string]*record),
		store:   store,
		logger:  logger,
		timeout: 3 * time.Second,
	}
}

// Create 登记一条 queued 状态的运行。
// 参数：
//   - id: 运行 ID
//   - runType: 运行类型
//   - config: 原始启动参数
//   - command: 渲染后的命令行
//
// 返回值：
//   - domain.Run: 新记录的快照
//   - error: ID 冲突时返回 ErrRunExists
func (r *Registry) Create(id string, runType domain.RunType, config json.RawMessage, command []string) (domain.Run, error) {
	run := domain.NewRun(id, runType, config, command)

	r.mu.Lock()
	if _, exists := r.records[id]; exists {
		r.mu.Unlock()
		return domain.Run{}, fmt.Errorf("%w: %s", domain.ErrRunExists, id)
	}
	rec := &record{run: run}
	r.records[id] = rec
	rec.mu.Lock()
	r.mu.Unlock()

	snap := run.Clone()
	r.persist(run)
	rec.mu.Unlock()
	return snap, nil
}

// Get 返回运行快照。
func (r *Registry) Get(id string) (domain.Run, error) {
	rec := r.lookup(id)
	if rec == nil {
		return domain.Run{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.run.Clone(), nil
}

// List 返回全部运行的快照，按创建时间倒序。
func (r *Registry) List() []domain.Run {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	runs := make([]domain.Run, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		runs = append(runs, rec.run.Clone())
		rec.mu.Unlock()
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs
}

// Transition 将运行迁移到 next 状态。
// 非法迁移返回 ErrInvalidTransition，记录保持不变。
func (r *Registry) Transition(id string, next domain.RunStatus) (domain.Run, error) {
	return r.update(id, func(run *domain.Run) error {
		return run.Transition(next, time.Now().UTC())
	})
}

// Finish 将运行迁移到终态，并记录退出码与错误信息。
// exitCode 为 nil 表示子进程没有退出码（例如启动失败）。
func (r *Registry) Finish(id string, status domain.RunStatus, exitCode *int, errMsg string) (domain.Run, error) {
	if !status.IsTerminal() {
		return domain.Run{}, fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, status)
	}
	return r.update(id, func(run *domain.Run) error {
		if err := run.Transition(status, time.Now().UTC()); err != nil {
			return err
		}
		if exitCode != nil {
			code := *exitCode
			run.ExitCode = &code
		}
		run.Error = errMsg
		return nil
	})
}

func (r *Registry) update(id string, fn func(run *domain.Run) error) (domain.Run, error) {
	rec := r.lookup(id)
	if rec == nil {
		return domain.Run{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err := fn(rec.run); err != nil {
		return rec.run.Clone(), err
	}
	r.persist(rec.run)
	return rec.run.Clone(), nil
}

// Delete 删除运行记录，不存在时返回 ErrRunNotFound。
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	_, ok := r.records[id]
	delete(r.records, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.store.DeleteRun(ctx, id); err != nil {
			r.logger.WithError(err).WithField("run_id", id).Warn("Failed to delete persisted run")
		}
	}
	return nil
}

// Sweep 删除在 cutoff 之前进入终态的运行，返回被删除的 ID。
// 非终态的运行永远不会被清理。
func (r *Registry) Sweep(cutoff time.Time) []string {
	r.mu.RLock()
	candidates := make(map[string]*record, len(r.records))
	for id, rec := range r.records {
		candidates[id] = rec
	}
	r.mu.RUnlock()

	var removed []string
	for id, rec := range candidates {
		rec.mu.Lock()
		expired := rec.run.Status.IsTerminal() && rec.run.FinishedAt != nil && rec.run.FinishedAt.Before(cutoff)
		rec.mu.Unlock()
		if !expired {
			continue
		}
		if err := r.Delete(id); err == nil {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Restore 从持久化后端加载运行记录。
// 协调进程重启时仍处于非终态的运行已失去子进程，统一标记为 failed。
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	runs, err := r.store.LoadRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("load runs: %w", err)
	}

	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range runs {
		if _, exists := r.records[run.ID]; exists {
			continue
		}
		if !run.Status.IsTerminal() {
			run.Status = domain.RunStatusFailed
			run.FinishedAt = &now
			run.Error = "coordinator restarted"
			r.persist(run)
		}
		r.records[run.ID] = &record{run: run}
	}
	return len(runs), nil
}

// Len 返回当前记录数。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) lookup(id string) *record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[id]
}

// persist 写穿到持久化后端，失败只记录日志，内存状态始终是权威来源。
func (r *Registry) persist(run *domain.Run) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.SaveRun(ctx, run); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"run_id": run.ID,
			"status": run.Status,
		}).Warn("Failed to persist run")
	}
}
