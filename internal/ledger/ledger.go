// Package ledger 实现只追加、带哈希链的运行结论账本。
//
// 每个运行在执行前追加一条包含 hash_config / hash_code 的条目；运行结束后
// 结论被封存一次且不可覆盖。揭盲之前对外只展示 BLINDED 占位符，揭盲是全局、
// 一次性且不可逆的操作，由管理员令牌保护。
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oriys/chronon/internal/commit"
	"github.com/oriys/chronon/internal/domain"
	"github.com/sirupsen/logrus"
)

// Store 是账本的可选持久化后端。
// 写入先落到 Store，成功后才更新内存状态。
type Store interface {
	AppendEntry(ctx context.Context, entry *domain.LedgerEntry) error
	SealVerdict(ctx context.Context, runID string, seal *domain.VerdictSeal) error
	MarkRevealed(ctx context.Context, at time.Time) error
	LoadLedger(ctx context.Context) ([]*domain.LedgerEntry, domain.LedgerState, error)
}

// Verifier 校验管理员令牌。
type Verifier interface {
	Verify(token string) error
}

// Ledger 运行结论账本
type Ledger struct {
	// mu 同时保护条目与揭盲标志，读者不会看到部分揭盲的状态
	mu      sync.RWMutex
	entries []*domain.LedgerEntry
	index   map[string]*domain.LedgerEntry
	state   domain.LedgerState

	operator string
	verifier Verifier
	store    Store
	logger   *logrus.Logger
}

// Options 账本配置
type Options struct {
	// Operator 写入条目时记录的操作者
	Operator string
	// Verifier 用于揭盲时校验管理员令牌
	Verifier Verifier
	// Store 可选的持久化后端
	Store Store
	// Logger 日志记录器
	Logger *logrus.Logger
}

// New 创建账本
func New(opts Options) *Ledger {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Ledger{
		index:    make(map[string]*domain.LedgerEntry),
		operator: opts.Operator,
		verifier: opts.Verifier,
		store:    opts.Store,
		logger:   opts.Logger,
	}
}

// Append 为运行追加一条账本条目。
// 参数：
//   - ctx: 上下文
//   - runID: 运行 ID（在账本内唯一）
//   - runType: 运行类型
//   - c: 执行前计算的承诺摘要
//
// 返回值：
//   - *domain.LedgerEntry: 新条目的副本
//   - error: 重复写入返回 ErrDuplicateEntry，持久化失败返回包装后的错误
func (l *Ledger) Append(ctx context.Context, runID string, runType domain.RunType, c commit.Commitment) (*domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.index[runID]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateEntry, runID)
	}

	prev := domain.GenesisHash
	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].EntryHash
	}
	entry := &domain.LedgerEntry{
		Seq:        uint64(len(l.entries) + 1),
		Timestamp:  time.Now().UTC().Truncate(time.Microsecond),
		RunID:      runID,
		Type:       runType,
		HashConfig: c.HashConfig,
		HashCode:   c.HashCode,
		Operator:   l.operator,
		PrevHash:   prev,
	}
	hash, err := EntryHash(entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = hash

	if l.store != nil {
		if err := l.store.AppendEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("persist ledger entry: %w", err)
		}
	}
	l.entries = append(l.entries, entry)
	l.index[runID] = entry
	return entry.Clone(), nil
}

// RecordVerdict 封存运行的结论，每个运行只能封存一次。
// 参数：
//   - ctx: 上下文
//   - runID: 运行 ID
//   - verdict: 结论（会被规范化为大写）
//
// 返回值：
//   - error: 已封存返回 ErrDuplicateVerdict（原结论保持不变），条目不存在返回 ErrLedgerEntryNotFound，
//     空结论或 BLINDED/PENDING 等占位值返回 ErrValidation
func (l *Ledger) RecordVerdict(ctx context.Context, runID, verdict string) error {
	verdict = NormalizeVerdict(verdict)
	if verdict == "" {
		return fmt.Errorf("%w: empty verdict", domain.ErrValidation)
	}
	if domain.IsReservedVerdict(verdict) {
		return fmt.Errorf("%w: reserved verdict %q", domain.ErrValidation, verdict)
	}

	nonce, err := newNonce()
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.index[runID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrLedgerEntryNotFound, runID)
	}
	if entry.Seal != nil {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateVerdict, runID)
	}

	seal := &domain.VerdictSeal{
		Verdict:    verdict,
		Nonce:      nonce,
		Commitment: SealCommitment(runID, nonce, verdict),
		SealedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
	if l.store != nil {
		if err := l.store.SealVerdict(ctx, runID, seal); err != nil {
			return fmt.Errorf("persist verdict: %w", err)
		}
	}
	entry.Seal = seal
	return nil
}

// List 按追加顺序返回账本视图。
// 揭盲前 verdict 恒为 BLINDED 且不包含随机数；揭盲后展示真实结论。
func (l *Ledger) List() []domain.LedgerView {
	l.mu.RLock()
	defer l.mu.RUnlock()

	views := make([]domain.LedgerView, 0, len(l.entries))
	for _, e := range l.entries {
		views = append(views, l.viewLocked(e))
	}
	return views
}

// Snapshot 在同一把读锁下返回账本视图与揭盲状态。
func (l *Ledger) Snapshot() ([]domain.LedgerView, domain.LedgerState) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	views := make([]domain.LedgerView, 0, len(l.entries))
	for _, e := range l.entries {
		views = append(views, l.viewLocked(e))
	}
	state := l.state
	if state.RevealedAt != nil {
		t := *state.RevealedAt
		state.RevealedAt = &t
	}
	return views, state
}

// Get 返回单个运行的账本视图。
func (l *Ledger) Get(runID string) (domain.LedgerView, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.index[runID]
	if !ok {
		return domain.LedgerView{}, fmt.Errorf("%w: %s", domain.ErrLedgerEntryNotFound, runID)
	}
	return l.viewLocked(e), nil
}

func (l *Ledger) viewLocked(e *domain.LedgerEntry) domain.LedgerView {
	v := domain.LedgerView{
		Seq:        e.Seq,
		Timestamp:  e.Timestamp,
		RunID:      e.RunID,
		Type:       e.Type,
		Verdict:    domain.VerdictBlinded,
		HashConfig: e.HashConfig,
		HashCode:   e.HashCode,
		Operator:   e.Operator,
		PrevHash:   e.PrevHash,
		EntryHash:  e.EntryHash,
	}
	if e.Seal != nil {
		v.VerdictCommitment = e.Seal.Commitment
		sealedAt := e.Seal.SealedAt
		v.SealedAt = &sealedAt
	}
	if l.state.Revealed {
		if e.Seal != nil {
			v.Verdict = e.Seal.Verdict
			v.VerdictNonce = e.Seal.Nonce
		} else {
			v.Verdict = domain.VerdictPending
		}
	}
	return v
}

// Unblind 使用管理员令牌执行全局揭盲。
// 返回值：
//   - bool: 本次调用是否改变了状态（重复揭盲返回 false）
//   - error: 令牌不匹配返回 ErrForbidden，状态保持不变
func (l *Ledger) Unblind(ctx context.Context, token string) (bool, error) {
	if l.verifier == nil {
		return false, domain.ErrForbidden
	}
	if err := l.verifier.Verify(token); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Revealed {
		return false, nil
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if l.store != nil {
		if err := l.store.MarkRevealed(ctx, now); err != nil {
			return false, fmt.Errorf("persist reveal: %w", err)
		}
	}
	l.state.Revealed = true
	l.state.RevealedAt = &now
	return true, nil
}

// Authorize 校验管理员令牌，不改变账本状态。
func (l *Ledger) Authorize(token string) error {
	if l.verifier == nil {
		return domain.ErrForbidden
	}
	return l.verifier.Verify(token)
}

// State 返回揭盲状态的副本。
func (l *Ledger) State() domain.LedgerState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.state
	if s.RevealedAt != nil {
		t := *s.RevealedAt
		s.RevealedAt = &t
	}
	return s
}

// Unsealed 返回尚未封存结论的运行 ID，按追加顺序排列。
func (l *Ledger) Unsealed() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var ids []string
	for _, e := range l.entries {
		if e.Seal == nil {
			ids = append(ids, e.RunID)
		}
	}
	return ids
}

// Len 返回条目数量。
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Restore 从持久化后端加载账本，并校验哈希链。
func (l *Ledger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	entries, state, err := l.store.LoadLedger(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	l.mu.Lock()
	l.entries = entries
	l.index = make(map[string]*domain.LedgerEntry, len(entries))
	for _, e := range entries {
		l.index[e.RunID] = e
	}
	l.state = state
	l.mu.Unlock()

	report := l.Verify()
	fields := logrus.Fields{"entries": report.Entries, "revealed": state.Revealed}
	if !report.Valid {
		l.logger.WithFields(fields).WithField("problems", len(report.Problems)).Error("Restored ledger failed verification")
		return fmt.Errorf("%w: %d problem(s)", domain.ErrChainBroken, len(report.Problems))
	}
	l.logger.WithFields(fields).Info("Ledger restored")
	return nil
}

// NormalizeVerdict 规范化结论字符串。
func NormalizeVerdict(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

// SealCommitment 计算结论承诺：sha256(run_id || 0x00 || nonce || 0x00 || verdict)。
func SealCommitment(runID, nonce, verdict string) string {
	return commit.HashBytes([]byte(runID + "\x00" + nonce + "\x00" + verdict))
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
