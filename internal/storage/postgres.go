// Package storage 提供账本与运行记录的持久化实现。
// 账本写入 PostgreSQL（lib/pq），运行记录写入 Redis（go-redis）。
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/oriys/chronon/internal/config"
	"github.com/oriys/chronon/internal/domain"
	"github.com/sirupsen/logrus"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq         BIGINT PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL,
	run_id      TEXT NOT NULL UNIQUE,
	run_type    TEXT NOT NULL,
	hash_config TEXT NOT NULL,
	hash_code   TEXT NOT NULL,
	operator    TEXT NOT NULL,
	prev_hash   TEXT NOT NULL,
	entry_hash  TEXT NOT NULL,
	verdict     TEXT,
	nonce       TEXT,
	commitment  TEXT,
	sealed_at   TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS ledger_state (
	id          SMALLINT PRIMARY KEY,
	revealed_at TIMESTAMPTZ NOT NULL
);
`

// uniqueViolation 是 PostgreSQL 唯一约束冲突的错误码。
const uniqueViolation = "23505"

// LedgerStore 是基于 PostgreSQL 的账本存储，实现 ledger.Store。
type LedgerStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// OpenPostgres 连接 PostgreSQL 并确保账本表存在。
// 参数：
//   - ctx: 上下文，用于连接检查与建表
//   - cfg: PostgreSQL 配置
//   - logger: 日志记录器
//
// 返回值：
//   - *LedgerStore: 账本存储
//   - error: 连接失败返回 ErrStorageConnection
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig, logger *logrus.Logger) (*LedgerStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrStorageConnection, err)
	}

	s := NewLedgerStore(db, logger)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"host":     cfg.Host,
		"database": cfg.Database,
	}).Info("Ledger store connected")
	return s, nil
}

// NewLedgerStore 使用已打开的连接创建账本存储。
func NewLedgerStore(db *sql.DB, logger *logrus.Logger) *LedgerStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LedgerStore{db: db, logger: logger}
}

// EnsureSchema 创建账本表（已存在时不做修改）。
func (s *LedgerStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// Close 关闭数据库连接。
func (s *LedgerStore) Close() error {
	return s.db.Close()
}

// Ping 检查数据库连通性，供就绪检查使用。
func (s *LedgerStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendEntry 写入一条账本条目。
func (s *LedgerStore) AppendEntry(ctx context.Context, e *domain.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (seq, ts, run_id, run_type, hash_config, hash_code, operator, prev_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		int64(e.Seq), e.Timestamp, e.RunID, string(e.Type), e.HashConfig, e.HashCode, e.Operator, e.PrevHash, e.EntryHash,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateEntry, e.RunID)
		}
		return fmt.Errorf("%w: append entry: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// SealVerdict 封存条目的结论，只有尚未封存的条目会被更新。
func (s *LedgerStore) SealVerdict(ctx context.Context, runID string, seal *domain.VerdictSeal) error {
	query := `
		UPDATE ledger_entries
		SET verdict = $1, nonce = $2, commitment = $3, sealed_at = $4
		WHERE run_id = $5 AND verdict IS NULL
	`
	res, err := s.db.ExecContext(ctx, query, seal.Verdict, seal.Nonce, seal.Commitment, seal.SealedAt, runID)
	if err != nil {
		return fmt.Errorf("%w: seal verdict: %v", domain.ErrStorageQuery, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: seal verdict: %v", domain.ErrStorageQuery, err)
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE run_id = $1)`, runID).Scan(&exists); err != nil {
		return fmt.Errorf("%w: seal verdict: %v", domain.ErrStorageQuery, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrLedgerEntryNotFound, runID)
	}
	return fmt.Errorf("%w: %s", domain.ErrDuplicateVerdict, runID)
}

// MarkRevealed 记录揭盲时间，重复调用保留第一次的时间。
func (s *LedgerStore) MarkRevealed(ctx context.Context, at time.Time) error {
	query := `INSERT INTO ledger_state (id, revealed_at) VALUES (1, $1) ON CONFLICT (id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, at); err != nil {
		return fmt.Errorf("%w: mark revealed: %v", domain.ErrStorageQuery, err)
	}
	return nil
}

// LoadLedger 按顺序读取全部条目与揭盲状态。
func (s *LedgerStore) LoadLedger(ctx context.Context) ([]*domain.LedgerEntry, domain.LedgerState, error) {
	var state domain.LedgerState

	query := `
		SELECT seq, ts, run_id, run_type, hash_config, hash_code, operator, prev_hash, entry_hash,
		       verdict, nonce, commitment, sealed_at
		FROM ledger_entries ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, state, fmt.Errorf("%w: load ledger: %v", domain.ErrStorageQuery, err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*domain.LedgerEntry, 0)
	for rows.Next() {
		var (
			e          domain.LedgerEntry
			seq        int64
			runType    string
			verdict    sql.NullString
			nonce      sql.NullString
			commitment sql.NullString
			sealedAt   sql.NullTime
		)
		if err := rows.Scan(&seq, &e.Timestamp, &e.RunID, &runType, &e.HashConfig, &e.HashCode, &e.Operator,
			&e.PrevHash, &e.EntryHash, &verdict, &nonce, &commitment, &sealedAt); err != nil {
			return nil, state, fmt.Errorf("%w: scan ledger entry: %v", domain.ErrStorageQuery, err)
		}
		e.Seq = uint64(seq)
		e.Type = domain.RunType(runType)
		e.Timestamp = e.Timestamp.UTC()
		if verdict.Valid {
			e.Seal = &domain.VerdictSeal{
				Verdict:    verdict.String,
				Nonce:      nonce.String,
				Commitment: commitment.String,
				SealedAt:   sealedAt.Time.UTC(),
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, state, fmt.Errorf("%w: load ledger: %v", domain.ErrStorageQuery, err)
	}

	var revealedAt time.Time
	err = s.db.QueryRowContext(ctx, `SELECT revealed_at FROM ledger_state WHERE id = 1`).Scan(&revealedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, state, fmt.Errorf("%w: load ledger state: %v", domain.ErrStorageQuery, err)
	default:
		revealedAt = revealedAt.UTC()
		state.Revealed = true
		state.RevealedAt = &revealedAt
	}
	return entries, state, nil
}
