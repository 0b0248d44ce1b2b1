package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oriys/chronon/internal/config"
	"github.com/oriys/chronon/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RunStore 是基于 Redis 的运行记录存储，实现 registry.RunStore。
// 每个运行保存为 <prefix>:run:<id> 的 JSON 值，并在 <prefix>:runs 有序集合中按创建时间索引。
type RunStore struct {
	client *redis.Client
	prefix string
	logger *logrus.Logger
}

// OpenRedis 连接 Redis 并检查连通性。
func OpenRedis(ctx context.Context, cfg config.RedisConfig, logger *logrus.Logger) (*RunStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis %s: %v", domain.ErrStorageConnection, cfg.Address, err)
	}
	if logger != nil {
		logger.WithField("address", cfg.Address).Info("Run store connected")
	}
	return NewRunStore(client, cfg.KeyPrefix, logger), nil
}

// NewRunStore 使用已有的客户端创建运行存储。
func NewRunStore(client *redis.Client, prefix string, logger *logrus.Logger) *RunStore {
	if prefix == "" {
		prefix = "chronon"
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RunStore{client: client, prefix: prefix, logger: logger}
}

func (s *RunStore) runKey(id string) string { return s.prefix + ":run:" + id }

func (s *RunStore) indexKey() string { return s.prefix + ":runs" }

// Close 关闭 Redis 客户端。
func (s *RunStore) Close() error {
	return s.client.Close()
}

// Ping 检查 Redis 连通性，供就绪检查使用。
func (s *RunStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SaveRun 写入运行快照并更新索引。
func (s *RunStore) SaveRun(ctx context.Context, run *domain.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.runKey(run.ID), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(run.CreatedAt.UnixMicro()), Member: run.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: save run %s: %v", domain.ErrStorageQuery, run.ID, err)
	}
	return nil
}

// DeleteRun 删除运行快照与索引。
func (s *RunStore) DeleteRun(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.runKey(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: delete run %s: %v", domain.ErrStorageQuery, id, err)
	}
	return nil
}

// LoadRuns 读取全部运行，按创建时间从新到旧排列。
// 索引中存在但值已丢失的运行会被跳过。
func (s *RunStore) LoadRuns(ctx context.Context) ([]*domain.Run, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: load run index: %v", domain.ErrStorageQuery, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.runKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: load runs: %v", domain.ErrStorageQuery, err)
	}

	runs := make([]*domain.Run, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var run domain.Run
		if err := json.Unmarshal([]byte(raw), &run); err != nil {
			s.logger.WithError(err).WithField("run_id", ids[i]).Warn("Skipping undecodable run")
			continue
		}
		runs = append(runs, &run)
	}
	return runs, nil
}
