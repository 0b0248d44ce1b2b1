package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/chronon/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRunStore_Integration 需要本地 Redis，连接失败时跳过。
func TestRunStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	store := NewRunStore(client, "chronon-test-"+uuid.New().String()[:8], nil)
	defer store.Close()

	older := domain.NewRun("r-old", domain.RunTypeSimulate, json.RawMessage(`{"eps":1}`), []string{"sim"})
	older.CreatedAt = time.Now().Add(-time.Minute).UTC()
	newer := domain.NewRun("r-new", domain.RunTypeIngest, json.RawMessage(`{}`), []string{"ingest"})

	require.NoError(t, store.SaveRun(ctx, older))
	require.NoError(t, store.SaveRun(ctx, newer))

	runs, err := store.LoadRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r-new", runs[0].ID)
	assert.JSONEq(t, `{"eps":1}`, string(runs[1].Config))

	require.NoError(t, store.DeleteRun(ctx, "r-old"))
	require.NoError(t, store.DeleteRun(ctx, "r-new"))
	runs, err = store.LoadRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRunStore_Keys(t *testing.T) {
	store := NewRunStore(nil, "", nil)
	assert.Equal(t, "chronon:run:abc", store.runKey("abc"))
	assert.Equal(t, "chronon:runs", store.indexKey())
}
