package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oriys/chronon/internal/domain"
)

// MockRunStore 是 RunStore 的内存实现，用于测试写穿与恢复。
type MockRunStore struct {
	mu   sync.Mutex
	runs map[string]domain.Run
}

func NewMockRunStore() *MockRunStore {
	return &MockRunStore{runs: make(map[string]domain.Run)}
}

func (m *MockRunStore) SaveRun(ctx context.Context, run *domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *MockRunStore) DeleteRun(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
	return nil
}

func (m *MockRunStore) LoadRuns(ctx context.Context) ([]*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Run
	for _, run := range m.runs {
		c := run.Clone()
		out = append(out, &c)
	}
	return out, nil
}

var cfg = json.RawMessage(`{"eps":0.1}`)

// TestRegistry_CreateGet 测试创建与查询。
func TestRegistry_CreateGet(t *testing.T) {
	reg := New(nil, nil)
	run, err := reg.Create("r1", domain.RunTypeSimulate, cfg, []string{"sim"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if run.Status != domain.RunStatusQueued {
		t.Errorf("Create() status = %s, want queued", run.Status)
	}
	if _, err := reg.Create("r1", domain.RunTypeSimulate, cfg, nil); !errors.Is(err, domain.ErrRunExists) {
		t.Errorf("Create() duplicate error = %v, want ErrRunExists", err)
	}

	got, err := reg.Get("r1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Config) != string(cfg) {
		t.Errorf("Get() config = %s, want %s", got.Config, cfg)
	}
	if _, err := reg.Get("missing"); !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrRunNotFound", err)
	}
}

// TestRegistry_ListNewestFirst 测试列表按创建时间倒序。
func TestRegistry_ListNewestFirst(t *testing.T) {
	reg := New(nil, nil)
	for i := 0; i < 3; i++ {
		if _, err := reg.Create(fmt.Sprintf("r%d", i), domain.RunTypeIngest, cfg, nil); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	runs := reg.List()
	if len(runs) != 3 {
		t.Fatalf("List() len = %d, want 3", len(runs))
	}
	for i, want := range []string{"r2", "r1", "r0"} {
		if runs[i].ID != want {
			t.Errorf("List()[%d].ID = %s, want %s", i, runs[i].ID, want)
		}
	}
}

// TestRegistry_TransitionRules 测试状态机约束。
func TestRegistry_TransitionRules(t *testing.T) {
	reg := New(nil, nil)
	reg.Create("r1", domain.RunTypeAnalyze, cfg, nil)

	if _, err := reg.Transition("r1", domain.RunStatusCompleted); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("queued -> completed error = %v, want ErrInvalidTransition", err)
	}
	if _, err := reg.Transition("r1", domain.RunStatusRunning); err != nil {
		t.Fatalf("queued -> running error = %v", err)
	}
	code := 0
	run, err := reg.Finish("r1", domain.RunStatusCompleted, &code, "")
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if run.ExitCode == nil || *run.ExitCode != 0 || run.FinishedAt == nil {
		t.Errorf("Finish() run = %+v, want exit code 0 and finished_at", run)
	}

	if _, err := reg.Transition("r1", domain.RunStatusFailed); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("completed -> failed error = %v, want ErrInvalidTransition", err)
	}
	got, _ := reg.Get("r1")
	if got.Status != domain.RunStatusCompleted {
		t.Errorf("status after rejected transition = %s, want completed", got.Status)
	}
	if _, err := reg.Transition("missing", domain.RunStatusRunning); !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("Transition(missing) error = %v, want ErrRunNotFound", err)
	}
}

// TestRegistry_ConcurrentTerminalTransition 测试并发终态迁移只有一个成功。
func TestRegistry_ConcurrentTerminalTransition(t *testing.T) {
	reg := New(nil, nil)
	reg.Create("r1", domain.RunTypeSimulate, cfg, nil)
	reg.Transition("r1", domain.RunStatusRunning)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := domain.RunStatusCompleted
			if i%2 == 0 {
				status = domain.RunStatusFailed
			}
			if _, err := reg.Finish("r1", status, nil, ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if succeeded != 1 {
		t.Errorf("successful terminal transitions = %d, want 1", succeeded)
	}
}

// TestRegistry_Sweep 测试清理只删除过期的终态运行。
func TestRegistry_Sweep(t *testing.T) {
	store := NewMockRunStore()
	reg := New(store, nil)
	reg.Create("done", domain.RunTypeSimulate, cfg, nil)
	reg.Create("live", domain.RunTypeSimulate, cfg, nil)
	reg.Transition("done", domain.RunStatusRunning)
	reg.Finish("done", domain.RunStatusFailed, nil, "boom")
	reg.Transition("live", domain.RunStatusRunning)

	if removed := reg.Sweep(time.Now().Add(-time.Hour)); len(removed) != 0 {
		t.Errorf("Sweep() removed %v with old cutoff, want none", removed)
	}
	removed := reg.Sweep(time.Now().Add(time.Second))
	if len(removed) != 1 || removed[0] != "done" {
		t.Errorf("Sweep() removed = %v, want [done]", removed)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}
	if _, ok := store.runs["done"]; ok {
		t.Error("swept run should be deleted from store")
	}
}

// TestRegistry_Restore 测试恢复时将非终态运行标记为 failed。
func TestRegistry_Restore(t *testing.T) {
	store := NewMockRunStore()
	first := New(store, nil)
	first.Create("finished", domain.RunTypeIngest, cfg, nil)
	first.Transition("finished", domain.RunStatusRunning)
	code := 0
	first.Finish("finished", domain.RunStatusCompleted, &code, "")
	first.Create("orphan", domain.RunTypeIngest, cfg, nil)
	first.Transition("orphan", domain.RunStatusRunning)

	second := New(store, nil)
	n, err := second.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Restore() = %d, want 2", n)
	}
	orphan, _ := second.Get("orphan")
	if orphan.Status != domain.RunStatusFailed || orphan.Error == "" {
		t.Errorf("orphan = %+v, want failed with reason", orphan)
	}
	finished, _ := second.Get("finished")
	if finished.Status != domain.RunStatusCompleted {
		t.Errorf("finished status = %s, want completed", finished.Status)
	}
}
