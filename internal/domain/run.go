// Package domain 定义了运行编排服务的核心领域模型。
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RunType 表示运行的命令类型。
type RunType string

// 运行类型常量定义
const (
	// RunTypeSimulate 生成模拟数据
	RunTypeSimulate RunType = "simulate"
	// RunTypeIngest 导入外部数据文件
	RunTypeIngest RunType = "ingest"
	// RunTypePreprocess 预处理数据
	RunTypePreprocess RunType = "preprocess"
	// RunTypeAnalyze 执行分析并产出结论
	RunTypeAnalyze RunType = "analyze"
)

// RunTypes 返回所有受支持的运行类型，顺序固定。
func RunTypes() []RunType {
	return []RunType{RunTypeSimulate, RunTypeIngest, RunTypePreprocess, RunTypeAnalyze}
}

// ParseRunType 解析命令类型字符串。
// 参数：
//   - s: 请求中的 command_type 字段
//
// 返回值：
//   - RunType: 解析出的运行类型
//   - error: 未知类型时返回包装了 ErrUnknownCommandType 的错误
func ParseRunType(s string) (RunType, error) {
	t := RunType(strings.TrimSpace(s))
	for _, known := range RunTypes() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommandType, s)
}

// RunStatus 表示运行的生命周期状态。
// 状态只能单调前进：queued → running → completed | failed，
// 另外允许 queued → failed（启动失败或启动前被取消）。
type RunStatus string

// 运行状态常量定义
const (
	// RunStatusQueued 已登记，尚未启动子进程
	RunStatusQueued RunStatus = "queued"
	// RunStatusRunning 子进程正在执行
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted 子进程以退出码 0 结束
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed 子进程以非零退出码结束，或启动失败，或被取消
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal 判断状态是否为终态。
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// CanTransition 判断是否允许从 s 迁移到 next。
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusQueued:
		return next == RunStatusRunning || next == RunStatusFailed
	case RunStatusRunning:
		return next == RunStatusCompleted || next == RunStatusFailed
	default:
		return false
	}
}

// Run 表示一次运行记录。
// 对外返回的 Run 都是快照副本，修改它不会影响注册表中的记录。
type Run struct {
	// ID 是运行的唯一标识符，创建后不可变
	ID string `json:"id"`
	// Type 是运行的命令类型
	Type RunType `json:"type"`
	// Status 是运行的当前状态
	Status RunStatus `json:"status"`
	// Config 是启动时提交的原始参数，按原样保存
	Config json.RawMessage `json:"config"`
	// Command 是渲染后的命令行，仅用于展示
	Command []string `json:"command,omitempty"`
	// CreatedAt 是运行登记时间，列表接口中以 timestamp 字段输出
	CreatedAt time.Time `json:"timestamp"`
	// StartedAt 是子进程启动时间
	StartedAt *time.Time `json:"started_at,omitempty"`
	// FinishedAt 是运行进入终态的时间
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// ExitCode 是子进程退出码，启动失败时为空
	ExitCode *int `json:"exit_code,omitempty"`
	// Error 是启动失败或取消的原因
	Error string `json:"error,omitempty"`
}

// NewRun 创建一个处于 queued 状态的运行记录。
func NewRun(id string, runType RunType, config json.RawMessage, command []string) *Run {
	return &Run{
		ID:        id,
		Type:      runType,
		Status:    RunStatusQueued,
		Config:    append(json.RawMessage(nil), config...),
		Command:   append([]string(nil), command...),
		CreatedAt: time.Now().UTC(),
	}
}

// Clone 返回运行记录的深拷贝。
func (r *Run) Clone() Run {
	c := *r
	c.Config = append(json.RawMessage(nil), r.Config...)
	c.Command = append([]string(nil), r.Command...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	if r.ExitCode != nil {
		code := *r.ExitCode
		c.ExitCode = &code
	}
	return c
}

// Transition 将运行迁移到 next 状态，并维护时间字段。
// 非法迁移返回 ErrInvalidTransition，记录保持不变。
func (r *Run) Transition(next RunStatus, at time.Time) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next)
	}
	r.Status = next
	switch {
	case next == RunStatusRunning:
		r.StartedAt = &at
	case next.IsTerminal():
		r.FinishedAt = &at
	}
	return nil
}
