package domain

import "time"

// LogLine 表示运行输出的一行日志。
// 日志行只在发布时刻推送给已订阅的观察者，不做持久化。
type LogLine struct {
	// RunID 是产生该行的运行 ID
	RunID string `json:"run_id"`
	// Sequence 是该行在运行内的序号，从 1 开始，由日志中心在发布时分配
	Sequence uint64 `json:"sequence"`
	// Text 是去掉行尾换行符后的内容
	Text string `json:"text"`
	// EmittedAt 是发布时间
	EmittedAt time.Time `json:"emitted_at"`
}
