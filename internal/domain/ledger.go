package domain

import (
	"strings"
	"time"
)

// 结论相关常量
const (
	// VerdictBlinded 是揭盲之前对外展示的结论占位符
	VerdictBlinded = "BLINDED"
	// VerdictPending 表示运行尚未封存结论
	VerdictPending = "PENDING"
	// VerdictPass 是退出码为 0 且未声明结论时的默认结论
	VerdictPass = "PASS"
	// VerdictFail 是非零退出或启动失败时的默认结论
	VerdictFail = "FAIL"
	// VerdictCancelled 是被取消运行的结论
	VerdictCancelled = "CANCELLED"
)

// IsReservedVerdict 判断结论是否为视图占位值，占位值不能作为真实结论封存。
func IsReservedVerdict(v string) bool {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case VerdictBlinded, VerdictPending:
		return true
	}
	return false
}

// GenesisHash 是哈希链第一个条目的 prev_hash。
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// VerdictSeal 表示一次结论封存。
// Commitment = sha256(run_id || 0x00 || nonce || 0x00 || verdict)，
// 揭盲前只公开 Commitment，揭盲后公开 Verdict 与 Nonce 以便第三方复核。
type VerdictSeal struct {
	Verdict    string    `json:"verdict"`
	Nonce      string    `json:"nonce"`
	Commitment string    `json:"commitment"`
	SealedAt   time.Time `json:"sealed_at"`
}

// LedgerEntry 表示账本中的一条记录。
// 除结论封存外，条目在追加之后不可修改。
type LedgerEntry struct {
	// Seq 是条目在账本中的位置，从 1 开始
	Seq uint64 `json:"seq"`
	// Timestamp 是追加时间（UTC，微秒精度）
	Timestamp time.Time `json:"timestamp"`
	// RunID 是对应的运行 ID，在账本内唯一
	RunID string `json:"run_id"`
	// Type 是运行类型
	Type RunType `json:"type"`
	// HashConfig 是规范化配置的摘要
	HashConfig string `json:"hash_config"`
	// HashCode 是命令类型与代码版本的摘要
	HashCode string `json:"hash_code"`
	// Operator 是写入条目的操作者
	Operator string `json:"operator"`
	// PrevHash 是前一条目的 EntryHash
	PrevHash string `json:"prev_hash"`
	// EntryHash 是本条目提交时字段的摘要
	EntryHash string `json:"entry_hash"`
	// Seal 是封存的结论，未封存时为空
	Seal *VerdictSeal `json:"-"`
}

// Clone 返回条目的深拷贝。
func (e *LedgerEntry) Clone() *LedgerEntry {
	c := *e
	if e.Seal != nil {
		s := *e.Seal
		c.Seal = &s
	}
	return &c
}

// LedgerState 表示账本的全局揭盲状态。
// Revealed 只能从 false 变为 true，且不可回退。
type LedgerState struct {
	Revealed   bool       `json:"revealed"`
	RevealedAt *time.Time `json:"revealed_at,omitempty"`
}

// LedgerView 是账本条目对外展示的形式。
// 揭盲前 Verdict 恒为 BLINDED，且不包含 VerdictNonce。
type LedgerView struct {
	Seq               uint64     `json:"seq"`
	Timestamp         time.Time  `json:"timestamp"`
	RunID             string     `json:"run_id"`
	Type              RunType    `json:"type"`
	Verdict           string     `json:"verdict"`
	HashConfig        string     `json:"hash_config"`
	HashCode          string     `json:"hash_code"`
	Operator          string     `json:"operator,omitempty"`
	PrevHash          string     `json:"prev_hash"`
	EntryHash         string     `json:"entry_hash"`
	VerdictCommitment string     `json:"verdict_commitment,omitempty"`
	VerdictNonce      string     `json:"verdict_nonce,omitempty"`
	SealedAt          *time.Time `json:"sealed_at,omitempty"`
}
