package ledger

import (
	"fmt"
	"time"

	"github.com/oriys/chronon/internal/commit"
	"github.com/oriys/chronon/internal/domain"
)

// chainFields 是参与条目摘要的字段，结论封存不影响条目摘要。
type chainFields struct {
	Seq        uint64 `json:"seq"`
	Timestamp  string `json:"timestamp"`
	RunID      string `json:"run_id"`
	Type       string `json:"type"`
	HashConfig string `json:"hash_config"`
	HashCode   string `json:"hash_code"`
	Operator   string `json:"operator"`
	PrevHash   string `json:"prev_hash"`
}

// EntryHash 计算条目摘要（字段经 JCS 规范化后取 SHA-256）。
func EntryHash(e *domain.LedgerEntry) (string, error) {
	h, err := commit.CanonicalHash(chainFields{
		Seq:        e.Seq,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		RunID:      e.RunID,
		Type:       string(e.Type),
		HashConfig: e.HashConfig,
		HashCode:   e.HashCode,
		Operator:   e.Operator,
		PrevHash:   e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("hash ledger entry: %w", err)
	}
	return h, nil
}

// Problem 描述校验发现的一处问题。
type Problem struct {
	Seq    uint64 `json:"seq"`
	RunID  string `json:"run_id"`
	Reason string `json:"reason"`
}

// VerifyReport 是账本校验结果。
type VerifyReport struct {
	Valid    bool      `json:"valid"`
	Entries  int       `json:"entries"`
	Sealed   int       `json:"sealed"`
	Head     string    `json:"head"`
	Revealed bool      `json:"revealed"`
	Problems []Problem `json:"problems,omitempty"`
}

// Verify 重新计算哈希链与结论承诺。
func (l *Ledger) Verify() VerifyReport {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyEntries(l.entries, l.state.Revealed)
}

// VerifyEntries 校验一组按序排列的条目。
func VerifyEntries(entries []*domain.LedgerEntry, revealed bool) VerifyReport {
	report := VerifyReport{Entries: len(entries), Head: domain.GenesisHash, Revealed: revealed}
	prev := domain.GenesisHash
	for i, e := range entries {
		add := func(reason string) {
			report.Problems = append(report.Problems, Problem{Seq: e.Seq, RunID: e.RunID, Reason: reason})
		}
		if e.Seq != uint64(i+1) {
			add(fmt.Sprintf("sequence %d at position %d", e.Seq, i+1))
		}
		if e.PrevHash != prev {
			add("prev_hash does not match previous entry")
		}
		if h, err := EntryHash(e); err != nil || h != e.EntryHash {
			add("entry_hash mismatch")
		}
		if e.Seal != nil {
			report.Sealed++
			if SealCommitment(e.RunID, e.Seal.Nonce, e.Seal.Verdict) != e.Seal.Commitment {
				add("verdict commitment mismatch")
			}
		}
		prev = e.EntryHash
	}
	report.Head = prev
	report.Valid = len(report.Problems) == 0
	return report
}
