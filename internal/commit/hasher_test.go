package commit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/oriys/chronon/internal/domain"
)

// TestHashConfig_KeyOrderAndWhitespace 确认键顺序与空白不影响摘要。
func TestHashConfig_KeyOrderAndWhitespace(t *testing.T) {
	a, err := HashConfig(json.RawMessage(`{"eps":0.5,"output":"out.csv","nested":{"b":1,"a":[1,2]}}`))
	if err != nil {
		t.Fatalf("HashConfig() error = %v", err)
	}
	b, err := HashConfig(json.RawMessage("{\n  \"nested\": {\"a\": [1, 2], \"b\": 1},\n  \"output\": \"out.csv\",\n  \"eps\": 0.5\n}"))
	if err != nil {
		t.Fatalf("HashConfig() error = %v", err)
	}
	if a != b {
		t.Errorf("HashConfig() differs for equivalent configs: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("HashConfig() length = %d, want 64", len(a))
	}

	c, _ := HashConfig(json.RawMessage(`{"eps":0.6,"output":"out.csv","nested":{"b":1,"a":[1,2]}}`))
	if a == c {
		t.Error("HashConfig() should differ when a value changes")
	}
}

// TestHashConfig_Malformed 测试非法配置返回 ErrValidation。
func TestHashConfig_Malformed(t *testing.T) {
	inputs := []string{``, `null`, `[1,2]`, `"text"`, `{"a":`, `42`}
	for _, in := range inputs {
		if _, err := HashConfig(json.RawMessage(in)); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("HashConfig(%q) error = %v, want ErrValidation", in, err)
		}
	}
}

// TestCommit_Deterministic 测试相同输入得到相同摘要，类型或版本变化时 hash_code 变化。
func TestCommit_Deterministic(t *testing.T) {
	cfg := json.RawMessage(`{"input_file":"data.csv"}`)
	first, err := Commit(domain.RunTypeIngest, cfg, "v1.0.0")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	second, _ := Commit(domain.RunTypeIngest, cfg, "v1.0.0")
	if first != second {
		t.Errorf("Commit() not deterministic: %+v vs %+v", first, second)
	}

	otherType, _ := Commit(domain.RunTypeAnalyze, cfg, "v1.0.0")
	if otherType.HashCode == first.HashCode {
		t.Error("HashCode should depend on run type")
	}
	if otherType.HashConfig != first.HashConfig {
		t.Error("HashConfig should not depend on run type")
	}

	otherVersion, _ := Commit(domain.RunTypeIngest, cfg, "v1.0.1")
	if otherVersion.HashCode == first.HashCode {
		t.Error("HashCode should depend on code version")
	}
}

// TestNormalizeVersion 测试版本号规范化。
func TestNormalizeVersion(t *testing.T) {
	tests := map[string]string{
		"":         Unversioned,
		"1.2":      "v1.2.0",
		"v1.2.3":   "v1.2.3",
		" 2.0.0 ":  "v2.0.0",
		"deadbeef": "deadbeef",
	}
	for in, want := range tests {
		if got := NormalizeVersion(in); got != want {
			t.Errorf("NormalizeVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

// TestHashTree 测试目录摘要对内容与文件名敏感，对隐藏目录和扩展名过滤不敏感。
func TestHashTree(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, content string) {
		t.Helper()
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("core/ledger.py", "print('ledger')")
	write("core/blinding.py", "print('blind')")
	write("README.md", "docs")

	base, err := HashTree(dir, []string{".py"})
	if err != nil {
		t.Fatalf("HashTree() error = %v", err)
	}

	write("README.md", "docs changed")
	write(".git/HEAD", "ref")
	if got, _ := HashTree(dir, []string{"py"}); got != base {
		t.Error("HashTree() changed for filtered or hidden files")
	}

	write("core/ledger.py", "print('tampered')")
	if got, _ := HashTree(dir, []string{".py"}); got == base {
		t.Error("HashTree() should change when a source file changes")
	}
}

// TestCommitter_CodeDir 测试 Committer 在每次提交时重新解析目录版本。
func TestCommitter_CodeDir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "main.py")
	if err := os.WriteFile(src, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewCommitter(Options{CodeDir: dir})
	cfg := json.RawMessage(`{}`)

	first, err := c.Commit(domain.RunTypeSimulate, cfg)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := os.WriteFile(src, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	second, _ := c.Commit(domain.RunTypeSimulate, cfg)
	if first.HashCode == second.HashCode {
		t.Error("HashCode should change after source edit")
	}
	if first.HashConfig != second.HashConfig {
		t.Error("HashConfig should be unaffected by source edit")
	}
}
