package cmd

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/oriys/chronon/internal/commit"
	"github.com/oriys/chronon/internal/ledger"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return buf.String(), err
}

// TestCommitCommand 测试 commit 命令输出的 hash_config 与键顺序无关。
func TestCommitCommand(t *testing.T) {
	out, err := execute(t, "commit", "simulate", "--args", `{"output":"x.csv","eps":0.5}`, "-o", "json")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	var got commit.Commitment
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	want, err := commit.HashConfig(json.RawMessage(`{"eps":0.5,"output":"x.csv"}`))
	if err != nil {
		t.Fatal(err)
	}
	if got.HashConfig != want {
		t.Errorf("hash_config = %s, want %s", got.HashConfig, want)
	}
	if got.HashCode == "" || got.CodeVersion == "" {
		t.Errorf("commitment = %+v, want hash_code and code_version", got)
	}
}

// TestCommitCommand_Errors 测试未知类型与非法参数。
func TestCommitCommand_Errors(t *testing.T) {
	if _, err := execute(t, "commit", "deploy", "--args", `{}`); err == nil {
		t.Error("commit with unknown type should fail")
	}
	if _, err := execute(t, "commit", "simulate", "--args", `[1]`); err == nil {
		t.Error("commit with array args should fail")
	}
}

// TestVersionCommand 测试版本输出。
func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out, "chronon version "+Version) {
		t.Errorf("unexpected output: %s", out)
	}
}

// TestPrinter_Report 测试校验报告的三种输出格式。
func TestPrinter_Report(t *testing.T) {
	report := ledger.VerifyReport{
		Valid:    false,
		Entries:  2,
		Head:     "abc",
		Problems: []ledger.Problem{{Seq: 2, RunID: "r2", Reason: "entry hash mismatch"}},
	}

	var buf bytes.Buffer
	if err := NewPrinter(&buf, "").PrintReport(report); err != nil {
		t.Fatal(err)
	}
	if out := buf.String(); !strings.Contains(out, "INVALID") || !strings.Contains(out, "entry hash mismatch") {
		t.Errorf("table output = %s", out)
	}

	buf.Reset()
	if err := NewPrinter(&buf, "yaml").PrintReport(report); err != nil {
		t.Fatal(err)
	}
	if out := buf.String(); !strings.Contains(out, "valid: false") || !strings.Contains(out, "run_id: r2") {
		t.Errorf("yaml output = %s", out)
	}

	buf.Reset()
	if err := NewPrinter(&buf, "json").PrintReport(report); err != nil {
		t.Fatal(err)
	}
	var decoded ledger.VerifyReport
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil || decoded.Entries != 2 {
		t.Errorf("json output = %s (%v)", buf.String(), err)
	}
}
