package process

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/oriys/chronon/internal/config"
	"github.com/oriys/chronon/internal/domain"
)

func mustCatalog(t *testing.T, templates map[domain.RunType]Template) *Catalog {
	t.Helper()
	c, err := NewCatalog(templates)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return c
}

// TestCatalog_DefaultTemplates 测试内置模板渲染出的命令行。
func TestCatalog_DefaultTemplates(t *testing.T) {
	c := mustCatalog(t, DefaultTemplates("python3"))

	tests := []struct {
		name    string
		runType domain.RunType
		args    string
		want    string
	}{
		{
			name:    "simulate with defaults",
			runType: domain.RunTypeSimulate,
			args:    `{}`,
			want:    "python3 -m chronon_core.cli simulate --eps 0 --output data/raw/sim_abc.csv",
		},
		{
			name:    "simulate keeps number text",
			runType: domain.RunTypeSimulate,
			args:    `{"eps":0.25,"output":"out.csv"}`,
			want:    "python3 -m chronon_core.cli simulate --eps 0.25 --output out.csv",
		},
		{
			name:    "ingest positional",
			runType: domain.RunTypeIngest,
			args:    `{"input_file":"data/raw/x.csv"}`,
			want:    "python3 -m chronon_core.cli ingest data/raw/x.csv",
		},
		{
			name:    "preprocess default output",
			runType: domain.RunTypePreprocess,
			args:    `{"input_file":"in.csv"}`,
			want:    "python3 -m chronon_core.cli preprocess --input_file in.csv --output data/processed/abc.csv",
		},
		{
			name:    "analyze appends extra args",
			runType: domain.RunTypeAnalyze,
			args:    `{"input_file":"in.csv","note":"x"}`,
			want:    "python3 -m chronon_core.cli analyze --input_file in.csv --bootstrap --note x",
		},
		{
			name:    "simulate appends unconsumed keys",
			runType: domain.RunTypeSimulate,
			args:    `{"eps":0.001,"seed":42}`,
			want:    "python3 -m chronon_core.cli simulate --eps 0.001 --output data/raw/sim_abc.csv --seed 42",
		},
		{
			name:    "ingest keeps dollar in caller value",
			runType: domain.RunTypeIngest,
			args:    `{"input_file":"data/$batch/raw.csv"}`,
			want:    "python3 -m chronon_core.cli ingest data/$batch/raw.csv",
		},
		{
			name:    "preprocess keeps placeholder text in caller value",
			runType: domain.RunTypePreprocess,
			args:    `{"input_file":"in.csv","output":"out_${run_id}.csv"}`,
			want:    "python3 -m chronon_core.cli preprocess --input_file in.csv --output out_${run_id}.csv",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			argv, env, err := c.Render(tt.runType, "abc", json.RawMessage(tt.args))
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if got := strings.Join(argv, " "); got != tt.want {
				t.Errorf("Render() = %q, want %q", got, tt.want)
			}
			if len(env) != 1 || env[0] != "PYTHONUNBUFFERED=1" {
				t.Errorf("Render() env = %v", env)
			}
		})
	}
}

// TestCatalog_Validation 测试参数校验失败返回 ErrValidation。
func TestCatalog_Validation(t *testing.T) {
	c := mustCatalog(t, DefaultTemplates(""))

	tests := []struct {
		name    string
		runType domain.RunType
		args    string
	}{
		{name: "ingest missing input", runType: domain.RunTypeIngest, args: `{}`},
		{name: "ingest wrong type", runType: domain.RunTypeIngest, args: `{"input_file":42}`},
		{name: "simulate negative eps", runType: domain.RunTypeSimulate, args: `{"eps":-1}`},
		{name: "simulate eps string", runType: domain.RunTypeSimulate, args: `{"eps":"lots"}`},
		{name: "array args", runType: domain.RunTypeSimulate, args: `[1,2]`},
		{name: "broken json", runType: domain.RunTypeSimulate, args: `{"eps":`},
		{name: "flag injection key", runType: domain.RunTypeSimulate, args: `{"-rf":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := c.Render(tt.runType, "r", json.RawMessage(tt.args))
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("Render() error = %v, want ErrValidation", err)
			}
		})
	}
}

// TestCatalog_UnknownType 测试未配置的类型。
func TestCatalog_UnknownType(t *testing.T) {
	c := mustCatalog(t, map[domain.RunType]Template{
		domain.RunTypeSimulate: {Command: []string{"true"}},
	})
	_, _, err := c.Render(domain.RunTypeAnalyze, "r", json.RawMessage(`{}`))
	if !errors.Is(err, domain.ErrUnknownCommandType) {
		t.Errorf("Render() error = %v, want ErrUnknownCommandType", err)
	}
	if got := c.Types(); len(got) != 1 || got[0] != domain.RunTypeSimulate {
		t.Errorf("Types() = %v", got)
	}
}

// TestCatalog_PassExtra 测试额外参数按名称排序后追加为命令行参数。
func TestCatalog_PassExtra(t *testing.T) {
	c := mustCatalog(t, map[domain.RunType]Template{
		domain.RunTypeAnalyze: {
			Command:   []string{"analyze", "${input_file}"},
			PassExtra: true,
		},
	})
	argv, _, err := c.Render(domain.RunTypeAnalyze, "r", json.RawMessage(`{"input_file":"a.csv","seed":7,"verbose":true,"quiet":false,"tags":["x","y"],"skip":null}`))
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := `analyze a.csv --seed 7 --tags ["x","y"] --verbose`
	if got := strings.Join(argv, " "); got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}

// TestCatalog_MissingPlaceholder 测试模板引用的参数缺失。
func TestCatalog_MissingPlaceholder(t *testing.T) {
	c := mustCatalog(t, map[domain.RunType]Template{
		domain.RunTypeIngest: {Command: []string{"ingest", "${input_file}", "${format}"}},
	})
	_, _, err := c.Render(domain.RunTypeIngest, "r", json.RawMessage(`{"input_file":"a"}`))
	if !errors.Is(err, domain.ErrValidation) || !strings.Contains(err.Error(), "format") {
		t.Errorf("Render() error = %v, want missing format", err)
	}
}

// TestNewCatalog_BadSchema 测试非法 Schema 在启动时被拒绝。
func TestNewCatalog_BadSchema(t *testing.T) {
	_, err := NewCatalog(map[domain.RunType]Template{
		domain.RunTypeIngest: {Command: []string{"x"}, Schema: `{"type": 12}`},
	})
	if err == nil {
		t.Error("NewCatalog() should reject an invalid schema")
	}
	if _, err := NewCatalog(map[domain.RunType]Template{domain.RunTypeIngest: {}}); err == nil {
		t.Error("NewCatalog() should reject an empty command")
	}
}

// TestCatalogFromConfig_KeepsPassExtra 测试覆盖命令时未设置 pass_extra 沿用内置模板的行为。
func TestCatalogFromConfig_KeepsPassExtra(t *testing.T) {
	off := false
	c, err := CatalogFromConfig(config.RunnerConfig{
		Interpreter: "python3",
		Commands: map[string]config.CommandConfig{
			"analyze":  {Command: []string{"analyze-tool", "${input_file}"}},
			"simulate": {PassExtra: &off},
		},
	})
	if err != nil {
		t.Fatalf("CatalogFromConfig() error = %v", err)
	}

	argv, _, err := c.Render(domain.RunTypeAnalyze, "r1", json.RawMessage(`{"input_file":"in.csv","note":"x"}`))
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got, want := strings.Join(argv, " "), "analyze-tool in.csv --note x"; got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}

	argv, _, err = c.Render(domain.RunTypeSimulate, "r1", json.RawMessage(`{"seed":42}`))
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got, want := strings.Join(argv, " "), "python3 -m chronon_core.cli simulate --eps 0 --output data/raw/sim_r1.csv"; got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
}
