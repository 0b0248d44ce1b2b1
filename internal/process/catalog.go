// Package process 负责把运行请求渲染成子进程命令并监督其执行。
package process

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/oriys/chronon/internal/domain"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Template 描述一种运行类型对应的命令。
type Template struct {
	// Command 是命令行模板，支持 ${key} 占位符（key 来自启动参数，另有内置的 ${run_id}）
	Command []string
	// Schema 是启动参数的 JSON Schema，为空时只要求参数为 JSON 对象
	Schema string
	// Defaults 是未提供参数时使用的默认值
	Defaults map[string]interface{}
	// PassExtra 为真时，未被占位符消费的参数按 --key value 追加到命令末尾
	PassExtra bool
	// Env 是额外的环境变量（KEY=VALUE）
	Env []string
}

type compiledTemplate struct {
	Template
	schema *jsonschema.Schema
}

// Catalog 是运行类型到命令模板的映射。
type Catalog struct {
	templates map[domain.RunType]*compiledTemplate
}

var argKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

// DefaultTemplates 返回内置的命令模板：通过 `<interpreter> -m chronon_core.cli` 调用分析流水线。
func DefaultTemplates(interpreter string) map[domain.RunType]Template {
	if interpreter == "" {
		interpreter = "python3"
	}
	base := []string{interpreter, "-m", "chronon_core.cli"}
	with := func(args ...string) []string {
		return append(append([]string(nil), base...), args...)
	}
	env := []string{"PYTHONUNBUFFERED=1"}

	return map[domain.RunType]Template{
		domain.RunTypeSimulate: {
			Command:   with("simulate", "--eps", "${eps}", "--output", "${output}"),
			Schema:    `{"type":"object","properties":{"eps":{"type":"number","minimum":0},"output":{"type":"string","minLength":1}}}`,
			Defaults:  map[string]interface{}{"eps": 0.0, "output": "data/raw/sim_${run_id}.csv"},
			Env:       env,
			PassExtra: true,
		},
		domain.RunTypeIngest: {
			Command:   with("ingest", "${input_file}"),
			Schema:    `{"type":"object","required":["input_file"],"properties":{"input_file":{"type":"string","minLength":1}}}`,
			Env:       env,
			PassExtra: true,
		},
		domain.RunTypePreprocess: {
			Command:   with("preprocess", "--input_file", "${input_file}", "--output", "${output}"),
			Schema:    `{"type":"object","required":["input_file"],"properties":{"input_file":{"type":"string","minLength":1},"output":{"type":"string","minLength":1}}}`,
			Defaults:  map[string]interface{}{"output": "data/processed/${run_id}.csv"},
			Env:       env,
			PassExtra: true,
		},
		domain.RunTypeAnalyze: {
			Command:   with("analyze", "--input_file", "${input_file}", "--bootstrap"),
			Schema:    `{"type":"object","required":["input_file"],"properties":{"input_file":{"type":"string","minLength":1}}}`,
			Env:       env,
			PassExtra: true,
		},
	}
}

// NewCatalog 编译模板中的 JSON Schema。
func NewCatalog(templates map[domain.RunType]Template) (*Catalog, error) {
	c := &Catalog{templates: make(map[domain.RunType]*compiledTemplate, len(templates))}
	for runType, tpl := range templates {
		if len(tpl.Command) == 0 {
			return nil, fmt.Errorf("template %s: empty command", runType)
		}
		ct := &compiledTemplate{Template: tpl}
		if strings.TrimSpace(tpl.Schema) != "" {
			compiler := jsonschema.NewCompiler()
			compiler.Draft = jsonschema.Draft2020
			url := fmt.Sprintf("chronon://schemas/%s.json", runType)
			if err := compiler.AddResource(url, strings.NewReader(tpl.Schema)); err != nil {
				return nil, fmt.Errorf("template %s: load schema: %w", runType, err)
			}
			schema, err := compiler.Compile(url)
			if err != nil {
				return nil, fmt.Errorf("template %s: compile schema: %w", runType, err)
			}
			ct.schema = schema
		}
		c.templates[runType] = ct
	}
	return c, nil
}

// Types 返回目录中已配置的运行类型，按名称排序。
func (c *Catalog) Types() []domain.RunType {
	types := make([]domain.RunType, 0, len(c.templates))
	for t := range c.templates {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Render 校验启动参数并渲染命令行。
// 参数：
//   - runType: 运行类型
//   - runID: 运行 ID，供 ${run_id} 占位符使用
//   - config: 启动参数（JSON 对象）
//
// 返回值：
//   - []string: 命令行（argv）
//   - []string: 额外环境变量
//   - error: 类型未配置返回 ErrUnknownCommandType，参数不合法返回 ErrValidation
func (c *Catalog) Render(runType domain.RunType, runID string, config json.RawMessage) ([]string, []string, error) {
	tpl, ok := c.templates[runType]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrUnknownCommandType, runType)
	}

	args, err := decodeArgs(config)
	if err != nil {
		return nil, nil, err
	}
	if tpl.schema != nil {
		if err := tpl.schema.Validate(args); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
	}

	values := make(map[string]interface{}, len(args)+len(tpl.Defaults))
	for k, v := range tpl.Defaults {
		values[k] = v
	}
	for k, v := range args {
		if !argKeyPattern.MatchString(k) {
			return nil, nil, fmt.Errorf("%w: invalid argument name %q", domain.ErrValidation, k)
		}
		values[k] = v
	}

	builtin := map[string]string{"run_id": runID}
	used := make(map[string]bool)
	var missing []string
	expand := func(s string) string {
		return os.Expand(s, func(key string) string {
			if v, ok := builtin[key]; ok {
				return v
			}
			v, ok := values[key]
			if !ok || v == nil {
				missing = append(missing, key)
				return ""
			}
			used[key] = true
			if _, supplied := args[key]; supplied {
				// 调用方的值原样传递，与 hash_config 承诺的内容一致
				return formatArg(v)
			}
			// 模板默认值可以引用内置占位符
			return os.Expand(formatArg(v), func(k string) string { return builtin[k] })
		})
	}

	argv := make([]string, 0, len(tpl.Command)+2*len(values))
	for _, part := range tpl.Command {
		argv = append(argv, expand(part))
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, nil, fmt.Errorf("%w: missing argument(s) %s", domain.ErrValidation, strings.Join(missing, ", "))
	}

	if tpl.PassExtra {
		extra := make([]string, 0, len(args))
		for k := range args {
			if !used[k] {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		for _, k := range extra {
			switch v := args[k].(type) {
			case nil:
			case bool:
				if v {
					argv = append(argv, "--"+k)
				}
			default:
				argv = append(argv, "--"+k, formatArg(v))
			}
		}
	}
	return argv, append([]string(nil), tpl.Env...), nil
}

// decodeArgs 将参数解码为 map，数字保留为 json.Number 以避免精度损失。
func decodeArgs(config json.RawMessage) (map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(config)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]interface{}{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var args map[string]interface{}
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("%w: args must be a JSON object: %v", domain.ErrValidation, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after args object", domain.ErrValidation)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

func formatArg(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
