package process

import (
	"fmt"
	"os"

	"github.com/oriys/chronon/internal/config"
	"github.com/oriys/chronon/internal/domain"
)

// CatalogFromConfig 以内置模板为基础，按配置覆盖或补充命令模板。
func CatalogFromConfig(cfg config.RunnerConfig) (*Catalog, error) {
	templates := DefaultTemplates(cfg.Interpreter)
	for name, cc := range cfg.Commands {
		runType, err := domain.ParseRunType(name)
		if err != nil {
			return nil, fmt.Errorf("runner.commands: %w", err)
		}
		tpl := templates[runType]
		if len(cc.Command) > 0 {
			tpl.Command = cc.Command
		}
		switch {
		case cc.SchemaFile != "":
			data, err := os.ReadFile(cc.SchemaFile)
			if err != nil {
				return nil, fmt.Errorf("runner.commands.%s: read schema: %w", name, err)
			}
			tpl.Schema = string(data)
		case cc.Schema != "":
			tpl.Schema = cc.Schema
		}
		if cc.Defaults != nil {
			tpl.Defaults = cc.Defaults
		}
		if cc.PassExtra != nil {
			tpl.PassExtra = *cc.PassExtra
		}
		if len(cc.Env) > 0 {
			tpl.Env = append(tpl.Env, config.EnvList(cc.Env)...)
		}
		templates[runType] = tpl
	}
	return NewCatalog(templates)
}

// ConfigFromRunner 将执行器配置转换为 Runner 的配置。
func ConfigFromRunner(cfg config.RunnerConfig) Config {
	return Config{
		WorkDir:       cfg.WorkDir,
		Env:           config.EnvList(cfg.Env),
		MaxConcurrent: cfg.MaxConcurrent,
		MaxLineBytes:  cfg.MaxLineBytes,
		KillGrace:     cfg.KillGrace,
	}
}
