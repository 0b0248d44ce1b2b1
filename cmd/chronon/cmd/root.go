// Package cmd 包含 chronon 可执行文件的所有子命令。
// 使用 cobra 构建命令行接口，使用 viper 绑定命令行标志与 CHRONON_ 前缀的环境变量。
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/oriys/chronon/internal/config"
	"github.com/oriys/chronon/internal/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cfgFile 是配置文件路径
var cfgFile string

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "chronon",
	Short: "Chronon - blinded run orchestration service",
	Long: `chronon 启动并监督分析子进程，实时转发其输出，
并在执行前把配置与代码摘要写入哈希链账本。结论在管理员揭盲前保持不可见。

使用示例:
  # 启动服务
  chronon serve --config /etc/chronon/config.yaml

  # 校验持久化账本
  chronon verify --config /etc/chronon/config.yaml

  # 计算一组参数的承诺摘要
  chronon commit simulate --args '{"eps": 0.1}'`,
	SilenceUsage: true,
}

// Execute 执行根命令，由 main 包调用。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径（YAML）")
	rootCmd.PersistentFlags().String("log-level", "", "日志级别（debug、info、warn、error）")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig 绑定环境变量。环境变量格式：CHRONON_<KEY>，如 CHRONON_LOGGING_LEVEL。
func initConfig() {
	viper.SetEnvPrefix("CHRONON")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// loadConfig 加载配置文件，并应用命令行标志与环境变量的覆盖。
// 优先级：命令行标志 > CHRONON_ 环境变量 > 配置文件 > 默认值。
func loadConfig() (*config.Config, error) {
	path := viper.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("logging.level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetInt("server.http_port"); v != 0 {
		cfg.Server.HTTPPort = v
	}
	if v := viper.GetInt("server.metrics_port"); v != 0 {
		cfg.Server.MetricsPort = v
	}
	return cfg, nil
}

// newLogger 根据日志配置创建 logrus 记录器。
func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithField("level", cfg.Level).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.AddHook(telemetry.LogrusHook{})
	return logger
}

// printErr 向标准错误输出一行信息。
func printErr(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
