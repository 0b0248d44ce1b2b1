// Package config 提供了运行编排服务的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过环境变量覆盖敏感配置项（如管理员令牌和密码）。
// 配置包含服务器、管理员、执行器、日志中心、账本、存储、事件、导出、日志、指标和遥测等方面的设置。
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是应用程序的主配置结构体，包含所有子系统的配置。
type Config struct {
	// Server 服务器配置，包括 HTTP 端口、指标端口等
	Server ServerConfig `yaml:"server"`
	// Admin 管理员令牌与揭盲限流配置
	Admin AdminConfig `yaml:"admin"`
	// Runner 子进程执行器与命令模板配置
	Runner RunnerConfig `yaml:"runner"`
	// LogHub 日志中心配置
	LogHub LogHubConfig `yaml:"loghub"`
	// Registry 运行记录保留策略
	Registry RegistryConfig `yaml:"registry"`
	// Ledger 账本配置
	Ledger LedgerConfig `yaml:"ledger"`
	// Storage 存储配置，包括 PostgreSQL 和 Redis 连接信息
	Storage StorageConfig `yaml:"storage"`
	// Events 事件配置，包括 NATS 消息队列连接信息
	Events EventsConfig `yaml:"events"`
	// Export 账本导出目标（S3 兼容对象存储）
	Export ExportConfig `yaml:"export"`
	// Logging 日志配置，包括日志级别和格式
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig 服务器配置结构体。
type ServerConfig struct {
	// HTTPPort API 与 WebSocket 监听端口
	// 默认值：8000
	HTTPPort int `yaml:"http_port"`
	// MetricsPort Prometheus 指标端口
	// 默认值：9090
	MetricsPort int `yaml:"metrics_port"`
	// ShutdownTimeout 优雅关闭超时
	// 默认值：30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RequestTimeout 普通 HTTP 请求超时（不作用于日志流）
	// 默认值：60s
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// AllowedOrigins CORS 与 WebSocket 允许的来源，空表示允许全部
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AdminConfig 管理员配置结构体。
type AdminConfig struct {
	// Token 管理员令牌，可通过环境变量 CHRONON_ADMIN_TOKEN 覆盖
	Token string `yaml:"token"`
	// TokenFile 令牌文件路径，配置后文件变化会被热加载；
	// 可通过环境变量 CHRONON_ADMIN_TOKEN_FILE 覆盖
	TokenFile string `yaml:"token_file"`
	// UnblindRate 揭盲接口每秒允许的请求数
	// 默认值：1
	UnblindRate float64 `yaml:"unblind_rate"`
	// UnblindBurst 揭盲接口的突发容量
	// 默认值：20
	UnblindBurst int `yaml:"unblind_burst"`
}

// RunnerConfig 执行器配置结构体。
type RunnerConfig struct {
	// Interpreter 内置命令模板使用的解释器
	// 默认值：python3
	Interpreter string `yaml:"interpreter"`
	// WorkDir 子进程工作目录
	WorkDir string `yaml:"work_dir"`
	// Env 附加到所有子进程的环境变量
	Env map[string]string `yaml:"env"`
	// MaxConcurrent 同时运行的子进程上限，0 表示不限制
	MaxConcurrent int `yaml:"max_concurrent"`
	// MaxLineBytes 单行输出上限
	// 默认值：1MiB
	MaxLineBytes int `yaml:"max_line_bytes"`
	// KillGrace 取消时 SIGTERM 到 SIGKILL 的宽限期
	// 默认值：5s
	KillGrace time.Duration `yaml:"kill_grace"`
	// Commands 覆盖或补充内置的命令模板，键为运行类型
	Commands map[string]CommandConfig `yaml:"commands"`
}

// CommandConfig 单个运行类型的命令模板配置。
type CommandConfig struct {
	// Command 命令行模板，支持 ${key} 占位符
	Command []string `yaml:"command"`
	// Schema 参数的 JSON Schema（内联）
	Schema string `yaml:"schema"`
	// SchemaFile 参数的 JSON Schema 文件路径
	SchemaFile string `yaml:"schema_file"`
	// Defaults 参数默认值
	Defaults map[string]interface{} `yaml:"defaults"`
	// PassExtra 是否把未被占位符消费的参数追加为 --key value，未设置时沿用内置模板
	PassExtra *bool `yaml:"pass_extra"`
	// Env 该命令额外的环境变量
	Env map[string]string `yaml:"env"`
}

// LogHubConfig 日志中心配置结构体。
type LogHubConfig struct {
	// SubscriberBuffer 每个订阅者的缓冲行数
	// 默认值：1024
	SubscriberBuffer int `yaml:"subscriber_buffer"`
	// ReplayLines 新订阅者可获得的最近行数，0 表示不回放
	ReplayLines int `yaml:"replay_lines"`
	// ClosedRetention 已结束运行的记录在日志中心保留的时长
	// 默认值：10m
	ClosedRetention time.Duration `yaml:"closed_retention"`
}

// RegistryConfig 运行记录保留配置结构体。
type RegistryConfig struct {
	// Retention 已结束运行在内存中保留的时长，0 表示永久保留
	Retention time.Duration `yaml:"retention"`
	// SweepSchedule 清理任务的 cron 表达式（支持秒）
	// 默认值：0 */5 * * * *
	SweepSchedule string `yaml:"sweep_schedule"`
}

// LedgerConfig 账本配置结构体。
type LedgerConfig struct {
	// Operator 写入条目时记录的操作者
	// 默认值：主机名
	Operator string `yaml:"operator"`
	// CodeVersion 代码版本号，未配置 CodeDir 时用于 hash_code
	CodeVersion string `yaml:"code_version"`
	// CodeDir 分析代码目录，配置后以目录摘要作为代码版本
	CodeDir string `yaml:"code_dir"`
	// CodeExtensions 参与目录摘要的文件扩展名
	// 默认值：[.py]
	CodeExtensions []string `yaml:"code_extensions"`
}

// StorageConfig 存储配置结构体。
type StorageConfig struct {
	// Postgres PostgreSQL 数据库配置（账本持久化）
	Postgres PostgresConfig `yaml:"postgres"`
	// Redis Redis 配置（运行记录持久化）
	Redis RedisConfig `yaml:"redis"`
}

// PostgresConfig PostgreSQL 数据库配置结构体。
type PostgresConfig struct {
	// Enabled 是否启用
	Enabled bool `yaml:"enabled"`
	// Host 数据库主机地址
	Host string `yaml:"host"`
	// Port 数据库端口号
	Port int `yaml:"port"`
	// Database 数据库名称
	Database string `yaml:"database"`
	// User 数据库用户名
	User string `yaml:"user"`
	// Password 数据库密码，可通过环境变量 CHRONON_POSTGRES_PASSWORD 或
	// CHRONON_POSTGRES_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// SSLMode 连接的 sslmode
	// 默认值：disable
	SSLMode string `yaml:"ssl_mode"`
	// MaxConnections 最大连接数
	MaxConnections int `yaml:"max_connections"`
}

// DSN 返回 lib/pq 连接串。
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode)
}

// RedisConfig Redis 配置结构体。
type RedisConfig struct {
	// Enabled 是否启用
	Enabled bool `yaml:"enabled"`
	// Address Redis 服务器地址，格式为 "host:port"
	Address string `yaml:"address"`
	// Password Redis 密码，可通过环境变量 CHRONON_REDIS_PASSWORD 或
	// CHRONON_REDIS_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// DB Redis 数据库编号（0-15）
	DB int `yaml:"db"`
	// KeyPrefix 键前缀
	// 默认值：chronon
	KeyPrefix string `yaml:"key_prefix"`
}

// EventsConfig 事件配置结构体。
type EventsConfig struct {
	// NatsURL NATS 消息服务器 URL，如 "nats://localhost:4222"，为空时不发布事件
	NatsURL string `yaml:"nats_url"`
	// Stream JetStream 流名称
	// 默认值：CHRONON
	Stream string `yaml:"stream"`
}

// ExportConfig 账本导出配置结构体。
type ExportConfig struct {
	// Endpoint S3 兼容服务地址（host:port），为空时禁用上传
	Endpoint string `yaml:"endpoint"`
	// AccessKey 访问密钥
	AccessKey string `yaml:"access_key"`
	// SecretKey 私有密钥，可通过环境变量 CHRONON_EXPORT_SECRET_KEY 或
	// CHRONON_EXPORT_SECRET_KEY_FILE（文件路径）覆盖
	SecretKey string `yaml:"secret_key"`
	// Bucket 目标存储桶
	// 默认值：chronon-ledger
	Bucket string `yaml:"bucket"`
	// Prefix 对象键前缀
	// 默认值：ledger/
	Prefix string `yaml:"prefix"`
	// Region 区域
	Region string `yaml:"region"`
	// UseSSL 是否使用 HTTPS
	UseSSL bool `yaml:"use_ssl"`
}

// LoggingConfig 日志配置结构体。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
}

// MetricsConfig 指标配置结构体。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig 遥测配置结构体。
type TelemetryConfig struct {
	// Enabled 是否启用遥测
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 端点地址
	// 默认值：tempo:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名称
	// 默认值：chronon
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，范围 0.0 到 1.0
	// 默认值：0.1
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 环境标识
	// 默认值：development
	Environment string `yaml:"environment"`
}

// Load 从指定路径加载配置文件。
// path 为空时返回默认配置（仍然应用环境变量覆盖）。
//
// 参数：
//   - path: 配置文件的路径
//
// 返回值：
//   - *Config: 加载并处理后的配置对象
//   - error: 如果读取或解析失败则返回错误
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides 应用环境变量覆盖。
// 支持直接设置环境变量（如 CHRONON_ADMIN_TOKEN），或通过 _FILE 后缀指定包含密钥的文件路径；
// _FILE 方式优先级更高，适用于 Docker Secrets 等场景。
func (c *Config) applyEnvOverrides() {
	if v := readEnvOrFileAny([]string{"CHRONON_ADMIN_TOKEN"}, nil); v != "" {
		c.Admin.Token = v
	}
	// 令牌文件需要热加载，这里只记录路径
	if v := strings.TrimSpace(os.Getenv("CHRONON_ADMIN_TOKEN_FILE")); v != "" {
		c.Admin.TokenFile = v
	}
	if v := readEnvOrFileAny(
		[]string{"CHRONON_POSTGRES_PASSWORD"},
		[]string{"CHRONON_POSTGRES_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Postgres.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"CHRONON_REDIS_PASSWORD"},
		[]string{"CHRONON_REDIS_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"CHRONON_EXPORT_SECRET_KEY"},
		[]string{"CHRONON_EXPORT_SECRET_KEY_FILE"},
	); v != "" {
		c.Export.SecretKey = v
	}
}

// readEnvOrFileAny 从环境变量或文件读取配置值。
// 优先从 fileKeys 指定的文件路径读取，如果文件不存在或读取失败，
// 则从 envKeys 指定的环境变量读取。
func readEnvOrFileAny(envKeys []string, fileKeys []string) string {
	for _, fileKey := range fileKeys {
		if filePath := strings.TrimSpace(os.Getenv(fileKey)); filePath != "" {
			if b, err := os.ReadFile(filePath); err == nil {
				return strings.TrimSpace(string(b))
			}
		}
	}

	for _, envKey := range envKeys {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			return v
		}
	}

	return ""
}

// applyDefaults 应用默认配置值。
func (c *Config) applyDefaults() {
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8000
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 60 * time.Second
	}
	if c.Admin.UnblindRate <= 0 {
		c.Admin.UnblindRate = 1
	}
	if c.Admin.UnblindBurst <= 0 {
		c.Admin.UnblindBurst = 20
	}
	if c.Runner.Interpreter == "" {
		c.Runner.Interpreter = "python3"
	}
	if c.Runner.MaxLineBytes <= 0 {
		c.Runner.MaxLineBytes = 1 << 20
	}
	if c.Runner.KillGrace <= 0 {
		c.Runner.KillGrace = 5 * time.Second
	}
	if c.LogHub.SubscriberBuffer <= 0 {
		c.LogHub.SubscriberBuffer = 1024
	}
	if c.LogHub.ReplayLines < 0 {
		c.LogHub.ReplayLines = 0
	}
	if c.LogHub.ClosedRetention <= 0 {
		c.LogHub.ClosedRetention = 10 * time.Minute
	}
	if c.Registry.SweepSchedule == "" {
		c.Registry.SweepSchedule = "0 */5 * * * *"
	}
	if c.Ledger.Operator == "" {
		if host, err := os.Hostname(); err == nil {
			c.Ledger.Operator = host
		}
	}
	if len(c.Ledger.CodeExtensions) == 0 {
		c.Ledger.CodeExtensions = []string{".py"}
	}
	if c.Storage.Postgres.Host == "" {
		c.Storage.Postgres.Host = "localhost"
	}
	if c.Storage.Postgres.Port == 0 {
		c.Storage.Postgres.Port = 5432
	}
	if c.Storage.Postgres.Database == "" {
		c.Storage.Postgres.Database = "chronon"
	}
	if c.Storage.Postgres.User == "" {
		c.Storage.Postgres.User = "chronon"
	}
	if c.Storage.Postgres.SSLMode == "" {
		c.Storage.Postgres.SSLMode = "disable"
	}
	if c.Storage.Postgres.MaxConnections == 0 {
		c.Storage.Postgres.MaxConnections = 10
	}
	if c.Storage.Redis.Address == "" {
		c.Storage.Redis.Address = "localhost:6379"
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "chronon"
	}
	if c.Events.Stream == "" {
		c.Events.Stream = "CHRONON"
	}
	if c.Export.Bucket == "" {
		c.Export.Bucket = "chronon-ledger"
	}
	if c.Export.Prefix == "" {
		c.Export.Prefix = "ledger/"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "chronon"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "chronon"
	}
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "tempo:4317"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
}

// EnvList 将环境变量映射转换为排序后的 KEY=VALUE 列表。
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
