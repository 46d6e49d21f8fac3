package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"agent-matrix/internal/observability/tracing"
	"agent-matrix/internal/runner"
	"agent-matrix/pkg/logger"
)

const (
	// EnvPrefix 是所有环境变量覆盖项的前缀。
	EnvPrefix = "AGENTMATRIX_"
	// EnvConfigPath 指定配置文件路径。
	EnvConfigPath = "AGENTMATRIX_CONFIG"
	// EnvKey 提供信封密钥，读取后立即从进程环境中移除。
	EnvKey = "AGENTMATRIX_KEY"
	// DefaultPath 是未指定 AGENTMATRIX_CONFIG 时使用的配置文件。
	DefaultPath = "configs/agentmatrix.yaml"
)

// Config 描述了 agent-matrix 守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Auth      AuthConfig      `yaml:"auth" envPrefix:"AUTH_"`
	Logging   logger.Config   `yaml:"logging" envPrefix:"LOG_"`
	Envelope  EnvelopeConfig  `yaml:"envelope" envPrefix:"ENVELOPE_"`
	Policy    PolicyConfig    `yaml:"policy" envPrefix:"POLICY_"`
	Agents    AgentsConfig    `yaml:"agents" envPrefix:"AGENTS_"`
	Dispatch  DispatchConfig  `yaml:"dispatch" envPrefix:"DISPATCH_"`
	Runner    runner.Config   `yaml:"runner" envPrefix:"RUNNER_"`
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Queue     QueueConfig     `yaml:"queue" envPrefix:"QUEUE_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Alerting  AlertingConfig  `yaml:"alerting" envPrefix:"ALERTING_"`
	Runtime   RuntimeConfig   `yaml:"runtime" envPrefix:"RUNTIME_"`

	// Key 是信封密钥的文本形式（hex 或 base64），只能来自环境变量。
	Key string `yaml:"-" env:"KEY"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address" env:"ADDRESS"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// WaitTimeout 是 ?wait=true 同步等待任务完成的上限。
	WaitTimeout time.Duration `yaml:"wait_timeout" env:"WAIT_TIMEOUT"`
}

// AuthConfig 控制 API 的鉴权方式。
type AuthConfig struct {
	Mode     string        `yaml:"mode" env:"MODE"`
	Issuer   string        `yaml:"issuer" env:"ISSUER"`
	Secret   string        `yaml:"-" env:"SECRET"`
	TokenTTL time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
}

// EnvelopeConfig 描述信封摘要算法与 nonce 账本。
type EnvelopeConfig struct {
	Digest string       `yaml:"digest" env:"DIGEST"`
	Ledger LedgerConfig `yaml:"ledger" envPrefix:"LEDGER_"`
}

// LedgerConfig 选择 nonce 账本实现。
type LedgerConfig struct {
	Driver    string        `yaml:"driver" env:"DRIVER"`
	Prefix    string        `yaml:"prefix" env:"PREFIX"`
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
	Redis     RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
}

// RedisConfig 描述 Redis 连接信息。
type RedisConfig struct {
	Address  string `yaml:"address" env:"ADDRESS"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// PolicyConfig 描述策略网关的初始约束集合，nil 表示使用默认约束。
type PolicyConfig struct {
	Constraints []string `yaml:"constraints" env:"CONSTRAINTS"`
}

// AgentsConfig 描述参与分发的 Agent 及其协作方。
type AgentsConfig struct {
	Enabled      []string      `yaml:"enabled" env:"ENABLED"`
	ScoreTimeout time.Duration `yaml:"score_timeout" env:"SCORE_TIMEOUT"`
	Scorer       ScorerConfig  `yaml:"scorer" envPrefix:"SCORER_"`
	// AcceleratorPlugin 指向导出 Accelerator 符号的 Go 插件，为空时走 CPU 回退。
	AcceleratorPlugin string `yaml:"accelerator_plugin" env:"ACCELERATOR_PLUGIN"`
}

// ScorerConfig 选择风险评分实现。
type ScorerConfig struct {
	Driver  string             `yaml:"driver" env:"DRIVER"`
	Lexicon string             `yaml:"lexicon" env:"LEXICON"`
	Python  PythonBridgeConfig `yaml:"python_bridge" envPrefix:"PYTHON_"`
	OpenAI  OpenAIConfig       `yaml:"openai" envPrefix:"OPENAI_"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成评分时所需的信息。
type PythonBridgeConfig struct {
	Executable string `yaml:"executable" env:"EXECUTABLE"`
	Script     string `yaml:"script" env:"SCRIPT"`
	WorkingDir string `yaml:"working_dir" env:"WORKING_DIR"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey  string        `yaml:"-" env:"API_KEY"`
	BaseURL string        `yaml:"base_url" env:"BASE_URL"`
	Model   string        `yaml:"model" env:"MODEL"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// DispatchConfig 控制分发器并发度与超时。
type DispatchConfig struct {
	ConcurrencyLimit int           `yaml:"concurrency_limit" env:"CONCURRENCY_LIMIT"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// StorageConfig 描述任务存储后端。
type StorageConfig struct {
	Driver string      `yaml:"driver" env:"DRIVER"`
	MySQL  MySQLConfig `yaml:"mysql" envPrefix:"MYSQL_"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// QueueConfig 描述任务队列与 worker。
type QueueConfig struct {
	Driver  string `yaml:"driver" env:"DRIVER"`
	Buffer  int    `yaml:"buffer" env:"BUFFER"`
	Workers int    `yaml:"workers" env:"WORKERS"`

	// MaxRetries 是单个任务最多被领取的次数，为 0 时取默认值，负数表示只尝试一次。
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`

	// RedeliverDelay 是处理失败的任务重新回到 Redis/RabbitMQ 队列前的等待时间。
	RedeliverDelay time.Duration  `yaml:"redeliver_delay" env:"REDELIVER_DELAY"`
	Redis          RedisQueue     `yaml:"redis" envPrefix:"REDIS_"`
	RabbitMQ       RabbitMQConfig `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
}

// RedisQueue 描述基于 Redis 列表的队列。
type RedisQueue struct {
	RedisConfig `yaml:",inline"`
	Key         string        `yaml:"key" env:"KEY"`
	BlockTime   time.Duration `yaml:"block_timeout" env:"BLOCK_TIMEOUT"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `yaml:"url" env:"URL"`
	Queue    string `yaml:"queue" env:"QUEUE"`
	Prefetch int    `yaml:"prefetch" env:"PREFETCH"`
}

// TelemetryConfig 描述指标与追踪。
type TelemetryConfig struct {
	MetricsEnabled bool           `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	MetricsAddress string         `yaml:"metrics_address" env:"METRICS_ADDRESS"`
	Tracing        tracing.Config `yaml:"tracing" envPrefix:"OTEL_"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled" env:"ENABLED"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig 描述单个 webhook 目标，Format 为 json、slack 或 dingtalk。
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Format string `yaml:"format"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
}

// Load 解析 YAML 配置文件，应用环境变量覆盖后补全默认值。
// 文件不存在时使用纯默认配置。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}

	var cfg Config
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}
	// 子进程不应继承密钥。
	if cfg.Key != "" {
		_ = os.Unsetenv(EnvKey)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDefault 从 AGENTMATRIX_CONFIG 指定的位置加载配置。
func LoadDefault() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = DefaultPath
	}
	return Load(path)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 90 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.WaitTimeout <= 0 {
		c.Server.WaitTimeout = 60 * time.Second
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "agent-matrix"
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 12 * time.Hour
	}

	if c.Envelope.Digest == "" {
		c.Envelope.Digest = "blake3"
	}
	if c.Envelope.Ledger.Driver == "" {
		c.Envelope.Ledger.Driver = "memory"
	}

	if len(c.Agents.Enabled) == 0 {
		c.Agents.Enabled = []string{"ethics", "compute"}
	}
	if c.Agents.ScoreTimeout <= 0 {
		c.Agents.ScoreTimeout = 10 * time.Second
	}
	if c.Agents.Scorer.Driver == "" {
		c.Agents.Scorer.Driver = "lexicon"
	}
	if c.Agents.Scorer.Lexicon != "" {
		c.Agents.Scorer.Lexicon = resolve(baseDir, c.Agents.Scorer.Lexicon)
	}
	if c.Agents.Scorer.Python.Executable == "" {
		c.Agents.Scorer.Python.Executable = "python3"
	}
	c.Agents.Scorer.Python.WorkingDir = resolveOr(baseDir, c.Agents.Scorer.Python.WorkingDir, baseDir)
	if c.Agents.AcceleratorPlugin != "" {
		c.Agents.AcceleratorPlugin = resolve(baseDir, c.Agents.AcceleratorPlugin)
	}

	if c.Dispatch.Timeout <= 0 {
		c.Dispatch.Timeout = 30 * time.Second
	}

	if c.Runner.Driver == "" {
		c.Runner.Driver = runner.DriverShell
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 128
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.RedeliverDelay <= 0 {
		c.Queue.RedeliverDelay = time.Second
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "agentmatrix:commands"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "agentmatrix.commands"
	}

	if c.Telemetry.MetricsAddress == "" {
		c.Telemetry.MetricsAddress = ":9090"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	c.Runtime.DataDir = resolveOr(baseDir, c.Runtime.DataDir, filepath.Join(baseDir, "data"))
}

// Validate 检查互相依赖的配置项。
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case "disabled":
	case "jwt":
		if strings.TrimSpace(c.Auth.Secret) == "" {
			return errors.New("auth.mode=jwt 需要设置 AGENTMATRIX_AUTH_SECRET")
		}
	default:
		return fmt.Errorf("未知的鉴权模式 %q", c.Auth.Mode)
	}

	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
			return errors.New("storage.driver=mysql 需要配置 dsn")
		}
	default:
		return fmt.Errorf("未知的存储驱动 %q", c.Storage.Driver)
	}

	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动 %q", c.Queue.Driver)
	}

	switch c.Envelope.Ledger.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("未知的 nonce 账本驱动 %q", c.Envelope.Ledger.Driver)
	}

	for _, wh := range c.Alerting.Webhooks {
		if strings.TrimSpace(wh.URL) == "" {
			return errors.New("alerting.webhooks 中存在空的 url")
		}
	}
	return nil
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func resolveOr(baseDir, path, fallback string) string {
	if path == "" {
		return fallback
	}
	return resolve(baseDir, path)
}
