package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"TaskForge/pkg/logger"
)

// Config 描述了 TaskForge 在启动阶段需要加载的核心配置。
type Config struct {
	Pool     PoolConfig     `yaml:"pool"`
	Store    StoreConfig    `yaml:"store"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Alerting AlertingConfig `yaml:"alerting"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Executor ExecutorConfig `yaml:"executor"`
	Logging  LoggingConfig  `yaml:"logging"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

// PoolConfig 控制工作池的规模与领取重试节奏。
type PoolConfig struct {
	Workers           int `yaml:"workers"`
	ClaimRetryDelayMs int `yaml:"claim_retry_delay_ms"`
}

// StoreConfig 描述任务存储后端。
type StoreConfig struct {
	Driver             string `yaml:"driver"`
	Path               string `yaml:"path"`
	DSN                string `yaml:"dsn"`
	LockTimeoutSeconds int    `yaml:"lock_timeout_seconds"`
}

// MonitorConfig 控制心跳监控的阈值与扫描周期。
type MonitorConfig struct {
	StaleThresholdSeconds   int  `yaml:"stale_threshold_seconds"`
	TimeoutThresholdSeconds int  `yaml:"timeout_threshold_seconds"`
	ScanIntervalSeconds     int  `yaml:"scan_interval_seconds"`
	RepeatWarnings          bool `yaml:"repeat_warnings"`
}

// AlertingConfig 描述告警投递渠道。日志渠道始终开启。
type AlertingConfig struct {
	RabbitMQ RabbitMQAlertConfig `yaml:"rabbitmq"`
}

// RabbitMQAlertConfig 描述 RabbitMQ 告警队列。URL 为空时不启用。
type RabbitMQAlertConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// LedgerConfig 描述成本账本后端。
type LedgerConfig struct {
	Driver string            `yaml:"driver"`
	Redis  RedisLedgerConfig `yaml:"redis"`
}

// RedisLedgerConfig 描述 Redis 账本连接。
type RedisLedgerConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ExecutorConfig 控制内置 shell 执行器。
type ExecutorConfig struct {
	Shell          string  `yaml:"shell"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	CostPerSecond  float64 `yaml:"cost_per_second"`
}

// LoggingConfig 描述结构化日志输出。
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
	Audit       logger.AuditConfig
}

// auditYAML 是审计日志配置的 YAML 映射结构。
type auditYAML struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// UnmarshalYAML 把审计子段映射到 logger.AuditConfig。
func (c *LoggingConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Level       string    `yaml:"level"`
		Format      string    `yaml:"format"`
		OutputPaths []string  `yaml:"output_paths"`
		Audit       auditYAML `yaml:"audit"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Level = raw.Level
	c.Format = raw.Format
	c.OutputPaths = raw.OutputPaths
	c.Audit = logger.AuditConfig{
		Enabled:    raw.Audit.Enabled,
		Path:       raw.Audit.Path,
		MaxSizeMB:  raw.Audit.MaxSizeMB,
		MaxBackups: raw.Audit.MaxBackups,
		MaxAgeDays: raw.Audit.MaxAgeDays,
	}
	return nil
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Pool.Workers <= 0 {
		c.Pool.Workers = 3
	}
	if c.Pool.ClaimRetryDelayMs <= 0 {
		c.Pool.ClaimRetryDelayMs = 50
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.LockTimeoutSeconds <= 0 {
		c.Store.LockTimeoutSeconds = 5
	}

	if c.Monitor.StaleThresholdSeconds <= 0 {
		c.Monitor.StaleThresholdSeconds = 120
	}
	if c.Monitor.TimeoutThresholdSeconds <= 0 {
		c.Monitor.TimeoutThresholdSeconds = 600
	}
	if c.Monitor.ScanIntervalSeconds <= 0 {
		c.Monitor.ScanIntervalSeconds = 30
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}

	if c.Executor.Shell == "" {
		c.Executor.Shell = "/bin/sh"
	}
	if c.Executor.TimeoutSeconds <= 0 {
		c.Executor.TimeoutSeconds = 300
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.Runtime.DataDir, "queue.json")
	} else if !filepath.IsAbs(c.Store.Path) {
		c.Store.Path = filepath.Join(baseDir, c.Store.Path)
	}
}

// StoreLockTimeout 返回存储锁超时。
func (c *Config) StoreLockTimeout() time.Duration {
	return time.Duration(c.Store.LockTimeoutSeconds) * time.Second
}

// StaleThreshold 返回监控软阈值。
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Monitor.StaleThresholdSeconds) * time.Second
}

// TimeoutThreshold 返回监控硬阈值。
func (c *Config) TimeoutThreshold() time.Duration {
	return time.Duration(c.Monitor.TimeoutThresholdSeconds) * time.Second
}

// ScanInterval 返回监控扫描周期。
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Monitor.ScanIntervalSeconds) * time.Second
}

// ClaimRetryDelay 返回领取重试间隔。
func (c *Config) ClaimRetryDelay() time.Duration {
	return time.Duration(c.Pool.ClaimRetryDelayMs) * time.Millisecond
}

// ExecutorTimeout 返回单个任务的执行超时。
func (c *Config) ExecutorTimeout() time.Duration {
	return time.Duration(c.Executor.TimeoutSeconds) * time.Second
}
