package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了托管服务在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Ledger  LedgerConfig  `json:"ledger"`
	Notify  NotifyConfig  `json:"notify"`
	Dispute DisputeConfig `json:"dispute"`
	Auth    AuthConfig    `json:"auth"`
	Retry   RetryConfig   `json:"retry"`
	Logging LoggingConfig `json:"logging"`
	Runtime RuntimeConfig `json:"runtime"`
}

// LoggingConfig 控制结构化日志与审计日志的输出。
type LoggingConfig struct {
	Level   string   `json:"level"`
	Format  string   `json:"format"`
	Outputs []string `json:"outputs"`

	Audit struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述项目与投标存储后端的连接信息。
type StorageConfig struct {
	ProjectStore  StoreConfig `json:"project_store"`
	ProposalStore StoreConfig `json:"proposal_store"`
}

// StoreConfig 支持 memory 与 mysql 两种驱动。
type StoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// LedgerConfig 描述资金账本后端。driver 为 memory 或 ethereum。
type LedgerConfig struct {
	Driver string `json:"driver"`
	// Chain 指定 chain.yaml 中的链名称。
	Chain string `json:"chain"`
	// ChainConfig 为链定义文件的路径。
	ChainConfig string `json:"chain_config"`
}

// NotifyConfig 描述事件通知后端。driver 为 memory、redis 或 rabbitmq。
type NotifyConfig struct {
	Driver string `json:"driver"`

	Redis struct {
		Address  string `json:"address"`
		Password string `json:"password"`
		DB       int    `json:"db"`
		Stream   string `json:"stream"`
	} `json:"redis"`

	RabbitMQ struct {
		URL        string `json:"url"`
		Queue      string `json:"queue"`
		Durable    bool   `json:"durable"`
		AutoDelete bool   `json:"auto_delete"`
	} `json:"rabbitmq"`
}

// DisputeConfig 控制仲裁投票的法定人数和超时时间。
type DisputeConfig struct {
	Quorum int `json:"quorum"`
	// VoteTimeoutMinutes 为投票窗口时长，超时未达法定人数转人工处理。
	VoteTimeoutMinutes int `json:"vote_timeout_minutes"`
	// ExpiryIntervalSeconds 为超时巡检周期。
	ExpiryIntervalSeconds int `json:"expiry_interval_seconds"`
}

// AuthConfig 控制 API 层的身份认证。mode 为 disabled 或 jwt。
type AuthConfig struct {
	Mode string `json:"mode"`

	JWT struct {
		Secret     string   `json:"secret"`
		Issuer     string   `json:"issuer"`
		Audience   []string `json:"audience"`
		AccessTTL  int64    `json:"access_ttl_seconds"`
		RefreshTTL int64    `json:"refresh_ttl_seconds"`
	} `json:"jwt"`

	// Seeds 为启动时注入的初始账户。role 决定默认权限集合。
	Seeds []AuthSeed `json:"seeds"`
}

// AuthSeed 描述一个初始账户。
type AuthSeed struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// RetryConfig 控制账本调用失败时的重试行为。
type RetryConfig struct {
	MaxAttempts int `json:"max_attempts"`
	BaseDelayMS int `json:"base_delay_ms"`
	MaxDelayMS  int `json:"max_delay_ms"`
	LockWaitMS  int `json:"lock_wait_ms"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.ProjectStore.Driver == "" {
		c.Storage.ProjectStore.Driver = "memory"
	}
	if c.Storage.ProposalStore.Driver == "" {
		c.Storage.ProposalStore.Driver = c.Storage.ProjectStore.Driver
		c.Storage.ProposalStore.DSN = c.Storage.ProjectStore.DSN
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.ChainConfig != "" && !filepath.IsAbs(c.Ledger.ChainConfig) {
		c.Ledger.ChainConfig = filepath.Join(baseDir, c.Ledger.ChainConfig)
	}

	if c.Notify.Driver == "" {
		c.Notify.Driver = "memory"
	}

	if c.Dispute.Quorum <= 0 {
		c.Dispute.Quorum = 1
	}
	if c.Dispute.VoteTimeoutMinutes <= 0 {
		c.Dispute.VoteTimeoutMinutes = 72 * 60
	}
	if c.Dispute.ExpiryIntervalSeconds <= 0 {
		c.Dispute.ExpiryIntervalSeconds = 60
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelayMS <= 0 {
		c.Retry.BaseDelayMS = 200
	}
	if c.Retry.MaxDelayMS <= 0 {
		c.Retry.MaxDelayMS = 5000
	}
	if c.Retry.LockWaitMS <= 0 {
		c.Retry.LockWaitMS = 10000
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
