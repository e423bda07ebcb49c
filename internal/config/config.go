package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 AgentMesh 调度守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"dispatch_queue"`
	Payments   PaymentsConfig   `json:"payments"`
	Settlement SettlementConfig `json:"settlement"`
	Runtime    RuntimeConfig    `json:"runtime"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述任务快照的持久化后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig `json:"task_store"`
}

// TaskStoreConfig 默认使用 JSON 快照文件，可切换到 MySQL。
type TaskStoreConfig struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// QueueConfig 描述任务调度队列的驱动与参数。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接信息。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接信息。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// PaymentsConfig 控制专家调用的计费行为。
type PaymentsConfig struct {
	// Enforce 为 true 时会在进入 awaiting_payment 阶段校验请求方余额。
	Enforce bool `json:"enforce"`
	// Strict 为 true 时结算失败会直接判定任务失败，而不是记录未结算凭证。
	Strict bool `json:"strict"`
	// PayTo 是收款地址，写入支付要求文档。
	PayTo string `json:"pay_to"`
	// SignatureMinLength 是入站支付签名的最小长度。
	SignatureMinLength int `json:"signature_min_length"`
	// UsedSignatureCap 是回放保护集合保留的最近签名数量。
	UsedSignatureCap int `json:"used_signature_cap"`
	// PruneIntervalSeconds 是回放集合的修剪周期。
	PruneIntervalSeconds int `json:"prune_interval_seconds"`
}

// SettlementConfig 描述外部结算服务（链上热钱包）的接入方式。
type SettlementConfig struct {
	Provider       string `json:"provider"`
	RPCURL         string `json:"rpc_url"`
	PrivateKeyEnv  string `json:"private_key_env"`
	NetworkConfig  string `json:"network_config"`
	DefaultNetwork string `json:"default_network"`
	// AnchorIntervalSeconds 大于零时周期性把信誉摘要锚定到链上。
	AnchorIntervalSeconds int `json:"anchor_interval_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir         string `json:"data_dir"`
	DispatchDelayMS int    `json:"dispatch_delay_ms"`
	HopDelayMS      int    `json:"hop_delay_ms"`
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
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

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "snapshot"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}

	if c.Payments.SignatureMinLength <= 0 {
		c.Payments.SignatureMinLength = 64
	}
	if c.Payments.UsedSignatureCap <= 0 {
		c.Payments.UsedSignatureCap = 1000
	}
	if c.Payments.PruneIntervalSeconds <= 0 {
		c.Payments.PruneIntervalSeconds = 300
	}

	if c.Settlement.Provider == "" {
		c.Settlement.Provider = "mock"
	}
	if c.Settlement.NetworkConfig != "" && !filepath.IsAbs(c.Settlement.NetworkConfig) {
		c.Settlement.NetworkConfig = filepath.Join(baseDir, c.Settlement.NetworkConfig)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.DispatchDelayMS <= 0 {
		c.Runtime.DispatchDelayMS = 100
	}
	if c.Runtime.HopDelayMS <= 0 {
		c.Runtime.HopDelayMS = 250
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
