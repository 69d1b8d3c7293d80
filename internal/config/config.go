package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 IntelMarket 在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Runtime    RuntimeConfig    `json:"runtime"`
	Logging    LoggingConfig    `json:"logging"`
	Catalog    CatalogConfig    `json:"catalog"`
	Cache      CacheConfig      `json:"cache"`
	Payment    PaymentConfig    `json:"payment"`
	Signer     SignerConfig     `json:"signer"`
	Mandate    MandateConfig    `json:"mandate"`
	Revenue    RevenueConfig    `json:"revenue"`
	Reputation ReputationConfig `json:"reputation"`
	Queue      QueueConfig      `json:"queue"`
	Storage    StorageConfig    `json:"storage"`
	LLM        LLMConfig        `json:"llm"`
	Sensor     SensorConfig     `json:"sensor"`
	Web3       Web3Config       `json:"web3"`
	Alerting   AlertingConfig   `json:"alerting"`
	Auth       AuthConfig       `json:"auth"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir     string `json:"data_dir"`
	Environment string `json:"environment"`
}

// IsProduction 判断是否运行在生产环境。
func (r RuntimeConfig) IsProduction() bool {
	return strings.EqualFold(r.Environment, "production")
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// CatalogConfig 指向 YAML 价目表。
type CatalogConfig struct {
	Path string `json:"path"`
}

// CacheConfig 控制付费载荷缓存。
type CacheConfig struct {
	ComputeTimeoutSeconds int `json:"compute_timeout_seconds"`
}

// ComputeTimeout 返回单次载荷计算的超时。
func (c CacheConfig) ComputeTimeout() time.Duration {
	return time.Duration(c.ComputeTimeoutSeconds) * time.Second
}

// PaymentConfig 控制入站凭证校验。
type PaymentConfig struct {
	ReplayWindowSeconds   int    `json:"replay_window_seconds"`
	ClockSkewSeconds      int    `json:"clock_skew_seconds"`
	ConfirmTimeoutSeconds int    `json:"confirm_timeout_seconds"`
	ReplayStore           string `json:"replay_store"`
}

// ReplayWindow 返回重放窗口时长。
func (p PaymentConfig) ReplayWindow() time.Duration {
	return time.Duration(p.ReplayWindowSeconds) * time.Second
}

// ClockSkew 返回允许的时钟偏差。
func (p PaymentConfig) ClockSkew() time.Duration {
	return time.Duration(p.ClockSkewSeconds) * time.Second
}

// ConfirmTimeout 返回链上确认超时。
func (p PaymentConfig) ConfirmTimeout() time.Duration {
	return time.Duration(p.ConfirmTimeoutSeconds) * time.Second
}

// SignerConfig 控制出站凭证签名。
type SignerConfig struct {
	KeyEnv               string `json:"key_env"`
	ProofLifetimeSeconds int    `json:"proof_lifetime_seconds"`
}

// ProofLifetime 返回出站凭证有效期。
func (s SignerConfig) ProofLifetime() time.Duration {
	return time.Duration(s.ProofLifetimeSeconds) * time.Second
}

// MandateConfig 控制出站采购流程。
type MandateConfig struct {
	Store                string `json:"store"`
	CounterpartURL       string `json:"counterpart_url"`
	CartTTLSeconds       int    `json:"cart_ttl_seconds"`
	CallTimeoutSeconds   int    `json:"call_timeout_seconds"`
	MaxAttempts          int    `json:"max_attempts"`
	SweepIntervalSeconds int    `json:"sweep_interval_seconds"`
	AbandonAfterSeconds  int    `json:"abandon_after_seconds"`
}

// CartTTL 返回购物车有效期。
func (m MandateConfig) CartTTL() time.Duration {
	return time.Duration(m.CartTTLSeconds) * time.Second
}

// CallTimeout 返回远端付费调用的总超时。
func (m MandateConfig) CallTimeout() time.Duration {
	return time.Duration(m.CallTimeoutSeconds) * time.Second
}

// SweepInterval 返回清理周期。
func (m MandateConfig) SweepInterval() time.Duration {
	return time.Duration(m.SweepIntervalSeconds) * time.Second
}

// AbandonAfter 返回会话被视为废弃的时长。
func (m MandateConfig) AbandonAfter() time.Duration {
	return time.Duration(m.AbandonAfterSeconds) * time.Second
}

// BucketConfig 描述一个收入分配桶。
type BucketConfig struct {
	Name        string `json:"name"`
	BasisPoints int64  `json:"basis_points"`
}

// RevenueConfig 控制收入分配。
type RevenueConfig struct {
	Ledger    string         `json:"ledger"`
	Buckets   []BucketConfig `json:"buckets"`
	Remainder string         `json:"remainder"`
}

// ReputationConfig 控制信誉统计与发布。
type ReputationConfig struct {
	Store                  string         `json:"store"`
	Publisher              string         `json:"publisher"`
	PublishIntervalSeconds int            `json:"publish_interval_seconds"`
	NATS                   NATSConfig     `json:"nats"`
	RabbitMQ               RabbitMQConfig `json:"rabbitmq"`
}

// PublishInterval 返回信誉信号发布周期。
func (r ReputationConfig) PublishInterval() time.Duration {
	return time.Duration(r.PublishIntervalSeconds) * time.Second
}

// NATSConfig 描述 NATS 连接。
type NATSConfig struct {
	URL     string `json:"url"`
	Subject string `json:"subject"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// QueueConfig 控制出站采购队列。
type QueueConfig struct {
	Driver   string           `json:"driver"`
	Worker   int              `json:"worker"`
	Redis    RedisQueueConfig `json:"redis"`
	RabbitMQ RabbitMQConfig   `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis 队列参数，连接复用 storage.redis。
type RedisQueueConfig struct {
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// StorageConfig 统一描述 MySQL、Postgres、Bolt、Redis 等后端的连接信息。
type StorageConfig struct {
	MySQL    SQLConfig   `json:"mysql"`
	Postgres SQLConfig   `json:"postgres"`
	Bolt     BoltConfig  `json:"bolt"`
	Redis    RedisConfig `json:"redis"`
}

// SQLConfig 描述关系型数据库连接。
type SQLConfig struct {
	DSN                    string `json:"dsn"`
	DSNEnv                 string `json:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// ResolveDSN 优先返回显式 DSN，否则读取环境变量。
func (s SQLConfig) ResolveDSN() string {
	if dsn := strings.TrimSpace(s.DSN); dsn != "" {
		return dsn
	}
	if s.DSNEnv != "" {
		return strings.TrimSpace(os.Getenv(s.DSNEnv))
	}
	return ""
}

// ConnMaxLifetime 返回连接最长存活时间。
func (s SQLConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(s.ConnMaxLifetimeSeconds) * time.Second
}

// BoltConfig 描述本地 bolt 文件。
type BoltConfig struct {
	Path string `json:"path"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	MaxTokens      int    `json:"max_tokens"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回调用超时。
func (o OpenAIConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// SensorConfig 指向环境快照数据源。
type SensorConfig struct {
	Source string `json:"source"`
}

// Web3Config 指向链定义文件。
type Web3Config struct {
	ChainConfig string `json:"chain_config"`
}

// AlertingConfig 控制告警通知。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url"`
	Format         string `json:"format"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回 webhook 超时。
func (a AlertingConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// AuthConfig 控制运营接口的鉴权。
type AuthConfig struct {
	Mode      string           `json:"mode"`
	Operators []OperatorConfig `json:"operators"`
}

// OperatorConfig 描述一个运营方令牌，令牌本身从环境变量读取。
type OperatorConfig struct {
	Name        string   `json:"name"`
	TokenEnv    string   `json:"token_env"`
	Permissions []string `json:"permissions"`
}

// ResolveToken 读取运营方令牌。
func (o OperatorConfig) ResolveToken() string {
	if o.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(o.TokenEnv))
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, "data")
	if c.Runtime.Environment == "" {
		c.Runtime.Environment = "production"
	}
	c.Runtime.Environment = strings.ToLower(c.Runtime.Environment)

	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolvePath(c.Runtime.DataDir, c.Logging.Audit.Path, "audit.log")
	}

	c.Catalog.Path = resolvePath(baseDir, c.Catalog.Path, "tiers.yaml")

	if c.Cache.ComputeTimeoutSeconds <= 0 {
		c.Cache.ComputeTimeoutSeconds = 30
	}

	if c.Payment.ReplayWindowSeconds <= 0 {
		c.Payment.ReplayWindowSeconds = 600
	}
	if c.Payment.ClockSkewSeconds <= 0 {
		c.Payment.ClockSkewSeconds = 30
	}
	if c.Payment.ConfirmTimeoutSeconds <= 0 {
		c.Payment.ConfirmTimeoutSeconds = 15
	}
	if c.Payment.ReplayStore == "" {
		c.Payment.ReplayStore = "memory"
	}

	if c.Signer.KeyEnv == "" {
		c.Signer.KeyEnv = "INTELMARKET_SIGNING_KEY"
	}
	if c.Signer.ProofLifetimeSeconds <= 0 {
		c.Signer.ProofLifetimeSeconds = 300
	}

	if c.Mandate.Store == "" {
		c.Mandate.Store = "bolt"
	}
	if c.Mandate.CartTTLSeconds <= 0 {
		c.Mandate.CartTTLSeconds = 120
	}
	if c.Mandate.CallTimeoutSeconds <= 0 {
		c.Mandate.CallTimeoutSeconds = 30
	}
	if c.Mandate.MaxAttempts <= 0 {
		c.Mandate.MaxAttempts = 3
	}
	if c.Mandate.SweepIntervalSeconds <= 0 {
		c.Mandate.SweepIntervalSeconds = 60
	}
	if c.Mandate.AbandonAfterSeconds <= 0 {
		c.Mandate.AbandonAfterSeconds = 900
	}

	if c.Revenue.Ledger == "" {
		c.Revenue.Ledger = "memory"
	}
	if len(c.Revenue.Buckets) == 0 {
		c.Revenue.Buckets = []BucketConfig{
			{Name: "operations", BasisPoints: 6000},
			{Name: "reserve", BasisPoints: 2500},
			{Name: "development", BasisPoints: 1000},
			{Name: "community", BasisPoints: 500},
		}
	}
	if c.Revenue.Remainder == "" {
		c.Revenue.Remainder = c.Revenue.Buckets[0].Name
	}

	if c.Reputation.Store == "" {
		c.Reputation.Store = "memory"
	}
	if c.Reputation.Publisher == "" {
		c.Reputation.Publisher = "log"
	}
	if c.Reputation.PublishIntervalSeconds <= 0 {
		c.Reputation.PublishIntervalSeconds = 300
	}
	if c.Reputation.NATS.Subject == "" {
		c.Reputation.NATS.Subject = "intelmarket.reputation"
	}
	if c.Reputation.RabbitMQ.Exchange == "" {
		c.Reputation.RabbitMQ.Exchange = "intelmarket.reputation"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Worker <= 0 {
		c.Queue.Worker = 2
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "intelmarket:purchases"
	}
	if c.Queue.Redis.BlockWaitSeconds <= 0 {
		c.Queue.Redis.BlockWaitSeconds = 5
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "intelmarket.purchases"
	}

	c.Storage.Bolt.Path = resolvePath(c.Runtime.DataDir, c.Storage.Bolt.Path, "mandates.db")
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "intelmarket"
	}

	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 60
	}

	if c.Sensor.Source != "" {
		c.Sensor.Source = resolvePath(baseDir, c.Sensor.Source, "")
	}
	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig, "")
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Alerting.Format == "" {
		c.Alerting.Format = "json"
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 校验驱动名称与互相依赖的参数。
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, candidate := range allowed {
			if value == candidate {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 不支持 %q，可选值: %s", field, value, strings.Join(allowed, ", ")))
	}

	check("runtime.environment", c.Runtime.Environment, "production", "staging", "development")
	check("payment.replay_store", c.Payment.ReplayStore, "memory", "redis")
	check("mandate.store", c.Mandate.Store, "memory", "bolt", "mysql")
	check("revenue.ledger", c.Revenue.Ledger, "memory", "mysql", "postgres")
	check("reputation.store", c.Reputation.Store, "memory", "mysql", "redis")
	check("reputation.publisher", c.Reputation.Publisher, "log", "nats", "rabbitmq", "none")
	check("queue.driver", c.Queue.Driver, "memory", "redis", "rabbitmq")
	check("llm.provider", c.LLM.Provider, "", "openai")
	check("auth.mode", c.Auth.Mode, "disabled", "token")
	check("alerting.format", c.Alerting.Format, "json", "slack", "dingtalk")

	if c.Signer.ProofLifetime() > c.Payment.ReplayWindow() {
		errs = append(errs, errors.New("signer.proof_lifetime_seconds 不能超过 payment.replay_window_seconds"))
	}

	usesRedis := c.Payment.ReplayStore == "redis" || c.Reputation.Store == "redis" || c.Queue.Driver == "redis"
	if usesRedis && strings.TrimSpace(c.Storage.Redis.Address) == "" {
		errs = append(errs, errors.New("使用 redis 驱动时必须配置 storage.redis.address"))
	}
	if c.Reputation.Publisher == "nats" && strings.TrimSpace(c.Reputation.NATS.URL) == "" {
		errs = append(errs, errors.New("reputation.nats.url 不能为空"))
	}
	if c.Reputation.Publisher == "rabbitmq" && strings.TrimSpace(c.Reputation.RabbitMQ.URL) == "" {
		errs = append(errs, errors.New("reputation.rabbitmq.url 不能为空"))
	}
	if c.Queue.Driver == "rabbitmq" && strings.TrimSpace(c.Queue.RabbitMQ.URL) == "" {
		errs = append(errs, errors.New("queue.rabbitmq.url 不能为空"))
	}
	if c.Auth.Mode == "token" {
		if len(c.Auth.Operators) == 0 {
			errs = append(errs, errors.New("auth.mode=token 时至少需要一个 operator"))
		}
		for _, op := range c.Auth.Operators {
			if strings.TrimSpace(op.Name) == "" || strings.TrimSpace(op.TokenEnv) == "" {
				errs = append(errs, errors.New("auth.operators 需要 name 与 token_env"))
			}
		}
	}
	return errors.Join(errs...)
}
