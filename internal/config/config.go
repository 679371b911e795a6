package config

import (
	"strings"
	"time"

	"github.com/blues/payrecon/internal/logger"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Revenue  RevenueConfig  `mapstructure:"revenue"`
	Payout   PayoutConfig   `mapstructure:"payout"`
	Task     TaskConfig     `mapstructure:"task"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // postgres
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ChainConfig 账本链配置
type ChainConfig struct {
	ChainType        string `mapstructure:"chain_type"`         // 链类型 (ethereum, polygon, etc.)
	ChainId          int64  `mapstructure:"chain_id"`           // 链ID
	RpcUrl           string `mapstructure:"rpc_url"`            // RPC节点URL，为空时进入 mock 模式
	PrivateKey       string `mapstructure:"private_key"`        // 写入私钥，为空时只读
	NotaryAddress    string `mapstructure:"notary_address"`     // 存证合约地址
	FeeMarginPercent int64  `mapstructure:"fee_margin_percent"` // gas price 相对网络建议值的上浮百分比
	GasLimit         uint64 `mapstructure:"gas_limit"`
	ConfirmTimeout   int    `mapstructure:"confirm_timeout"` // 秒
}

// ConfirmTimeoutDuration 等待上链确认的超时时间
func (c ChainConfig) ConfirmTimeoutDuration() time.Duration {
	return time.Duration(c.ConfirmTimeout) * time.Second
}

// WebhookConfig 支付网关回调配置
type WebhookConfig struct {
	Gateway         string `mapstructure:"gateway"`          // 网关标识，记录为支付确认人
	Secret          string `mapstructure:"secret"`           // HMAC 密钥
	SignatureHeader string `mapstructure:"signature_header"` // 签名头
}

type RevenueConfig struct {
	CommissionRate float64 `mapstructure:"commission_rate"`
}

// PayoutConfig 每周固定打款时间
type PayoutConfig struct {
	Weekday  string `mapstructure:"weekday"`
	Hour     int    `mapstructure:"hour"`
	Minute   int    `mapstructure:"minute"`
	Timezone string `mapstructure:"timezone"`
}

// ParseWeekday 解析打款日，无法识别时返回周五
func (p PayoutConfig) ParseWeekday() time.Weekday {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), p.Weekday) || strings.EqualFold(d.String()[:3], p.Weekday) {
			return d
		}
	}
	return time.Friday
}

// Location 打款时区
func (p PayoutConfig) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		logger.Warn("Unknown payout timezone %s, falling back to UTC: %v", p.Timezone, err)
		return time.UTC
	}
	return loc
}

type TaskConfig struct {
	SweepInterval  int     `mapstructure:"sweep_interval"`  // 秒
	OutboxInterval int     `mapstructure:"outbox_interval"` // 秒
	SweepBatch     int     `mapstructure:"sweep_batch"`
	LedgerRPS      float64 `mapstructure:"ledger_rps"`
	OutboxBatch    int     `mapstructure:"outbox_batch"`
	PoolSize       int     `mapstructure:"pool_size"` // 回调后处理协程池大小
}

type NotifyConfig struct {
	Driver  string   `mapstructure:"driver"` // log, kafka
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // 日志级别: debug, info, warn, error, fatal
	Output string `mapstructure:"output"` // 输出目标: stdout, stderr, file
	File   string `mapstructure:"file"`   // 日志文件路径（当output为file时使用）
}

// GetLevel 实现 logger.LogConfig 接口
func (l LogConfig) GetLevel() string {
	return l.Level
}

// GetOutput 实现 logger.LogConfig 接口
func (l LogConfig) GetOutput() string {
	return l.Output
}

// GetFile 实现 logger.LogConfig 接口
func (l LogConfig) GetFile() string {
	return l.File
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "marketplace")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("chain.chain_type", "ethereum")
	v.SetDefault("chain.chain_id", 11155111)
	v.SetDefault("chain.fee_margin_percent", 25)
	v.SetDefault("chain.gas_limit", 300000)
	v.SetDefault("chain.confirm_timeout", 120)
	v.SetDefault("webhook.gateway", "gateway")
	v.SetDefault("webhook.signature_header", "X-Signature")
	v.SetDefault("revenue.commission_rate", 0.10)
	v.SetDefault("payout.weekday", "friday")
	v.SetDefault("payout.hour", 10)
	v.SetDefault("payout.minute", 0)
	v.SetDefault("payout.timezone", "UTC")
	v.SetDefault("task.sweep_interval", 300)
	v.SetDefault("task.outbox_interval", 10)
	v.SetDefault("task.sweep_batch", 100)
	v.SetDefault("task.ledger_rps", 2)
	v.SetDefault("task.outbox_batch", 100)
	v.SetDefault("task.pool_size", 16)
	v.SetDefault("notify.driver", "log")
	v.SetDefault("notify.topic", "marketplace-notifications")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file", "logs/app.log")
}

// Default 返回仅包含默认值的配置
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		logger.Fatal("Unable to decode default config: %v", err)
	}
	return &cfg
}

func Load() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/payrecon")

	setDefaults(v)

	// 自动读取环境变量，例如 WEBHOOK_SECRET、CHAIN_PRIVATE_KEY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		logger.Warn("Warning: Could not read config file: %v", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		logger.Fatal("Unable to decode config into struct: %v", err)
	}

	return &config
}
