// Package config loads service configuration from defaults, an optional
// YAML file and RISKPULSE_* environment variables, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Market   MarketConfig   `mapstructure:"market"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	WS       WSConfig       `mapstructure:"ws"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type RiskConfig struct {
	ConfidenceLevel float64 `mapstructure:"confidence_level" validate:"gt=0,lt=1"`
	HorizonDays     int     `mapstructure:"horizon_days" validate:"min=1"`
	RiskFreeRate    float64 `mapstructure:"risk_free_rate" validate:"gte=0,lt=1"`
	TradingDays     int     `mapstructure:"trading_days" validate:"min=1"`
	HistoryWindow   int     `mapstructure:"history_window" validate:"min=2"`
	Benchmark       string  `mapstructure:"benchmark"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"min=0,max=65535"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from" validate:"omitempty,email"`
}

type NotifyConfig struct {
	RateLimit       int           `mapstructure:"rate_limit" validate:"min=1"`
	RatePer         time.Duration `mapstructure:"rate_per" validate:"gt=0"`
	TTL             time.Duration `mapstructure:"ttl" validate:"gt=0"`
	SendTimeout     time.Duration `mapstructure:"send_timeout" validate:"gt=0"`
	ReleaseInterval time.Duration `mapstructure:"release_interval" validate:"gt=0"`
	ReportDegraded  bool          `mapstructure:"report_degraded"`
	SMTP            SMTPConfig    `mapstructure:"smtp"`
	SMSWebhook      string        `mapstructure:"sms_webhook" validate:"omitempty,url"`
	PushWebhook     string        `mapstructure:"push_webhook" validate:"omitempty,url"`
}

type MarketConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	YahooURL     string        `mapstructure:"yahoo_url" validate:"omitempty,url"`
	CoinGeckoURL string        `mapstructure:"coingecko_url" validate:"omitempty,url"`
}

// RedisConfig enables the Redis position feed. With PullSource set, the
// stored Redis snapshots also replace sqlite as the refresh source.
type RedisConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Addr       string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db" validate:"min=0"`
	Channel    string `mapstructure:"channel"`
	PullSource bool   `mapstructure:"pull_source"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `mapstructure:"topic" validate:"required_if=Enabled true"`
	GroupID string   `mapstructure:"group_id"`
}

type WSConfig struct {
	SendBuffer     int           `mapstructure:"send_buffer" validate:"min=1"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout" validate:"gt=0"`
	PingInterval   time.Duration `mapstructure:"ping_interval" validate:"gt=0,ltfield=PongTimeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size" validate:"min=128"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 8*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.path", "./riskpulse.db")

	v.SetDefault("risk.confidence_level", 0.95)
	v.SetDefault("risk.horizon_days", 1)
	v.SetDefault("risk.risk_free_rate", 0.02)
	v.SetDefault("risk.trading_days", 252)
	v.SetDefault("risk.history_window", 252)
	v.SetDefault("risk.benchmark", "SPY")

	v.SetDefault("notify.rate_limit", 10)
	v.SetDefault("notify.rate_per", time.Minute)
	v.SetDefault("notify.ttl", 24*time.Hour)
	v.SetDefault("notify.send_timeout", 15*time.Second)
	v.SetDefault("notify.release_interval", 30*time.Second)
	v.SetDefault("notify.report_degraded", true)
	v.SetDefault("notify.smtp.host", "")
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("notify.smtp.username", "")
	v.SetDefault("notify.smtp.password", "")
	v.SetDefault("notify.smtp.from", "alerts@riskpulse.local")
	v.SetDefault("notify.sms_webhook", "")
	v.SetDefault("notify.push_webhook", "")

	v.SetDefault("market.enabled", true)
	v.SetDefault("market.poll_interval", 30*time.Second)
	v.SetDefault("market.yahoo_url", "https://query2.finance.yahoo.com")
	v.SetDefault("market.coingecko_url", "https://api.coingecko.com")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "positions")
	v.SetDefault("redis.pull_source", false)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "positions.snapshots")
	v.SetDefault("kafka.group_id", "riskpulse")

	v.SetDefault("ws.send_buffer", 64)
	v.SetDefault("ws.write_timeout", 10*time.Second)
	v.SetDefault("ws.pong_timeout", 60*time.Second)
	v.SetDefault("ws.ping_interval", 54*time.Second)
	v.SetDefault("ws.max_message_size", 4096)
	v.SetDefault("ws.allowed_origins", []string{})
}

// Load reads the configuration. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix("RISKPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
