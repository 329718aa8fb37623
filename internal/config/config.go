package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Market    MarketConfig    `mapstructure:"market"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// ExtractorConfig holds language model configuration
type ExtractorConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
	Concurrency int           `mapstructure:"concurrency"`
}

// BrokerConfig holds brokerage API configuration
type BrokerConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	SecretKey    string        `mapstructure:"secret_key"`
	TradingURL   string        `mapstructure:"trading_url"`
	DataURL      string        `mapstructure:"data_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	OrderTimeout time.Duration `mapstructure:"order_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// MarketConfig holds market feed simulator configuration
type MarketConfig struct {
	Interval time.Duration      `mapstructure:"interval"`
	Universe map[string]float64 `mapstructure:"universe"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	Backend    string `mapstructure:"backend"`
	PostsDir   string `mapstructure:"posts_dir"`
	DBPath     string `mapstructure:"db_path"`
	LedgerPath string `mapstructure:"ledger_path"`
}

// IngestConfig holds webhook ingestion configuration
type IngestConfig struct {
	QueueSize        int    `mapstructure:"queue_size"`
	Workers          int    `mapstructure:"workers"`
	RecoverySchedule string `mapstructure:"recovery_schedule"`
}

// RealtimeConfig holds websocket broadcaster configuration
type RealtimeConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// KafkaConfig holds event mirror configuration
type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultUniverse is the simulated symbol set with its seed prices.
var DefaultUniverse = map[string]float64{
	"SPY":   538.72,
	"QQQ":   461.35,
	"AAPL":  178.45,
	"MSFT":  428.80,
	"TSLA":  173.60,
	"AMZN":  180.35,
	"NVDA":  920.14,
	"GOOGL": 155.87,
}

// Load reads configuration from file and environment variables.
// A missing file is not an error; defaults and environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TRADESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional unprefixed names for secrets
	_ = v.BindEnv("extractor.api_key", "TRADESYNC_EXTRACTOR_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("broker.api_key", "TRADESYNC_BROKER_API_KEY", "ALPACA_API_KEY")
	_ = v.BindEnv("broker.secret_key", "TRADESYNC_BROKER_SECRET_KEY", "ALPACA_SECRET_KEY")
	_ = v.BindEnv("telegram.bot_token", "TRADESYNC_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Market.Universe) == 0 {
		cfg.Market.Universe = DefaultUniverse
	}
	// viper lower-cases map keys
	universe := make(map[string]float64, len(cfg.Market.Universe))
	for sym, price := range cfg.Market.Universe {
		universe[strings.ToUpper(sym)] = price
	}
	cfg.Market.Universe = universe

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3001")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("extractor.base_url", "https://api.openai.com/v1")
	v.SetDefault("extractor.model", "gpt-4-turbo")
	v.SetDefault("extractor.temperature", 0.3)
	v.SetDefault("extractor.timeout", "30s")
	v.SetDefault("extractor.max_retries", 1)
	v.SetDefault("extractor.concurrency", 4)

	v.SetDefault("broker.trading_url", "https://paper-api.alpaca.markets")
	v.SetDefault("broker.data_url", "https://data.alpaca.markets")
	v.SetDefault("broker.timeout", "10s")
	v.SetDefault("broker.order_timeout", "15s")
	v.SetDefault("broker.max_retries", 3)

	v.SetDefault("market.interval", "3s")

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.posts_dir", "./data/posts")
	v.SetDefault("storage.db_path", "./data/tradesync.db")
	v.SetDefault("storage.ledger_path", "./data/trades.jsonl")

	v.SetDefault("ingest.queue_size", 256)
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.recovery_schedule", "@every 1m")

	v.SetDefault("realtime.queue_size", 64)
	v.SetDefault("realtime.write_timeout", "5s")
	v.SetDefault("realtime.ping_interval", "30s")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic_prefix", "tradesync")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.MaxBodyBytes < 1024 {
		return fmt.Errorf("server.max_body_bytes must be at least 1024")
	}

	if c.Extractor.Model == "" {
		return fmt.Errorf("extractor.model is required")
	}
	if c.Extractor.Temperature < 0 || c.Extractor.Temperature > 2 {
		return fmt.Errorf("extractor.temperature must be between 0 and 2")
	}
	if c.Extractor.Timeout < time.Second {
		return fmt.Errorf("extractor.timeout must be at least 1 second")
	}
	if c.Extractor.MaxRetries < 0 || c.Extractor.MaxRetries > 5 {
		return fmt.Errorf("extractor.max_retries must be between 0 and 5")
	}
	if c.Extractor.Concurrency < 1 || c.Extractor.Concurrency > 64 {
		return fmt.Errorf("extractor.concurrency must be between 1 and 64")
	}

	if c.Broker.TradingURL == "" {
		return fmt.Errorf("broker.trading_url is required")
	}
	if c.Broker.DataURL == "" {
		return fmt.Errorf("broker.data_url is required")
	}
	if c.Broker.OrderTimeout <= 0 {
		return fmt.Errorf("broker.order_timeout must be positive")
	}

	if c.Market.Interval < 100*time.Millisecond {
		return fmt.Errorf("market.interval must be at least 100ms")
	}
	if len(c.Market.Universe) == 0 {
		return fmt.Errorf("market.universe must contain at least one symbol")
	}
	for sym, price := range c.Market.Universe {
		if price <= 0 {
			return fmt.Errorf("market.universe price for %s must be positive", sym)
		}
	}

	switch c.Storage.Backend {
	case "file":
		if c.Storage.PostsDir == "" {
			return fmt.Errorf("storage.posts_dir is required for the file backend")
		}
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of: file, sqlite")
	}
	if c.Storage.LedgerPath == "" {
		return fmt.Errorf("storage.ledger_path is required")
	}

	if c.Ingest.QueueSize < 1 {
		return fmt.Errorf("ingest.queue_size must be at least 1")
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("ingest.workers must be at least 1")
	}
	if c.Ingest.RecoverySchedule == "" {
		return fmt.Errorf("ingest.recovery_schedule is required")
	}

	if c.Realtime.QueueSize < 1 {
		return fmt.Errorf("realtime.queue_size must be at least 1")
	}
	if c.Realtime.WriteTimeout <= 0 {
		return fmt.Errorf("realtime.write_timeout must be positive")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
