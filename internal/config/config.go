// Package config loads market engine settings from an optional YAML file,
// a .env file and environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/manaforge/market-engine/internal/amm"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Cache   CacheConfig   `yaml:"cache"`
	Trading TradingConfig `yaml:"trading"`
	Limits  LimitsConfig  `yaml:"limits"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit is requests per second per user on mutating routes; 0 disables.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
	// AdminUsers may grant bonuses, run audits and lift halts.
	AdminUsers []string `yaml:"admin_users"`
}

// StorageConfig selects the store: PostgresURL wins over SQLitePath, and
// with neither set the engine runs in memory.
type StorageConfig struct {
	PostgresURL string `yaml:"postgres_url"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// RedisConfig enables distributed market locks and the shared cache.
type RedisConfig struct {
	URL     string        `yaml:"url"`
	Prefix  string        `yaml:"prefix"`
	LockTTL time.Duration `yaml:"lock_ttl"`
}

type CacheConfig struct {
	MaxCostBytes int64         `yaml:"max_cost_bytes"`
	PositionTTL  time.Duration `yaml:"position_ttl"`
	MarketTTL    time.Duration `yaml:"market_ttl"`
}

// TradingConfig holds market maker, fee and retry settings. Amounts and
// rates are plain numbers in the file and converted to decimals on use.
type TradingConfig struct {
	FlatFee          float64       `yaml:"flat_fee"`
	PlatformFeeRate  float64       `yaml:"platform_fee_rate"`
	CreatorFeeRate   float64       `yaml:"creator_fee_rate"`
	LiquidityFeeRate float64       `yaml:"liquidity_fee_rate"`
	MinAnte          float64       `yaml:"min_ante"`
	MinPoolQty       float64       `yaml:"min_pool_qty"`
	LoanRatio        float64       `yaml:"loan_ratio"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	LockTimeout      time.Duration `yaml:"lock_timeout"`
}

// LimitsConfig caps exposure. Zero disables a cap.
type LimitsConfig struct {
	MaxPerTrade  float64 `yaml:"max_per_trade"`
	MaxPerMarket float64 `yaml:"max_per_market"`
}

// SweepConfig drives the background order expiry and payout retry loop.
type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
	// AuditInterval is how often the server replays the ledger. Negative
	// disables the periodic audit.
	AuditInterval time.Duration `yaml:"audit_interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// File adds a rotating JSON log file next to stdout when set.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads the YAML file at path (skipped when path is empty), then .env
// and the environment, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Port = getEnvOrDefault("PORT", cfg.Server.Port)
	cfg.Server.RateLimit = getFloat64OrDefault("RATE_LIMIT", cfg.Server.RateLimit)
	cfg.Server.RateBurst = getIntOrDefault("RATE_BURST", cfg.Server.RateBurst)
	cfg.Server.AdminUsers = getListOrDefault("ADMIN_USERS", cfg.Server.AdminUsers)
	cfg.Storage.PostgresURL = getEnvOrDefault("DATABASE_URL", cfg.Storage.PostgresURL)
	cfg.Storage.SQLitePath = getEnvOrDefault("SQLITE_PATH", cfg.Storage.SQLitePath)
	cfg.Redis.URL = getEnvOrDefault("REDIS_URL", cfg.Redis.URL)
	cfg.Trading.PlatformFeeRate = getFloat64OrDefault("PLATFORM_FEE_RATE", cfg.Trading.PlatformFeeRate)
	cfg.Trading.CreatorFeeRate = getFloat64OrDefault("CREATOR_FEE_RATE", cfg.Trading.CreatorFeeRate)
	cfg.Trading.LiquidityFeeRate = getFloat64OrDefault("LIQUIDITY_FEE_RATE", cfg.Trading.LiquidityFeeRate)
	cfg.Limits.MaxPerTrade = getFloat64OrDefault("MAX_PER_TRADE", cfg.Limits.MaxPerTrade)
	cfg.Limits.MaxPerMarket = getFloat64OrDefault("MAX_PER_MARKET", cfg.Limits.MaxPerMarket)
	cfg.Sweep.Interval = getDurationOrDefault("SWEEP_INTERVAL", cfg.Sweep.Interval)
	cfg.Sweep.AuditInterval = getDurationOrDefault("AUDIT_INTERVAL", cfg.Sweep.AuditInterval)
	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnvOrDefault("LOG_FILE", cfg.Log.File)
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Server.RateBurst <= 0 {
		cfg.Server.RateBurst = 10
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "mkt"
	}
	if cfg.Redis.LockTTL <= 0 {
		cfg.Redis.LockTTL = 10 * time.Second
	}
	if cfg.Cache.MaxCostBytes <= 0 {
		cfg.Cache.MaxCostBytes = 64 << 20
	}
	if cfg.Cache.PositionTTL <= 0 {
		cfg.Cache.PositionTTL = time.Minute
	}
	if cfg.Cache.MarketTTL <= 0 {
		cfg.Cache.MarketTTL = 30 * time.Second
	}
	if cfg.Trading.MinAnte <= 0 {
		cfg.Trading.MinAnte = 1
	}
	if cfg.Trading.MinPoolQty <= 0 {
		cfg.Trading.MinPoolQty = 0.01
	}
	if cfg.Trading.LoanRatio == 0 {
		cfg.Trading.LoanRatio = 0.5
	}
	if cfg.Trading.MaxRetries <= 0 {
		cfg.Trading.MaxRetries = 3
	}
	if cfg.Trading.RetryBaseDelay <= 0 {
		cfg.Trading.RetryBaseDelay = 10 * time.Millisecond
	}
	if cfg.Trading.LockTimeout <= 0 {
		cfg.Trading.LockTimeout = 5 * time.Second
	}
	if cfg.Sweep.Interval <= 0 {
		cfg.Sweep.Interval = 30 * time.Second
	}
	if cfg.Sweep.AuditInterval == 0 {
		cfg.Sweep.AuditInterval = 10 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 3
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 28
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		errs = append(errs, fmt.Errorf("server.port %q is not a number", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if c.Trading.LoanRatio < 0 || c.Trading.LoanRatio > 1 {
		errs = append(errs, fmt.Errorf("trading.loan_ratio %v outside [0,1]", c.Trading.LoanRatio))
	}
	if err := c.Fees().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Limits.MaxPerTrade < 0 || c.Limits.MaxPerMarket < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Fees returns the configured fee schedule.
func (c *Config) Fees() amm.FeeSchedule {
	return amm.FeeSchedule{
		Flat:          decimal.NewFromFloat(c.Trading.FlatFee),
		PlatformRate:  decimal.NewFromFloat(c.Trading.PlatformFeeRate),
		CreatorRate:   decimal.NewFromFloat(c.Trading.CreatorFeeRate),
		LiquidityRate: decimal.NewFromFloat(c.Trading.LiquidityFeeRate),
	}
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + c.Server.Port
}

// getListOrDefault splits a comma-separated variable, dropping blanks.
func getListOrDefault(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getFloat64OrDefault(key string, defaultValue float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}
