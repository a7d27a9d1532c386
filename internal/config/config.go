package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"fxrates/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Currency   CurrencyConfig   `mapstructure:"currency"`
	Providers  []ProviderConfig `mapstructure:"providers"`
	RateUpdate RateUpdateConfig `mapstructure:"rate_update"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Conversion ConversionConfig `mapstructure:"conversion"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// RedisConfig configures the optional cache mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// CurrencyConfig describes the supported universe and tracked pairs.
type CurrencyConfig struct {
	BaseCurrency       string   `mapstructure:"base_currency"`
	Supported          []string `mapstructure:"supported"`
	TrackedPairs       []string `mapstructure:"tracked_pairs"`
	MajorPairs         []string `mapstructure:"major_pairs"`
	MaxHistoricalDays  int      `mapstructure:"max_historical_days"`
	CacheExpiryMinutes int      `mapstructure:"cache_expiry_minutes"`
}

// CacheExpiry returns the staleness threshold.
func (c CurrencyConfig) CacheExpiry() time.Duration {
	return time.Duration(c.CacheExpiryMinutes) * time.Minute
}

// ProviderConfig describes one upstream rate vendor.
type ProviderConfig struct {
	Name         string            `mapstructure:"name"`
	Kind         string            `mapstructure:"kind"`
	BaseURL      string            `mapstructure:"base_url"`
	APIKey       string            `mapstructure:"api_key"`
	TimeoutMs    int               `mapstructure:"timeout_ms"`
	Priority     int               `mapstructure:"priority"`
	MonthlyQuota int64             `mapstructure:"monthly_quota"`
	NativeBase   string            `mapstructure:"native_base"`
	RPCURL       string            `mapstructure:"rpc_url"`
	Feeds        map[string]string `mapstructure:"feeds"`
}

// Timeout returns the per-call deadline.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// RateUpdateConfig governs refresh cycles and retention.
type RateUpdateConfig struct {
	IntervalMinutes      int           `mapstructure:"interval_minutes"`
	RetryAttempts        int           `mapstructure:"retry_attempts"`
	RetryDelaySeconds    int           `mapstructure:"retry_delay_seconds"`
	RetryBackoff         string        `mapstructure:"retry_backoff"`
	MaxRetryDelaySeconds int           `mapstructure:"max_retry_delay_seconds"`
	BatchSize            int           `mapstructure:"batch_size"`
	HistoricalUpdateHour int           `mapstructure:"historical_update_hour"`
	CleanupRetentionDays int           `mapstructure:"cleanup_retention_days"`
	CycleTimeout         time.Duration `mapstructure:"cycle_timeout"`
}

// Interval returns the refresh cadence.
func (r RateUpdateConfig) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// SchedulerConfig governs task cadence.
type SchedulerConfig struct {
	Timezone        string        `mapstructure:"timezone"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
	RefreshOnStart  bool          `mapstructure:"refresh_on_start"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// Location resolves the configured timezone.
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// ConversionConfig bounds and rounds conversions.
type ConversionConfig struct {
	MinAmount        string `mapstructure:"min_amount"`
	MaxAmount        string `mapstructure:"max_amount"`
	DefaultPrecision int32  `mapstructure:"default_precision"`
	RoundingMode     string `mapstructure:"rounding_mode"`
}

// AlertsConfig defines alert thresholds and routing.
type AlertsConfig struct {
	Enabled          bool           `mapstructure:"enabled"`
	ThresholdPercent float64        `mapstructure:"threshold_percent"`
	CooldownMinutes  int            `mapstructure:"cooldown_minutes"`
	MaxAlertsPerDay  int            `mapstructure:"max_alerts_per_day"`
	Telegram         TelegramConfig `mapstructure:"telegram"`
	Kafka            KafkaConfig    `mapstructure:"kafka"`
}

// Cooldown returns the minimum spacing between alerts for one pair.
func (a AlertsConfig) Cooldown() time.Duration {
	return time.Duration(a.CooldownMinutes) * time.Minute
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// KafkaConfig configures the Kafka alert channel.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// MetricsConfig controls the Prometheus endpoint of the run command.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("FXRATES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv reads ./.env when present; existing environment variables win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fxrates")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.advisory_lock_key", int64(0x66787261))

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "fxrates:rates")

	v.SetDefault("currency.base_currency", "USD")
	v.SetDefault("currency.major_pairs", []string{"EUR/USD", "GBP/USD", "USD/JPY", "USD/CHF", "AUD/USD", "USD/CAD", "NZD/USD"})
	v.SetDefault("currency.max_historical_days", 365)
	v.SetDefault("currency.cache_expiry_minutes", 10)

	v.SetDefault("providers", defaultProviders())

	v.SetDefault("rate_update.interval_minutes", 5)
	v.SetDefault("rate_update.retry_attempts", 3)
	v.SetDefault("rate_update.retry_delay_seconds", 30)
	v.SetDefault("rate_update.retry_backoff", "exponential")
	v.SetDefault("rate_update.max_retry_delay_seconds", 60)
	v.SetDefault("rate_update.batch_size", 50)
	v.SetDefault("rate_update.historical_update_hour", 1)
	v.SetDefault("rate_update.cleanup_retention_days", 90)
	v.SetDefault("rate_update.cycle_timeout", "5m")

	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.cleanup_schedule", "0 2 * * 0")
	v.SetDefault("scheduler.refresh_on_start", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("conversion.min_amount", "0.01")
	v.SetDefault("conversion.max_amount", "1000000000")
	v.SetDefault("conversion.default_precision", 2)
	v.SetDefault("conversion.rounding_mode", "ROUND_HALF_UP")

	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.threshold_percent", 5.0)
	v.SetDefault("alerts.cooldown_minutes", 60)
	v.SetDefault("alerts.max_alerts_per_day", 50)
	v.SetDefault("alerts.telegram.enabled", false)
	v.SetDefault("alerts.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerts.telegram.timeout", "10s")
	v.SetDefault("alerts.kafka.enabled", false)
	v.SetDefault("alerts.kafka.topic", "fxrates.alerts")
	v.SetDefault("alerts.kafka.batch_timeout", "10ms")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")

	v.SetDefault("export.max_data_points", 100000)
}

// defaultProviders mirrors the stock vendor line-up; keys come from the environment.
func defaultProviders() []map[string]any {
	return []map[string]any{
		{"name": "fixer", "kind": "fixer", "priority": 1, "monthly_quota": 1000, "timeout_ms": 10000, "native_base": "EUR"},
		{"name": "exchangerate", "kind": "exchangerate", "priority": 2, "monthly_quota": 1500, "timeout_ms": 10000},
		{"name": "openexchangerates", "kind": "openexchangerates", "priority": 3, "monthly_quota": 1000, "timeout_ms": 10000, "native_base": "USD"},
		{"name": "currencylayer", "kind": "currencylayer", "priority": 4, "monthly_quota": 1000, "timeout_ms": 10000, "native_base": "USD"},
	}
}

// applyProviderDefaults fills names, timeouts and FXRATES_PROVIDERS_<NAME>_API_KEY secrets.
func (c *Config) applyProviderDefaults() {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			p.Name = p.Kind
		}
		if p.TimeoutMs <= 0 {
			p.TimeoutMs = 10000
		}
		if p.APIKey == "" {
			env := "FXRATES_PROVIDERS_" + strings.ToUpper(p.Name) + "_API_KEY"
			p.APIKey = os.Getenv(env)
		}
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if len(strings.TrimSpace(c.Currency.BaseCurrency)) != 3 {
		return fmt.Errorf("currency.base_currency must be a three-letter code")
	}
	if c.Currency.MaxHistoricalDays <= 0 {
		return fmt.Errorf("currency.max_historical_days must be greater than zero")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.Kind == "" {
			return fmt.Errorf("provider %q: kind is required", p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("provider %q configured twice", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	if c.RateUpdate.IntervalMinutes <= 0 {
		return fmt.Errorf("rate_update.interval_minutes must be greater than zero")
	}
	if c.RateUpdate.RetryAttempts < 1 {
		return fmt.Errorf("rate_update.retry_attempts must be at least 1")
	}
	if c.RateUpdate.BatchSize <= 0 {
		return fmt.Errorf("rate_update.batch_size must be greater than zero")
	}
	if c.RateUpdate.HistoricalUpdateHour < 0 || c.RateUpdate.HistoricalUpdateHour > 23 {
		return fmt.Errorf("rate_update.historical_update_hour must be within 0-23")
	}
	if c.RateUpdate.CleanupRetentionDays <= 0 {
		return fmt.Errorf("rate_update.cleanup_retention_days must be greater than zero")
	}
	switch strings.ToLower(c.RateUpdate.RetryBackoff) {
	case "", "fixed", "exponential":
	default:
		return fmt.Errorf("rate_update.retry_backoff must be fixed or exponential")
	}
	if _, err := c.Scheduler.Location(); err != nil {
		return err
	}
	if c.Conversion.DefaultPrecision < 0 {
		return fmt.Errorf("conversion.default_precision cannot be negative")
	}
	if c.Alerts.ThresholdPercent < 0 {
		return fmt.Errorf("alerts.threshold_percent cannot be negative")
	}
	if c.Alerts.Telegram.Enabled {
		if c.Alerts.Telegram.BotToken == "" {
			return fmt.Errorf("alerts.telegram.bot_token 必须配置")
		}
		if c.Alerts.Telegram.ChatID == "" {
			return fmt.Errorf("alerts.telegram.chat_id 必须配置")
		}
	}
	if c.Alerts.Kafka.Enabled && len(c.Alerts.Kafka.Brokers) == 0 {
		return fmt.Errorf("alerts.kafka.brokers must be set when kafka is enabled")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
