package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	// embedded zoneinfo so banxico.timezone resolves on minimal images
	_ "time/tzdata"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"banxico-rate-alerts/internal/logging"
)

const (
	ChannelEmail    = "email"
	ChannelTelegram = "telegram"
)

// legacyEnv maps config keys to the bare variable names used by existing deployments.
var legacyEnv = map[string]string{
	"alerting.email.sender":    "EMAIL_SENDER",
	"alerting.email.password":  "EMAIL_PASSWORD",
	"alerting.email.recipient": "EMAIL_RECIPIENT",
	"banxico.token":            "BANXICO_API_KEY",
	"alerting.threshold_bp":    "RATE_THRESHOLD_BP",
}

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app" yaml:"app"`
	Logging   logging.Config  `mapstructure:"logging" yaml:"logging"`
	Banxico   BanxicoConfig   `mapstructure:"banxico" yaml:"banxico"`
	Check     CheckConfig     `mapstructure:"check" yaml:"check"`
	Alerting  AlertingConfig  `mapstructure:"alerting" yaml:"alerting"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Export    ExportConfig    `mapstructure:"export" yaml:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// BanxicoConfig covers the SIE REST API.
type BanxicoConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	SeriesID       string        `mapstructure:"series_id" yaml:"series_id"`
	Token          string        `mapstructure:"token" yaml:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`
	Timezone       string        `mapstructure:"timezone" yaml:"timezone"`
}

// CheckConfig governs the comparison window.
type CheckConfig struct {
	LookbackDays int `mapstructure:"lookback_days" yaml:"lookback_days"`
}

// AlertingConfig defines the alert threshold and routing.
type AlertingConfig struct {
	ThresholdBP float64        `mapstructure:"threshold_bp" yaml:"threshold_bp"`
	Channels    []string       `mapstructure:"channels" yaml:"channels"`
	Email       EmailConfig    `mapstructure:"email" yaml:"email"`
	Telegram    TelegramConfig `mapstructure:"telegram" yaml:"telegram"`
}

// EmailConfig describes SMTP submission.
type EmailConfig struct {
	SMTPHost   string        `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort   int           `mapstructure:"smtp_port" yaml:"smtp_port"`
	Username   string        `mapstructure:"username" yaml:"username"`
	Password   string        `mapstructure:"password" yaml:"password"`
	Sender     string        `mapstructure:"sender" yaml:"sender"`
	Recipient  string        `mapstructure:"recipient" yaml:"recipient"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequireTLS bool          `mapstructure:"require_tls" yaml:"require_tls"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token" yaml:"bot_token"`
	ChatID   string        `mapstructure:"chat_id" yaml:"chat_id"`
	APIBase  string        `mapstructure:"api_base" yaml:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for check history.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`

	// Retention bounds how long check history is kept by `prune`. Zero keeps everything.
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// SchedulerConfig governs watch mode cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket" yaml:"align_to_bucket"`
	Offset          time.Duration `mapstructure:"offset" yaml:"offset"`
	RunOnStart      bool          `mapstructure:"run_on_start" yaml:"run_on_start"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key" yaml:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay" yaml:"startup_delay"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points" yaml:"max_data_points"`
}

// Load builds configuration from file, .env, environment, and defaults.
func Load(path, envFile string) (*Config, error) {
	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("RATEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv reads KEY=VALUE pairs without overriding variables already set.
// An explicit path must exist; the default ./.env is optional.
func loadDotEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, legacy := range legacyEnv {
		prefixed := "RATEWATCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", legacy, err)
		}
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
	v.SetDefault("app.name", "ratewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.enabled", false)
	v.SetDefault("logging.file.path", "logs/ratewatch.log")
	v.SetDefault("logging.file.max_size_mb", 50)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 30)

	v.SetDefault("banxico.base_url", "https://www.banxico.org.mx/SieAPIRest/service/v1")
	v.SetDefault("banxico.series_id", "SF43936")
	v.SetDefault("banxico.request_timeout", "30s")
	v.SetDefault("banxico.user_agent", "")
	v.SetDefault("banxico.timezone", "America/Mexico_City")

	v.SetDefault("check.lookback_days", 7)

	v.SetDefault("alerting.threshold_bp", 50.0)
	v.SetDefault("alerting.channels", []string{ChannelEmail})
	v.SetDefault("alerting.email.smtp_host", "smtp.gmail.com")
	v.SetDefault("alerting.email.smtp_port", 587)
	v.SetDefault("alerting.email.timeout", "30s")
	v.SetDefault("alerting.email.require_tls", true)
	v.SetDefault("alerting.email.username", "")
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.retention", "0s")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.offset", "10h")
	v.SetDefault("scheduler.run_on_start", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x42584d52))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("export.max_data_points", 5000)
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
// Channel credentials are checked when a notifier is built, so read-only
// commands work without them.
func (c *Config) Validate() error {
	if c.Banxico.SeriesID == "" {
		return fmt.Errorf("banxico.series_id must be set")
	}
	if c.Banxico.RequestTimeout <= 0 {
		return fmt.Errorf("banxico.request_timeout must be greater than zero")
	}
	if c.Banxico.Timezone != "" {
		if _, err := time.LoadLocation(c.Banxico.Timezone); err != nil {
			return fmt.Errorf("banxico.timezone: %w", err)
		}
	}
	if c.Check.LookbackDays <= 0 {
		return fmt.Errorf("check.lookback_days must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.Offset < 0 {
		return fmt.Errorf("scheduler.offset must not be negative")
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention must not be negative")
	}
	if c.Export.MaxDataPoints <= 1 {
		return fmt.Errorf("export.max_data_points must be greater than one")
	}
	for _, ch := range c.Alerting.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case ChannelEmail, ChannelTelegram:
		default:
			return fmt.Errorf("alerting.channels: unknown channel %q", ch)
		}
	}
	return nil
}

// ValidateSource ensures the SIE API can be queried.
func (c BanxicoConfig) ValidateSource() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("banxico.token must be set (BANXICO_API_KEY)")
	}
	return nil
}

// Validate ensures the email channel has everything it needs to send.
func (c EmailConfig) Validate() error {
	var missing []string
	if c.Sender == "" {
		missing = append(missing, "EMAIL_SENDER")
	}
	if c.Password == "" {
		missing = append(missing, "EMAIL_PASSWORD")
	}
	if c.Recipient == "" {
		missing = append(missing, "EMAIL_RECIPIENT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required email settings: %s", strings.Join(missing, ", "))
	}
	if c.SMTPHost == "" {
		return fmt.Errorf("alerting.email.smtp_host must be set")
	}
	return nil
}

// Validate ensures the telegram channel has a bot token and chat.
func (c TelegramConfig) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("alerting.telegram.bot_token 必须配置")
	}
	if c.ChatID == "" {
		return fmt.Errorf("alerting.telegram.chat_id 必须配置")
	}
	return nil
}

// Location resolves the configured time zone. Unknown zones are rejected by
// Validate, so the UTC fallback only applies to unvalidated configs.
func (c BanxicoConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

const redacted = "********"

// Redacted returns a copy with credentials masked, safe to print or log.
func (c *Config) Redacted() *Config {
	out := *c
	out.Alerting.Channels = append([]string(nil), c.Alerting.Channels...)
	mask := func(v *string) {
		if *v != "" {
			*v = redacted
		}
	}
	mask(&out.Banxico.Token)
	mask(&out.Alerting.Email.Password)
	mask(&out.Alerting.Telegram.BotToken)
	mask(&out.Database.DSN)
	return &out
}

// WriteYAML writes the effective configuration with credentials masked.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c.Redacted()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
