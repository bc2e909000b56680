package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/leadflow/internal/actions"
	"github.com/rendis/leadflow/internal/agents"
	"github.com/rendis/leadflow/internal/eventbus"
	"github.com/rendis/leadflow/internal/intake"
	"github.com/rendis/leadflow/internal/poller"
	"github.com/rendis/leadflow/internal/rules"
)

// Config holds all leadflow process configuration.
// Priority: env vars (LEADFLOW_*) > leadflow.yaml > defaults.
type Config struct {
	Product        string            `mapstructure:"product"`
	TenantProducts map[string]string `mapstructure:"tenant_products"`
	LogLevel       string            `mapstructure:"log_level"`
	LogJSON        bool              `mapstructure:"log_json"`

	Store struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Redis struct {
		Addr          string        `mapstructure:"addr"`
		Password      string        `mapstructure:"password"`
		DB            int           `mapstructure:"db"`
		StreamPrefix  string        `mapstructure:"stream_prefix"`
		MaxLen        int64         `mapstructure:"max_len"`
		ClaimIdle     time.Duration `mapstructure:"claim_idle"`
		MaxDeliveries int64         `mapstructure:"max_deliveries"`
		Consumers     int           `mapstructure:"consumers"`
	} `mapstructure:"redis"`

	Agents struct {
		Mode            string        `mapstructure:"mode"`
		Timeout         time.Duration `mapstructure:"timeout"`
		AnthropicAPIKey string        `mapstructure:"anthropic_api_key"`
		Model           string        `mapstructure:"model"`
		MaxTokens       int           `mapstructure:"max_tokens"`
		BaseURL         string        `mapstructure:"base_url"`
	} `mapstructure:"agents"`

	Actions struct {
		Timeout time.Duration      `mapstructure:"timeout"`
		SMTP    actions.SMTPConfig `mapstructure:"smtp"`
	} `mapstructure:"actions"`

	Poller struct {
		Schedule       string        `mapstructure:"schedule"`
		StaleAfter     time.Duration `mapstructure:"stale_after"`
		StaleLimit     int           `mapstructure:"stale_limit"`
		ReminderWindow time.Duration `mapstructure:"reminder_window"`
		ReminderLimit  int           `mapstructure:"reminder_limit"`
		ReminderDedup  bool          `mapstructure:"reminder_dedup"`
	} `mapstructure:"poller"`

	HTTP struct {
		Addr      string        `mapstructure:"addr"`
		StatusTTL time.Duration `mapstructure:"status_ttl"`
	} `mapstructure:"http"`
}

// Store drivers.
const (
	driverMemory   = "memory"
	driverLibSQL   = "libsql"
	driverPostgres = "postgres"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("product", rules.Booker.Slug)
	v.SetDefault("tenant_products", map[string]string{})
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	v.SetDefault("store.driver", driverMemory)
	v.SetDefault("store.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream_prefix", "leadflow")
	v.SetDefault("redis.max_len", 10000)
	v.SetDefault("redis.claim_idle", "1m")
	v.SetDefault("redis.max_deliveries", eventbus.DefaultMaxDeliveries)
	v.SetDefault("redis.consumers", 4)

	v.SetDefault("agents.mode", agents.ModeRules)
	v.SetDefault("agents.timeout", agents.DefaultTimeout.String())
	v.SetDefault("agents.anthropic_api_key", "")
	v.SetDefault("agents.model", agents.DefaultModel)
	v.SetDefault("agents.max_tokens", agents.DefaultMaxTokens)
	v.SetDefault("agents.base_url", agents.DefaultBaseURL)

	v.SetDefault("actions.timeout", actions.DefaultTimeout.String())
	v.SetDefault("actions.smtp.host", "")
	v.SetDefault("actions.smtp.port", 587)
	v.SetDefault("actions.smtp.username", "")
	v.SetDefault("actions.smtp.password", "")
	v.SetDefault("actions.smtp.from", "")
	v.SetDefault("actions.smtp.starttls", true)

	v.SetDefault("poller.schedule", poller.DefaultSchedule)
	v.SetDefault("poller.stale_after", poller.DefaultStaleAfter.String())
	v.SetDefault("poller.stale_limit", poller.DefaultStaleLimit)
	v.SetDefault("poller.reminder_window", poller.DefaultReminderWindow.String())
	v.SetDefault("poller.reminder_limit", poller.DefaultReminderLimit)
	v.SetDefault("poller.reminder_dedup", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.status_ttl", intake.DefaultStatusTTL.String())
}

// loadConfig reads defaults, then the config file, then LEADFLOW_* env vars.
// path selects an explicit file; empty searches ./leadflow.yaml and
// $HOME/.leadflow/leadflow.yaml, and a missing file is not an error.
func loadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("leadflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.leadflow")
	}

	v.SetEnvPrefix("LEADFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case driverMemory:
	case driverLibSQL, driverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q (want memory, libsql or postgres)", c.Store.Driver)
	}

	switch c.Agents.Mode {
	case agents.ModeRules:
	case agents.ModeLLM:
		if c.Agents.AnthropicAPIKey == "" {
			return errors.New("agents.anthropic_api_key is required in llm mode")
		}
	default:
		return fmt.Errorf("unknown agents.mode %q (want llm or rules)", c.Agents.Mode)
	}

	if c.Product == "" {
		return errors.New("product is required")
	}
	return nil
}
