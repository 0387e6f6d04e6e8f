package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"aegis/internal/errors"
)

// Config is the full runtime configuration. Every field has a working
// default; a config file and AEGIS_* environment variables override it.
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	LogFile  string `mapstructure:"log_file"`
	LogLevel string `mapstructure:"log_level"`

	Scheduler     SchedulerConfig    `mapstructure:"scheduler"`
	Engine        EngineConfig       `mapstructure:"engine"`
	Guardrails    GuardrailConfig    `mapstructure:"guardrails"`
	Reactor       ReactorConfig      `mapstructure:"reactor"`
	Fuse          FuseConfig         `mapstructure:"fuse"`
	Playbooks     PlaybookConfig     `mapstructure:"playbooks"`
	Metrics       MetricsConfig      `mapstructure:"metrics"`
	Notifications NotificationConfig `mapstructure:"notifications"`
}

type SchedulerConfig struct {
	Workers           int           `mapstructure:"workers"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
}

type EngineConfig struct {
	MediumPerBatch int           `mapstructure:"medium_per_batch"`
	BatchLimit     int           `mapstructure:"batch_limit"`
	HistoryLimit   int           `mapstructure:"history_limit"`
	DrainInterval  time.Duration `mapstructure:"drain_interval"`
}

type GuardrailConfig struct {
	HourlyLimit       int           `mapstructure:"hourly_limit"`
	SignatureCooldown time.Duration `mapstructure:"signature_cooldown"`
	StreakWindow      int           `mapstructure:"streak_window"`
	BudgetThreshold   float64       `mapstructure:"budget_threshold"`
}

type ReactorConfig struct {
	CooldownCap             time.Duration `mapstructure:"cooldown_cap"`
	SuccessRateFloor        float64       `mapstructure:"success_rate_floor"`
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerSuccessThreshold int           `mapstructure:"breaker_success_threshold"`
	BreakerCooldown         time.Duration `mapstructure:"breaker_cooldown"`
}

type FuseConfig struct {
	Window    time.Duration `mapstructure:"window"`
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

type PlaybookConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type NotificationConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// setDefaults installs the working defaults into a viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("log_file", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.default_timeout", time.Minute)
	v.SetDefault("scheduler.default_max_retries", 2)

	v.SetDefault("engine.medium_per_batch", 2)
	v.SetDefault("engine.batch_limit", 10)
	v.SetDefault("engine.history_limit", 200)
	v.SetDefault("engine.drain_interval", 30*time.Second)

	v.SetDefault("guardrails.hourly_limit", 20)
	v.SetDefault("guardrails.signature_cooldown", 10*time.Minute)
	v.SetDefault("guardrails.streak_window", 5)
	v.SetDefault("guardrails.budget_threshold", 0.8)

	v.SetDefault("reactor.cooldown_cap", time.Hour)
	v.SetDefault("reactor.success_rate_floor", 0.5)
	v.SetDefault("reactor.breaker_failure_threshold", 5)
	v.SetDefault("reactor.breaker_success_threshold", 2)
	v.SetDefault("reactor.breaker_cooldown", 30*time.Second)

	v.SetDefault("fuse.window", 30*time.Minute)
	v.SetDefault("fuse.threshold", 5)
	v.SetDefault("fuse.cooldown", time.Hour)

	v.SetDefault("playbooks.path", "playbooks.yaml")
	v.SetDefault("playbooks.watch", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9097")

	v.SetDefault("notifications.webhook_url", "")
}

// Load reads configuration with the usual precedence: explicit file (when
// path is non-empty), then aegis.yaml in the working directory, then AEGIS_*
// environment variables, then defaults. A missing default file is fine; a
// named file that cannot be read is a configuration error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AEGIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.NewConfigError(path, err)
		}
	} else {
		v.SetConfigName("aegis")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, errors.NewConfigError("aegis.yaml", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.NewConfigError(v.ConfigFileUsed(), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	source := "config"
	if c.DataDir == "" {
		return errors.NewConfigError(source, fmt.Errorf("data_dir is required"))
	}
	if c.Scheduler.Workers <= 0 {
		return errors.NewConfigError(source, fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers))
	}
	if c.Engine.MediumPerBatch <= 0 {
		return errors.NewConfigError(source, fmt.Errorf("engine.medium_per_batch must be positive"))
	}
	if c.Engine.BatchLimit <= 0 {
		return errors.NewConfigError(source, fmt.Errorf("engine.batch_limit must be positive"))
	}
	if c.Guardrails.BudgetThreshold <= 0 || c.Guardrails.BudgetThreshold > 1 {
		return errors.NewConfigError(source, fmt.Errorf("guardrails.budget_threshold must be in (0, 1], got %v", c.Guardrails.BudgetThreshold))
	}
	if c.Reactor.SuccessRateFloor <= 0 || c.Reactor.SuccessRateFloor > 1 {
		return errors.NewConfigError(source, fmt.Errorf("reactor.success_rate_floor must be in (0, 1], got %v", c.Reactor.SuccessRateFloor))
	}
	if c.Fuse.Threshold <= 0 {
		return errors.NewConfigError(source, fmt.Errorf("fuse.threshold must be positive"))
	}
	if c.Playbooks.Path == "" {
		return errors.NewConfigError(source, fmt.Errorf("playbooks.path is required"))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.NewConfigError(source, fmt.Errorf("metrics.listen is required when metrics are enabled"))
	}
	return nil
}

// StatePath returns the path of a state file inside the data directory.
func (c *Config) StatePath(name string) string {
	return filepath.Join(c.DataDir, name)
}
