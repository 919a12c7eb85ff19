package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/chainflow/internal/credits"
)

// Config holds all chainflow configuration.
// Priority: flags > CHAINFLOW_* env vars > settings.yaml > defaults.
type Config struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	DBPath          string        `mapstructure:"db_path"`
	LedgerDSN       string        `mapstructure:"ledger_dsn"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	Trace           bool          `mapstructure:"trace"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Scheduler struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"scheduler"`

	Executor struct {
		RetryDelay       time.Duration `mapstructure:"retry_delay"`
		BreakerThreshold int           `mapstructure:"breaker_threshold"`
		BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	} `mapstructure:"executor"`

	Sandbox struct {
		Timeout          time.Duration `mapstructure:"timeout"`
		MaxLogEntries    int           `mapstructure:"max_log_entries"`
		MaxResponseBytes int64         `mapstructure:"max_response_bytes"`
	} `mapstructure:"sandbox"`

	HTTPAction struct {
		Timeout         time.Duration `mapstructure:"timeout"`
		MaxResponseBody int64         `mapstructure:"max_response_body"`
	} `mapstructure:"http_action"`

	Vault struct {
		// MasterKey is a base64-encoded 32-byte key.
		MasterKey  string `mapstructure:"master_key"`
		Passphrase string `mapstructure:"passphrase"`
		Salt       string `mapstructure:"salt"`
	} `mapstructure:"vault"`

	Pricing credits.Pricing `mapstructure:"pricing"`
}

func chainflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainflow"
	}
	return filepath.Join(home, ".chainflow")
}

func setDefaults(v *viper.Viper) {
	pricing := credits.DefaultPricing()

	v.SetDefault("listen_addr", ":4100")
	v.SetDefault("db_path", filepath.Join(chainflowDir(), "chainflow.db"))
	v.SetDefault("ledger_dsn", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("trace", false)
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("scheduler.interval", 10*time.Second)
	v.SetDefault("executor.retry_delay", 500*time.Millisecond)
	v.SetDefault("executor.breaker_threshold", 5)
	v.SetDefault("executor.breaker_cooldown", 30*time.Second)
	v.SetDefault("sandbox.timeout", 5*time.Second)
	v.SetDefault("sandbox.max_log_entries", 100)
	v.SetDefault("sandbox.max_response_bytes", 1<<20)
	v.SetDefault("http_action.timeout", 30*time.Second)
	v.SetDefault("http_action.max_response_body", 10<<20)
	v.SetDefault("vault.master_key", "")
	v.SetDefault("vault.passphrase", "")
	v.SetDefault("vault.salt", "")
	v.SetDefault("pricing.base_cost_per_step", pricing.BaseCostPerStep)
	v.SetDefault("pricing.function_call_cost", pricing.FunctionCallCost)
	v.SetDefault("pricing.platform_fee_percent", pricing.PlatformFeePercent)
}

// loadConfig layers defaults, settings.yaml and CHAINFLOW_* variables.
// An explicit configFile must exist; the default locations are optional.
func loadConfig(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("settings")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(chainflowDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("CHAINFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if c.Vault.MasterKey != "" {
		if _, err := c.masterKey(); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) masterKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.Vault.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("vault.master_key must be base64: %w", err)
	}
	return key, nil
}

// vaultConfigured reports whether credentials can be encrypted.
func (c Config) vaultConfigured() bool {
	return c.Vault.MasterKey != "" || c.Vault.Passphrase != ""
}
