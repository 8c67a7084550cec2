// Package config loads application configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	AuditFile       string `yaml:"audit_file"`
}

// DatabaseConfig holds the SQL connection settings. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_sec"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// OAuth2Config holds the linking flow settings.
type OAuth2Config struct {
	StateSigningKey string `yaml:"state_signing_key"`
	SweepSchedule   string `yaml:"sweep_schedule"`
	SweepHorizonMin int    `yaml:"sweep_horizon_min"`
}

// ExecutorConfig bounds outbound upstream calls.
type ExecutorConfig struct {
	UpstreamTimeoutSec int `yaml:"upstream_timeout_sec"`
}

// Config is the root configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	OAuth2   OAuth2Config   `yaml:"oauth2"`
	Executor ExecutorConfig `yaml:"executor"`
}

// Load reads the config file named by UNITOOL_CONFIG (default config.yaml if
// present), then applies environment overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeoutSec:  15,
			WriteTimeoutSec: 60,
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		OAuth2: OAuth2Config{
			SweepSchedule:   "*/15 * * * *",
			SweepHorizonMin: 30,
		},
		Executor: ExecutorConfig{
			UpstreamTimeoutSec: 30,
		},
	}

	path := os.Getenv("UNITOOL_CONFIG")
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "UNITOOL_SERVER_HOST")
	setInt(&cfg.Server.Port, "UNITOOL_SERVER_PORT")
	setString(&cfg.Server.AuditFile, "UNITOOL_AUDIT_FILE")
	setString(&cfg.Database.Driver, "UNITOOL_DB_DRIVER")
	setString(&cfg.Database.DSN, "UNITOOL_DB_DSN")
	setInt(&cfg.Database.MaxOpenConns, "UNITOOL_DB_MAX_OPEN_CONNS")
	setInt(&cfg.Database.MaxIdleConns, "UNITOOL_DB_MAX_IDLE_CONNS")
	setString(&cfg.Logging.Level, "UNITOOL_LOG_LEVEL")
	setString(&cfg.Logging.Format, "UNITOOL_LOG_FORMAT")
	setString(&cfg.Logging.Output, "UNITOOL_LOG_OUTPUT")
	setString(&cfg.OAuth2.StateSigningKey, "UNITOOL_OAUTH2_STATE_KEY")
	setString(&cfg.OAuth2.SweepSchedule, "UNITOOL_OAUTH2_SWEEP_SCHEDULE")
	setInt(&cfg.OAuth2.SweepHorizonMin, "UNITOOL_OAUTH2_SWEEP_HORIZON_MIN")
	setInt(&cfg.Executor.UpstreamTimeoutSec, "UNITOOL_UPSTREAM_TIMEOUT_SEC")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}
