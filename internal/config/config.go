// Package config loads PDOFlow's DB connection and runtime settings from a
// small INI file at a well-known per-user path, with environment-variable
// overrides: caarlos0/env is applied over the same struct after the file
// layer, so any field may be overridden by an environment variable.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/ini.v1"
)

// DefaultConfigPath is the well-known per-user config file location.
const DefaultConfigPath = "~/.config/pdoflow/db.conf"

// Config holds PDOFlow's database connection parameters and pool tuning
// knobs.
//
// Deliberately no envDefault tags: caarlos0/env applies envDefault
// unconditionally whenever the OS environment variable is absent, which
// would stomp a value already set by the INI file. Defaults are instead
// applied once, in code, before the file and environment layers run.
type Config struct {
	Host     string `ini:"host" env:"PDOFLOW_HOST"`
	Port     int    `ini:"port" env:"PDOFLOW_PORT"`
	Database string `ini:"database_name" env:"PDOFLOW_DATABASE"`
	Username string `ini:"username" env:"PDOFLOW_USERNAME"`
	Password string `ini:"password" env:"PDOFLOW_PASSWORD"`

	DBMaxConns           int32         `ini:"db_max_conns" env:"PDOFLOW_DB_MAX_CONNS"`
	DBMaxConnIdleTime    time.Duration `ini:"db_max_conn_idle_time" env:"PDOFLOW_DB_MAX_CONN_IDLE_TIME"`
	DBStatementTimeoutMS int           `ini:"db_statement_timeout_ms" env:"PDOFLOW_DB_STATEMENT_TIMEOUT_MS"`

	LogLevel  string `ini:"log_level" env:"PDOFLOW_LOG_LEVEL"`   // debug|info|warn|error
	LogFormat string `ini:"log_format" env:"PDOFLOW_LOG_FORMAT"` // text|json
}

func defaults() *Config {
	return &Config{
		Host:                 "localhost",
		Port:                 5432,
		DBMaxConns:           25,
		DBMaxConnIdleTime:    5 * time.Minute,
		DBStatementTimeoutMS: 14000,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load reads path (expanding a leading "~"), applies the [pdoflow] section
// onto a Config seeded with defaults, then overlays any PDOFLOW_*
// environment variables (the highest-precedence layer). A missing file is
// not an error: Config is left at its defaults plus whatever the
// environment supplies, which is convenient in tests.
func Load(path string) (*Config, error) {
	cfg := defaults()

	expanded, err := expandHome(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if _, statErr := os.Stat(expanded); statErr == nil {
		f, err := ini.Load(expanded)
		if err != nil {
			return nil, fmt.Errorf("config: load %s: %w", expanded, err)
		}
		section := f.Section("pdoflow")
		if err := section.MapTo(cfg); err != nil {
			return nil, fmt.Errorf("config: map %s: %w", expanded, err)
		}
	} else if !os.IsNotExist(statErr) {
		return nil, fmt.Errorf("config: stat %s: %w", expanded, statErr)
	}

	// Environment overrides win over both the defaults and the file.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env overrides: %w", err)
	}

	if cfg.Database == "" || cfg.Username == "" {
		return nil, fmt.Errorf("config: database and username are required (file=%s)", expanded)
	}

	return cfg, nil
}

// DSN builds a libpq connection string suitable for pgxpool.ParseConfig.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

func expandHome(path string) (string, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	if path == "~" || len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
