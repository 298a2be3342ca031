// Package config loads process configuration from SMOLFAAS_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/thejchap/smolfaas/internal/core"
)

// Config is the full process configuration. Zero values are replaced by
// Default before the environment is applied.
type Config struct {
	PoolCapacity     int           `json:"pool_capacity" envconfig:"SMOLFAAS_POOL_CAPACITY"`
	ExecutionTimeout time.Duration `json:"execution_timeout" envconfig:"SMOLFAAS_EXECUTION_TIMEOUT"`
	MemoryLimitMB    int           `json:"memory_limit_mb" envconfig:"SMOLFAAS_MEMORY_LIMIT_MB"`
	SQLiteURL        string        `json:"sqlite_url" envconfig:"SMOLFAAS_SQLITE_URL"`
	Addr             string        `json:"addr" envconfig:"SMOLFAAS_ADDR"`
	LogLevel         string        `json:"log_level" envconfig:"SMOLFAAS_LOG_LEVEL"`
	LogFormat        string        `json:"log_format" envconfig:"SMOLFAAS_LOG_FORMAT"`
	Snapshots        bool          `json:"snapshots" envconfig:"SMOLFAAS_SNAPSHOTS"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		PoolCapacity:     128,
		ExecutionTimeout: 5 * time.Second,
		MemoryLimitMB:    128,
		SQLiteURL:        "db.sqlite3",
		Addr:             ":8000",
		LogLevel:         "info",
		LogFormat:        "text",
		Snapshots:        true,
	}
}

// Load reads the process environment over Default.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom is Load with a custom lookup, for tests and for callers that
// keep their environment in a map.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	if err := envconfig.Process("", &c, lookup); err != nil {
		return c, fmt.Errorf("reading environment: %w", err)
	}
	return c, c.Validate()
}

// Validate checks every field.
func (c Config) Validate() error {
	if err := c.Core().Validate(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.SQLiteURL == "" {
		return fmt.Errorf("sqlite url must not be empty")
	}
	return nil
}

// Core returns the part of c the invocation core needs.
func (c Config) Core() core.Config {
	return core.Config{
		PoolCapacity:     c.PoolCapacity,
		ExecutionTimeout: c.ExecutionTimeout,
		MemoryLimitMB:    c.MemoryLimitMB,
	}
}

// ConfigureLogger applies the level and format to logger.
func (c Config) ConfigureLogger(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	if strings.ToLower(c.LogFormat) == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
