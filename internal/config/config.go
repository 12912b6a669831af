// Package config loads fitscope settings from config.yaml, .env and
// FITSCOPE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server" json:"server"`
	Storage  StorageConfig  `mapstructure:"storage" json:"storage"`
	Breaker  BreakerConfig  `mapstructure:"breaker" json:"breaker"`
	Inflight InflightConfig `mapstructure:"inflight" json:"inflight"`
	Tiles    TilesConfig    `mapstructure:"tiles" json:"tiles"`
	LLM      LLMConfig      `mapstructure:"llm" json:"llm"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
}

type ServerConfig struct {
	Host  string `mapstructure:"host" json:"host"`
	Port  int    `mapstructure:"port" json:"port"`
	Token string `mapstructure:"token" json:"token"`
	MCP   bool   `mapstructure:"mcp" json:"mcp"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StorageConfig struct {
	DataDir       string        `mapstructure:"data_dir" json:"data_dir"`
	MemoryOnly    bool          `mapstructure:"memory_only" json:"memory_only"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
}

type BreakerConfig struct {
	Threshold   int           `mapstructure:"threshold" json:"threshold"`
	Cooldown    time.Duration `mapstructure:"cooldown" json:"cooldown"`
	MaxCooldown time.Duration `mapstructure:"max_cooldown" json:"max_cooldown"`
	Multiplier  float64       `mapstructure:"multiplier" json:"multiplier"`
}

type InflightConfig struct {
	Retention     time.Duration `mapstructure:"retention" json:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
}

type TilesConfig struct {
	Enabled     []string                 `mapstructure:"enabled" json:"enabled"`
	TTL         time.Duration            `mapstructure:"ttl" json:"ttl"`
	TileTTL     map[string]time.Duration `mapstructure:"tile_ttl" json:"tile_ttl,omitempty"`
	Timeout     time.Duration            `mapstructure:"timeout" json:"timeout"`
	Concurrency int                      `mapstructure:"concurrency" json:"concurrency"`
}

// LLM backends.
const (
	BackendOllama     = "ollama"
	BackendOpenRouter = "openrouter"
)

type LLMConfig struct {
	Backend string `mapstructure:"backend" json:"backend"`
	BaseURL string `mapstructure:"base_url" json:"base_url"`
	Model   string `mapstructure:"model" json:"model"`
	APIKey  string `mapstructure:"api_key" json:"api_key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "fitscope-data"
		}
	}
	return filepath.Join(dir, "fitscope")
}

func defaultConfigDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "fitscope")
}

// defaults are registered with viper key by key, which is also what makes
// every key reachable through FITSCOPE_* variables.
func defaults() map[string]any {
	return map[string]any{
		"server.host":  "127.0.0.1",
		"server.port":  4100,
		"server.token": "",
		"server.mcp":   false,

		"storage.data_dir":       defaultDataDir(),
		"storage.memory_only":    false,
		"storage.sweep_interval": 5 * time.Minute,

		"breaker.threshold":    3,
		"breaker.cooldown":     30 * time.Second,
		"breaker.max_cooldown": 10 * time.Minute,
		"breaker.multiplier":   2.0,

		"inflight.retention":      30 * time.Minute,
		"inflight.sweep_interval": time.Minute,

		"tiles.enabled":     []string{"sentiment", "market_trends", "competitors", "market_size", "engagement", "financial"},
		"tiles.ttl":         6 * time.Hour,
		"tiles.tile_ttl":    map[string]any{},
		"tiles.timeout":     20 * time.Second,
		"tiles.concurrency": 0,

		"llm.backend":  BackendOllama,
		"llm.base_url": "",
		"llm.model":    "llama3.2",
		"llm.api_key":  "",

		"log.level":  "info",
		"log.format": "console",
	}
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !c.Storage.MemoryOnly && c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required unless storage.memory_only is set"))
	}
	if c.Storage.SweepInterval <= 0 {
		errs = append(errs, errors.New("storage.sweep_interval must be positive"))
	}
	if c.Breaker.Threshold < 1 {
		errs = append(errs, errors.New("breaker.threshold must be at least 1"))
	}
	if c.Breaker.Cooldown <= 0 {
		errs = append(errs, errors.New("breaker.cooldown must be positive"))
	}
	if c.Breaker.MaxCooldown < c.Breaker.Cooldown {
		errs = append(errs, errors.New("breaker.max_cooldown must not be below breaker.cooldown"))
	}
	if c.Breaker.Multiplier < 1 {
		errs = append(errs, errors.New("breaker.multiplier must be at least 1"))
	}
	if c.Inflight.Retention <= 0 || c.Inflight.SweepInterval <= 0 {
		errs = append(errs, errors.New("inflight.retention and inflight.sweep_interval must be positive"))
	}
	if len(c.Tiles.Enabled) == 0 {
		errs = append(errs, errors.New("tiles.enabled must name at least one tile"))
	}
	if c.Tiles.Concurrency < 0 {
		errs = append(errs, errors.New("tiles.concurrency must not be negative"))
	}
	switch c.LLM.Backend {
	case BackendOllama:
	case BackendOpenRouter:
		if c.LLM.APIKey == "" {
			errs = append(errs, errors.New("llm.api_key is required for the openrouter backend; set FITSCOPE_LLM_API_KEY or OPENROUTER_API_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.backend %q must be %q or %q", c.LLM.Backend, BackendOllama, BackendOpenRouter))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Server.Token = mask(c.Server.Token)
	c.LLM.APIKey = mask(c.LLM.APIKey)
	return c
}
