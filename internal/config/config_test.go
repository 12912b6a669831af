package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test in an empty directory with no FITSCOPE_* overrides
// and no user config directory.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg-config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "xdg-data"))
	for _, key := range []string{"OPENROUTER_API_KEY", "OLLAMA_HOST", "FITSCOPE_LLM_API_KEY", "FITSCOPE_LLM_MODEL"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	return dir
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 4100, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:4100", cfg.Server.Addr())
	assert.Equal(t, filepath.Join(dir, "xdg-data", "fitscope"), cfg.Storage.DataDir)
	assert.Equal(t, 3, cfg.Breaker.Threshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Cooldown)
	assert.Equal(t, 10*time.Minute, cfg.Breaker.MaxCooldown)
	assert.InDelta(t, 2.0, cfg.Breaker.Multiplier, 1e-9)
	assert.Equal(t, 30*time.Minute, cfg.Inflight.Retention)
	assert.Len(t, cfg.Tiles.Enabled, 6)
	assert.Equal(t, 20*time.Second, cfg.Tiles.Timeout)
	assert.Equal(t, BackendOllama, cfg.LLM.Backend)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.BaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "configs", "config.yaml"), `
server:
  port: 5000
  token: s3cret
breaker:
  threshold: 5
  cooldown: 1m
  max_cooldown: 1h
tiles:
  enabled: [sentiment, financial]
  tile_ttl:
    sentiment: 15m
log:
  format: json
`)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.Token)
	assert.Equal(t, 5, cfg.Breaker.Threshold)
	assert.Equal(t, time.Minute, cfg.Breaker.Cooldown)
	assert.Equal(t, time.Hour, cfg.Breaker.MaxCooldown)
	assert.Equal(t, []string{"sentiment", "financial"}, cfg.Tiles.Enabled)
	assert.Equal(t, 15*time.Minute, cfg.Tiles.TileTTL["sentiment"])
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_ExplicitFile(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, filepath.Join(dir, "custom.yaml"), "server:\n  port: 6001\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6001, cfg.Server.Port)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, "config.yaml"), "server:\n  port: 5000\n")
	t.Setenv("FITSCOPE_SERVER_PORT", "5500")
	t.Setenv("FITSCOPE_BREAKER_COOLDOWN", "45s")
	t.Setenv("FITSCOPE_STORAGE_MEMORY_ONLY", "true")
	t.Setenv("FITSCOPE_TILES_ENABLED", "sentiment,market_trends")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5500, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Breaker.Cooldown)
	assert.True(t, cfg.Storage.MemoryOnly)
	assert.Equal(t, []string{"sentiment", "market_trends"}, cfg.Tiles.Enabled)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	writeFile(t, filepath.Join(dir, ".env"), "FITSCOPE_LLM_MODEL=qwen2.5\n")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5", cfg.LLM.Model)
}

func TestLoad_OpenRouterNeedsKey(t *testing.T) {
	isolate(t)
	t.Setenv("FITSCOPE_LLM_BACKEND", "openrouter")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.api_key")

	t.Setenv("OPENROUTER_API_KEY", "sk-or-test")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-or-test", cfg.LLM.APIKey)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.LLM.BaseURL)
}

func TestLoad_OllamaHostWithoutScheme(t *testing.T) {
	isolate(t)
	t.Setenv("OLLAMA_HOST", "10.0.0.5:11434")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:11434", cfg.LLM.BaseURL)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:   ServerConfig{Port: 4100},
			Storage:  StorageConfig{DataDir: "/tmp/x", SweepInterval: time.Minute},
			Breaker:  BreakerConfig{Threshold: 3, Cooldown: time.Second, MaxCooldown: time.Minute, Multiplier: 2},
			Inflight: InflightConfig{Retention: time.Minute, SweepInterval: time.Second},
			Tiles:    TilesConfig{Enabled: []string{"sentiment"}},
			LLM:      LLMConfig{Backend: BackendOllama, Model: "llama3.2"},
			Log:      LogConfig{Format: "console"},
		}
	}
	require.NoError(t, valid().Validate())

	tests := map[string]func(*Config){
		"port":         func(c *Config) { c.Server.Port = 0 },
		"data dir":     func(c *Config) { c.Storage.DataDir = "" },
		"threshold":    func(c *Config) { c.Breaker.Threshold = 0 },
		"max cooldown": func(c *Config) { c.Breaker.MaxCooldown = time.Millisecond },
		"multiplier":   func(c *Config) { c.Breaker.Multiplier = 0.5 },
		"retention":    func(c *Config) { c.Inflight.Retention = 0 },
		"no tiles":     func(c *Config) { c.Tiles.Enabled = nil },
		"concurrency":  func(c *Config) { c.Tiles.Concurrency = -1 },
		"backend":      func(c *Config) { c.LLM.Backend = "bard" },
		"model":        func(c *Config) { c.LLM.Model = "" },
		"log format":   func(c *Config) { c.Log.Format = "xml" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	memory := valid()
	memory.Storage.DataDir = ""
	memory.Storage.MemoryOnly = true
	assert.NoError(t, memory.Validate())
}

func TestRedacted(t *testing.T) {
	c := Config{Server: ServerConfig{Token: "tok"}, LLM: LLMConfig{APIKey: "key", Model: "m"}}
	r := c.Redacted()
	assert.Equal(t, "********", r.Server.Token)
	assert.Equal(t, "********", r.LLM.APIKey)
	assert.Equal(t, "m", r.LLM.Model)
	assert.Equal(t, "tok", c.Server.Token, "original untouched")
	assert.Empty(t, Config{}.Redacted().LLM.APIKey)
}
