package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FITSCOPE_SERVER_PORT.
const EnvPrefix = "FITSCOPE"

// Load builds the configuration. Precedence, lowest first: defaults,
// config.yaml, .env, process environment. configFile, when set, replaces the
// config.yaml search.
func Load(configFile string) (Config, error) {
	loadEnvFile()

	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir := defaultConfigDir(); dir != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	overrideEmpty(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadEnvFile loads .env from the working directory when present. Variables
// already set in the process win.
func loadEnvFile() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}

// overrideEmpty fills secrets from their conventional unprefixed variables.
func overrideEmpty(cfg *Config) {
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if cfg.LLM.BaseURL == "" {
		switch cfg.LLM.Backend {
		case BackendOllama:
			if host := os.Getenv("OLLAMA_HOST"); host != "" {
				if !strings.Contains(host, "://") {
					host = "http://" + host
				}
				cfg.LLM.BaseURL = host
			} else {
				cfg.LLM.BaseURL = "http://localhost:11434"
			}
		case BackendOpenRouter:
			cfg.LLM.BaseURL = "https://openrouter.ai/api/v1"
		}
	}
}
