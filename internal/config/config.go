package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	App      AppConfig      `toml:"app"`
	Backend  BackendConfig  `toml:"backend"`
	LLM      LLMConfig      `toml:"llm"`
	Redis    RedisConfig    `toml:"redis"`
	RabbitMQ RabbitMQConfig `toml:"rabbitmq"`
}

type AppConfig struct {
	Name    string `toml:"name"`
	Env     string `toml:"env"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	GinMode string `toml:"gin_mode"`
	URL     string `toml:"url"`
}

// BackendConfig points at the storage/auth backend. URL is a database URL
// whose scheme picks the driver; Key signs session tokens.
type BackendConfig struct {
	URL                 string `toml:"url"`
	Key                 string `toml:"key"`
	TokenTTLMinute      int    `toml:"token_ttl_minute"`
	ResetTokenTTLMinute int    `toml:"reset_token_ttl_minute"`
}

type LLMConfig struct {
	DefaultProvider   string          `toml:"default_provider"`
	SystemPrompt      string          `toml:"system_prompt"`
	Temperature       float64         `toml:"temperature"`
	MaxTokens         int             `toml:"max_tokens"`
	MaxContextMessage int             `toml:"max_context_message"`
	OpenAI            OpenAIConfig    `toml:"openai"`
	Anthropic         AnthropicConfig `toml:"anthropic"`
}

type OpenAIConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
}

type AnthropicConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	Version string `toml:"version"`
}

type RedisConfig struct {
	Addr                   string `toml:"addr"`
	Password               string `toml:"password"`
	DB                     int    `toml:"db"`
	HistoryTTLSeconds      int    `toml:"history_ttl_seconds"`
	HistoryDirtyTTLSeconds int    `toml:"history_dirty_ttl_seconds"`
}

type RabbitMQConfig struct {
	URL            string `toml:"url"`
	ChangeExchange string `toml:"change_exchange"`
}

// Load builds the configuration from defaults, the optional TOML file, dotenv
// files and the process environment, then validates it.
func Load() (*Config, error) {
	loadDotenv(".env.local", ".env")

	cfg := defaultConfig()

	configPath := getEnv("CONFIG_FILE", "configs/config.toml")
	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("decode config file failed: %w", err)
		}
	}

	overrideByEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.URL) == "" {
		return fmt.Errorf("%w: BACKEND_URL", ErrMissingRequired)
	}
	if strings.TrimSpace(c.Backend.Key) == "" {
		return fmt.Errorf("%w: BACKEND_KEY", ErrMissingRequired)
	}
	return nil
}

// Warnings lists non-fatal configuration problems worth logging at startup.
func (c *Config) Warnings() []string {
	var out []string
	if !c.HasProviderKey() {
		out = append(out, "no LLM provider API keys configured, chat features will fail")
	}
	return out
}

func (c *Config) HasProviderKey() bool {
	return strings.TrimSpace(c.LLM.OpenAI.APIKey) != "" || strings.TrimSpace(c.LLM.Anthropic.APIKey) != ""
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.App.Host, c.App.Port)
}

func (c *Config) RedisEnabled() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

func (c *Config) RabbitMQEnabled() bool {
	return strings.TrimSpace(c.RabbitMQ.URL) != ""
}

func defaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:    "AI Application",
			Env:     "dev",
			Host:    "0.0.0.0",
			Port:    8080,
			GinMode: "debug",
			URL:     "http://localhost:8080",
		},
		Backend: BackendConfig{
			TokenTTLMinute:      120,
			ResetTokenTTLMinute: 60,
		},
		LLM: LLMConfig{
			DefaultProvider:   "openai",
			SystemPrompt:      "You are a concise and helpful AI assistant.",
			Temperature:       0.7,
			MaxTokens:         1000,
			MaxContextMessage: 20,
			OpenAI: OpenAIConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "gpt-4-turbo",
			},
			Anthropic: AnthropicConfig{
				BaseURL: "https://api.anthropic.com/v1",
				Model:   "claude-3-sonnet-20240229",
				Version: "2023-06-01",
			},
		},
		Redis: RedisConfig{
			HistoryTTLSeconds:      60,
			HistoryDirtyTTLSeconds: 5,
		},
		RabbitMQ: RabbitMQConfig{
			ChangeExchange: "aichat.changes",
		},
	}
}

func overrideByEnv(cfg *Config) {
	cfg.App.Name = getEnv("APP_NAME", cfg.App.Name)
	cfg.App.Env = getEnv("APP_ENV", cfg.App.Env)
	cfg.App.Host = getEnv("APP_HOST", cfg.App.Host)
	cfg.App.Port = getEnvAsInt("APP_PORT", cfg.App.Port)
	cfg.App.GinMode = getEnv("GIN_MODE", cfg.App.GinMode)
	cfg.App.URL = getEnv("APP_URL", cfg.App.URL)

	cfg.Backend.URL = getEnv("BACKEND_URL", cfg.Backend.URL)
	cfg.Backend.Key = getEnv("BACKEND_KEY", cfg.Backend.Key)
	cfg.Backend.TokenTTLMinute = getEnvAsInt("BACKEND_TOKEN_TTL_MINUTE", cfg.Backend.TokenTTLMinute)
	cfg.Backend.ResetTokenTTLMinute = getEnvAsInt("BACKEND_RESET_TOKEN_TTL_MINUTE", cfg.Backend.ResetTokenTTLMinute)

	cfg.LLM.DefaultProvider = getEnv("LLM_DEFAULT_PROVIDER", cfg.LLM.DefaultProvider)
	cfg.LLM.SystemPrompt = getEnv("LLM_SYSTEM_PROMPT", cfg.LLM.SystemPrompt)
	cfg.LLM.Temperature = getEnvAsFloat("LLM_TEMPERATURE", cfg.LLM.Temperature)
	cfg.LLM.MaxTokens = getEnvAsInt("LLM_MAX_TOKENS", cfg.LLM.MaxTokens)
	cfg.LLM.MaxContextMessage = getEnvAsInt("LLM_MAX_CONTEXT_MESSAGE", cfg.LLM.MaxContextMessage)
	cfg.LLM.OpenAI.BaseURL = getEnv("OPENAI_BASE_URL", cfg.LLM.OpenAI.BaseURL)
	cfg.LLM.OpenAI.APIKey = getEnv("OPENAI_API_KEY", cfg.LLM.OpenAI.APIKey)
	cfg.LLM.OpenAI.Model = getEnv("OPENAI_MODEL", cfg.LLM.OpenAI.Model)
	cfg.LLM.Anthropic.BaseURL = getEnv("ANTHROPIC_BASE_URL", cfg.LLM.Anthropic.BaseURL)
	cfg.LLM.Anthropic.APIKey = getEnv("ANTHROPIC_API_KEY", cfg.LLM.Anthropic.APIKey)
	cfg.LLM.Anthropic.Model = getEnv("ANTHROPIC_MODEL", cfg.LLM.Anthropic.Model)
	cfg.LLM.Anthropic.Version = getEnv("ANTHROPIC_VERSION", cfg.LLM.Anthropic.Version)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.HistoryTTLSeconds = getEnvAsInt("REDIS_HISTORY_TTL_SECONDS", cfg.Redis.HistoryTTLSeconds)
	cfg.Redis.HistoryDirtyTTLSeconds = getEnvAsInt("REDIS_HISTORY_DIRTY_TTL_SECONDS", cfg.Redis.HistoryDirtyTTLSeconds)

	cfg.RabbitMQ.URL = getEnv("RABBITMQ_URL", cfg.RabbitMQ.URL)
	cfg.RabbitMQ.ChangeExchange = getEnv("RABBITMQ_CHANGE_EXCHANGE", cfg.RabbitMQ.ChangeExchange)
}

// loadDotenv never overrides variables that are already set.
func loadDotenv(files ...string) {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsFloat(key string, fallback float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
