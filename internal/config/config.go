package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

const (
	StoreDriverMemory   = "memory"
	StoreDriverFile     = "file"
	StoreDriverSQLite   = "sqlite"
	StoreDriverSupabase = "supabase"
)

type Config struct {
	Port           int           `env:"PORT" envDefault:"8787" validate:"gte=1,lte=65535"`
	HTTPAddr       string        `env:"HTTP_ADDR"`
	AppEnv         string        `env:"APP_ENV" envDefault:"development"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFile        string        `env:"LOG_FILE"`
	RequestTimeout time.Duration `env:"HTTP_CLIENT_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	WriteTimeout   time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"2m" validate:"gt=0"`
	Upstream       UpstreamConfig
	Chat           ChatConfig
	Retry          RetryConfig
	RateLimit      RateLimitConfig
	Store          StoreConfig
	Telemetry      TelemetryConfig
}

type UpstreamConfig struct {
	Provider   string `env:"LLM_PROVIDER" envDefault:"gemini" validate:"oneof=gemini openrouter"`
	Gemini     GeminiConfig
	OpenRouter OpenRouterConfig
}

type GeminiConfig struct {
	APIKey       string `env:"GEMINI_API_KEY"`
	BaseURL      string `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta" validate:"url"`
	DefaultModel string `env:"GEMINI_DEFAULT_MODEL" envDefault:"gemini-1.5-flash"`
}

type OpenRouterConfig struct {
	APIKey       string `env:"OPENROUTER_API_KEY"`
	BaseURL      string `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1" validate:"url"`
	DefaultModel string `env:"OPENROUTER_DEFAULT_MODEL"`
}

// ChatConfig значения по умолчанию для полей запроса, которые клиент может не передать.
type ChatConfig struct {
	SystemPrompt    string        `env:"CHAT_DEFAULT_SYSTEM" envDefault:"You are a helpful assistant."`
	Model           string        `env:"CHAT_DEFAULT_MODEL"`
	Temperature     float64       `env:"CHAT_DEFAULT_TEMPERATURE" envDefault:"0.7" validate:"gte=0,lte=2"`
	HistoryPairs    int           `env:"CHAT_HISTORY_PAIRS" envDefault:"3" validate:"gte=1"`
	ReplyMaxTokens  int           `env:"CHAT_REPLY_MAX_TOKENS" envDefault:"96" validate:"gte=1"`
	StreamMaxTokens int           `env:"CHAT_STREAM_MAX_TOKENS" envDefault:"400" validate:"gte=1"`
	StreamTimeout   time.Duration `env:"CHAT_STREAM_TIMEOUT" envDefault:"60s" validate:"gt=0"`
	StallTimeout    time.Duration `env:"CHAT_STALL_TIMEOUT" envDefault:"4s" validate:"gt=0"`
	KeepAliveMarker string        `env:"CHAT_KEEPALIVE_MARKER" envDefault:"..."`
}

type RetryConfig struct {
	Deadline time.Duration `env:"RETRY_DEADLINE" envDefault:"10s" validate:"gt=0"`
	// SecondDeadline ограничивает повторную попытку; при 0 гонки с таймером нет.
	SecondDeadline time.Duration `env:"RETRY_SECOND_DEADLINE" envDefault:"10s" validate:"gte=0"`
	BaseDelay      time.Duration `env:"RETRY_BASE_DELAY" envDefault:"300ms" validate:"gte=0"`
	Jitter         time.Duration `env:"RETRY_JITTER" envDefault:"200ms" validate:"gte=0"`
}

type RateLimitConfig struct {
	Window      time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"15s" validate:"gt=0"`
	MaxRequests int           `env:"RATE_LIMIT_MAX" envDefault:"3" validate:"gte=1"`
}

type StoreConfig struct {
	Driver      string `env:"STORE_DRIVER" validate:"omitempty,oneof=memory file sqlite supabase"`
	Path        string `env:"STORE_PATH" envDefault:"data/conversations.db"`
	SupabaseURL string `env:"SUPABASE_URL"`
	SupabaseKey string `env:"SUPABASE_SERVICE_ROLE"`
}

type TelemetryConfig struct {
	Dir         string `env:"TELEMETRY_DIR"`
	ServiceName string `env:"TELEMETRY_SERVICE_NAME" envDefault:"chatproxy"`
}

var validate = validator.New()

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.Upstream.Gemini.APIKey = strings.TrimSpace(cfg.Upstream.Gemini.APIKey)
	cfg.Upstream.OpenRouter.APIKey = strings.TrimSpace(cfg.Upstream.OpenRouter.APIKey)
	cfg.Store.SupabaseURL = strings.TrimSpace(cfg.Store.SupabaseURL)
	cfg.Store.SupabaseKey = strings.TrimSpace(cfg.Store.SupabaseKey)
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = fmt.Sprintf(":%d", cfg.Port)
	}

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// IsProduction включает ограничитель частоты запросов.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// APIKey ключ активного провайдера.
func (c UpstreamConfig) APIKey() string {
	if strings.EqualFold(c.Provider, "openrouter") {
		return c.OpenRouter.APIKey
	}
	return c.Gemini.APIKey
}

// KeyPreview маскирует ключ для /health: первые и последние четыре символа.
func (c UpstreamConfig) KeyPreview() string {
	key := c.APIKey()
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// StoreDriver итоговый драйвер хранилища: если не задан явно, а есть
// реквизиты Supabase, используется Supabase; пустая строка означает, что хранилища нет.
func (c StoreConfig) StoreDriver() string {
	if c.Driver != "" {
		return strings.ToLower(c.Driver)
	}
	if c.SupabaseURL != "" && c.SupabaseKey != "" {
		return StoreDriverSupabase
	}
	return ""
}
