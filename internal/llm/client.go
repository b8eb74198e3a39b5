package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"chatproxy/internal/config"
)

const (
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"
)

// Client минимальный публичный интерфейс LLM клиента.
type Client interface {
	// CompleteOnce возвращает ответ модели целиком.
	CompleteOnce(ctx context.Context, req ChatRequest) (string, error)
	// CompleteStreaming открывает поток фрагментов ответа.
	// Возвращается после того, как провайдер принял запрос.
	CompleteStreaming(ctx context.Context, req ChatRequest) (Stream, error)
}

// Stream конечная последовательность текстовых фрагментов, повторно не читается.
type Stream interface {
	// Next возвращает следующий фрагмент. io.EOF означает нормальное завершение,
	// любая другая ошибка означает сбой провайдера посреди ответа.
	Next(ctx context.Context) (string, error)
	io.Closer
}

// NewClient выбирает адаптер по имени провайдера из конфигурации.
func NewClient(cfg config.UpstreamConfig, httpClient *http.Client, logger *slog.Logger) (Client, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderGemini, "":
		return NewGeminiClient(cfg.Gemini, httpClient, logger), nil
	case ProviderOpenRouter:
		return NewOpenRouterClient(cfg.OpenRouter, httpClient, logger), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
