package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"chatproxy/internal/config"
)

var (
	ErrInvalidModel = errors.New("model is required")
)

// OpenRouterClient адаптер OpenAI-совместимого API OpenRouter.
// Роли передаются как есть, системный промпт идёт первым сообщением.
type OpenRouterClient struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	logger       *slog.Logger
}

func NewOpenRouterClient(cfg config.OpenRouterConfig, httpClient *http.Client, logger *slog.Logger) *OpenRouterClient {
	return &OpenRouterClient{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		defaultModel: cfg.DefaultModel,
		httpClient:   httpClient,
		logger:       logger,
	}
}

func (c *OpenRouterClient) CompleteOnce(ctx context.Context, req ChatRequest) (string, error) {
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed openRouterResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", &UpstreamError{Status: resp.StatusCode, Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *OpenRouterClient) CompleteStreaming(ctx context.Context, req ChatRequest) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	resp, err := c.do(streamCtx, req, true)
	if err != nil {
		cancel()
		return nil, err
	}
	return newSSEStream(resp.Body, cancel, parseOpenRouterChunk), nil
}

func (c *OpenRouterClient) do(ctx context.Context, req ChatRequest, stream bool) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return nil, ErrInvalidModel
	}

	messages := make([]message, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, message{Role: string(RoleSystem), Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, message{Role: string(m.Role), Content: m.Content})
	}

	temperature := req.Temperature
	buf, err := json.Marshal(openRouterRequest{
		Model:       model,
		Messages:    messages,
		Temperature: &temperature,
		MaxTokens:   req.MaxOutputTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/chat/completions", c.baseURL), bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		upstreamErr := upstreamErrorFromBody(resp.StatusCode, body)
		if c.logger != nil {
			c.logger.Warn("openrouter request failed",
				slog.String("model", model),
				slog.Int("status", resp.StatusCode),
				slog.String("error", upstreamErr.Message))
		}
		return nil, upstreamErr
	}
	return resp, nil
}

// parseOpenRouterChunk разбирает chunk chat.completion.chunk; поток завершается строкой [DONE].
func parseOpenRouterChunk(data []byte) (string, bool, error) {
	if string(bytes.TrimSpace(data)) == "[DONE]" {
		return "", true, nil
	}
	var chunk openRouterStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", false, fmt.Errorf("decode stream chunk: %w", err)
	}
	if chunk.Error != nil {
		return "", false, &UpstreamError{Message: chunk.Error.Message}
	}
	if len(chunk.Choices) == 0 {
		return "", false, nil
	}
	return chunk.Choices[0].Delta.Content, false, nil
}

type openRouterRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openRouterError struct {
	Message string `json:"message"`
}

type openRouterResponse struct {
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Error *openRouterError `json:"error"`
}

type openRouterStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *openRouterError `json:"error"`
}
