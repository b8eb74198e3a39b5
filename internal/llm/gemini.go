package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"chatproxy/internal/config"
)

const geminiDefaultModel = "gemini-1.5-flash"

// GeminiClient адаптер Google Generative Language API.
type GeminiClient struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	logger       *slog.Logger
}

func NewGeminiClient(cfg config.GeminiConfig, httpClient *http.Client, logger *slog.Logger) *GeminiClient {
	model := cfg.DefaultModel
	if model == "" {
		model = geminiDefaultModel
	}
	return &GeminiClient{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		defaultModel: model,
		httpClient:   httpClient,
		logger:       logger,
	}
}

func (c *GeminiClient) CompleteOnce(ctx context.Context, req ChatRequest) (string, error) {
	resp, err := c.do(ctx, req, "generateContent", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", &UpstreamError{Status: resp.StatusCode, Message: parsed.Error.Message}
	}
	text := parsed.text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func (c *GeminiClient) CompleteStreaming(ctx context.Context, req ChatRequest) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	resp, err := c.do(streamCtx, req, "streamGenerateContent", url.Values{"alt": {"sse"}})
	if err != nil {
		cancel()
		return nil, err
	}
	return newSSEStream(resp.Body, cancel, parseGeminiChunk), nil
}

// do отправляет запрос и возвращает ответ только со статусом 2xx.
func (c *GeminiClient) do(ctx context.Context, req ChatRequest, method string, query url.Values) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	model = strings.TrimPrefix(model, "models/")

	buf, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:%s", c.baseURL, url.PathEscape(model), method)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		upstreamErr := upstreamErrorFromBody(resp.StatusCode, body)
		if c.logger != nil {
			c.logger.Warn("gemini request failed",
				slog.String("model", model),
				slog.Int("status", resp.StatusCode),
				slog.String("error", upstreamErr.Message))
		}
		return nil, upstreamErr
	}
	return resp, nil
}

// buildRequest переводит нормализованный запрос в словарь Gemini:
// роль assistant называется model, остальные роли отправляются как user.
func (c *GeminiClient) buildRequest(req ChatRequest) geminiRequest {
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}

	out := geminiRequest{
		Contents: contents,
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxOutputTokens,
		},
	}
	if strings.TrimSpace(req.System) != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	return out
}

// parseGeminiChunk разбирает один чанк streamGenerateContent.
// Конец ответа отмечается finishReason у кандидата.
func parseGeminiChunk(data []byte) (string, bool, error) {
	var chunk geminiResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", false, fmt.Errorf("decode stream chunk: %w", err)
	}
	if chunk.Error != nil {
		return "", false, &UpstreamError{Message: chunk.Error.Message}
	}
	done := false
	for _, cand := range chunk.Candidates {
		if cand.FinishReason != "" {
			done = true
		}
	}
	return chunk.text(), done, nil
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (r geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}
