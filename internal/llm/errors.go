package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyResponse = errors.New("empty response from model")
	ErrMissingAPIKey = errors.New("upstream api key is not configured")
)

// UpstreamError ответ провайдера с ошибкой: статус HTTP и исходное сообщение.
// Status == 0, если ошибка пришла внутри уже открытого стрима.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

func (e *UpstreamError) StatusCode() int {
	return e.Status
}

// vendorErrorEnvelope общий для Gemini и OpenAI-совместимых API формат ошибки.
type vendorErrorEnvelope struct {
	Error *struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
		Status  string          `json:"status"`
	} `json:"error"`
}

// upstreamErrorFromBody достаёт message из тела ошибки; если тело не JSON,
// берётся его начало.
func upstreamErrorFromBody(status int, body []byte) *UpstreamError {
	var env vendorErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil && env.Error.Message != "" {
		msg := env.Error.Message
		if env.Error.Status != "" && !strings.Contains(msg, env.Error.Status) {
			msg = env.Error.Status + ": " + msg
		}
		return &UpstreamError{Status: status, Message: msg}
	}
	return &UpstreamError{Status: status, Message: snippet(body, 200)}
}

func snippet(body []byte, limit int) string {
	text := strings.TrimSpace(string(body))
	if len(text) <= limit {
		return text
	}
	return text[:limit]
}
