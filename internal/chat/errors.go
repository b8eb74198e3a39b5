package chat

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"chatproxy/internal/llm"
	"chatproxy/internal/retry"
)

// ErrClientAborted клиент закрыл соединение до конца ответа.
var ErrClientAborted = errors.New("client aborted the request")

type Kind string

const (
	KindValidation  Kind = "validation"
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindUpstream    Kind = "upstream"
	KindAborted     Kind = "aborted"
)

const (
	rateLimitedMessage = "Rate limited: upstream quota exceeded, try again shortly."
	timeoutMessage     = "Upstream too slow, try again."
	fallbackMessage    = "Upstream error"

	// statusClientClosed ответ не пишется, статус нужен только для логов.
	statusClientClosed = 499
)

var (
	quotaPattern   = regexp.MustCompile(`(?i)quota|exhausted|429|rate.?limit`)
	timeoutPattern = regexp.MustCompile(`(?i)timeout|timed out|too slow|deadline`)
)

// Failure ошибка в виде, понятном пользователю.
type Failure struct {
	Status  int
	Message string
	Kind    Kind
}

// Classify переводит ошибку цепочки вызова в статус и однострочное сообщение.
// Сообщение провайдера отдаётся как есть, только если оно не попало ни в одну категорию.
func Classify(err error) Failure {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return Failure{Status: http.StatusBadRequest, Message: verr.Message, Kind: KindValidation}
	}
	if errors.Is(err, ErrClientAborted) || errors.Is(err, context.Canceled) {
		return Failure{Status: statusClientClosed, Message: "(stopped)", Kind: KindAborted}
	}

	var upstreamErr *llm.UpstreamError
	if errors.As(err, &upstreamErr) && upstreamErr.Status == http.StatusTooManyRequests {
		return Failure{Status: http.StatusTooManyRequests, Message: rateLimitedMessage, Kind: KindRateLimited}
	}
	var timeoutErr *retry.TimeoutError
	if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
		return Failure{Status: http.StatusGatewayTimeout, Message: timeoutMessage, Kind: KindTimeout}
	}

	raw := rawMessage(err)
	switch {
	case quotaPattern.MatchString(raw):
		return Failure{Status: http.StatusTooManyRequests, Message: rateLimitedMessage, Kind: KindRateLimited}
	case timeoutPattern.MatchString(raw):
		return Failure{Status: http.StatusGatewayTimeout, Message: timeoutMessage, Kind: KindTimeout}
	default:
		return Failure{Status: http.StatusBadGateway, Message: raw, Kind: KindUpstream}
	}
}

// rawMessage текст ошибки провайдера без обёрток адаптера, одной строкой.
func rawMessage(err error) string {
	if err == nil {
		return fallbackMessage
	}
	msg := err.Error()
	var upstreamErr *llm.UpstreamError
	if errors.As(err, &upstreamErr) && upstreamErr.Message != "" {
		msg = upstreamErr.Message
	}
	msg = strings.Join(strings.Fields(msg), " ")
	if msg == "" {
		return fallbackMessage
	}
	return msg
}
