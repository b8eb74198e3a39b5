package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"chatproxy/internal/config"
	"chatproxy/internal/conversation"
	"chatproxy/internal/llm"
	"chatproxy/internal/relay"
	"chatproxy/internal/retry"
	"chatproxy/internal/telemetry"
)

const persistTimeout = 5 * time.Second

// Service оркестрирует вызов провайдера: валидация, обрезка истории,
// стриминг с запасным полным ответом, сохранение обмена в хранилище.
type Service struct {
	client  llm.Client
	store   conversation.Store
	cfg     config.ChatConfig
	policy  retry.Policy
	relay   *relay.Relay
	tracer  trace.Tracer
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// Deps зависимости Service. Store может быть nil: тогда ответы не сохраняются.
type Deps struct {
	Client  llm.Client
	Store   conversation.Store
	Chat    config.ChatConfig
	Retry   retry.Policy
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

func NewService(deps Deps) *Service {
	s := &Service{
		client:  deps.Client,
		store:   deps.Store,
		cfg:     deps.Chat,
		policy:  deps.Retry,
		tracer:  deps.Tracer,
		metrics: deps.Metrics,
		logger:  deps.Logger,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if s.tracer == nil || s.metrics == nil {
		noop := telemetry.Noop()
		if s.tracer == nil {
			s.tracer = noop.Tracer
		}
		if s.metrics == nil {
			s.metrics, _ = telemetry.NewMetrics(noop.Meter)
		}
	}

	onRetry := s.policy.OnRetry
	s.policy.OnRetry = func(ctx context.Context, reason string) {
		s.metrics.Retries.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		if onRetry != nil {
			onRetry(ctx, reason)
		}
	}

	s.relay = relay.New(relay.Config{
		StallTimeout:    s.cfg.StallTimeout,
		KeepAliveMarker: s.cfg.KeepAliveMarker,
		Describe:        func(err error) string { return Classify(err).Message },
	})
	return s
}

// Reply непотоковый путь: один полный ответ, не больше двух попыток.
func (s *Service) Reply(ctx context.Context, in Input) (string, error) {
	req, err := s.prepare(in, s.cfg.ReplyMaxTokens)
	if err != nil {
		return "", err
	}
	reply, err := s.completeOnce(ctx, req)
	if err != nil {
		return "", err
	}
	s.persist(ctx, in, reply)
	return reply, nil
}

// Outcome итог потокового ответа.
type Outcome struct {
	State relay.State
	// Text текст, который получил клиент (без keep-alive).
	Text string
	// Wrote в тело ответа уже что-то записано, статус менять поздно.
	Wrote bool
	// ErrorWritten терминальный фрагмент с ошибкой уже дописан в тело.
	ErrorWritten bool
	FellBack     bool
	Err          error
}

// Stream потоковый путь. Если стрим упал, не показав ни одного фрагмента,
// выполняется ровно один полный запрос с тем же ChatRequest, а его текст
// пишется одной записью.
func (s *Service) Stream(ctx context.Context, w io.Writer, clientGone <-chan struct{}, in Input) Outcome {
	req, err := s.prepare(in, s.cfg.StreamMaxTokens)
	if err != nil {
		return Outcome{State: relay.Failed, Err: err}
	}

	stream, err := retry.Do(ctx, s.policy, s.logger, func(ctx context.Context) (llm.Stream, error) {
		return observe(s, ctx, "stream", req, func(ctx context.Context) (llm.Stream, error) {
			return s.client.CompleteStreaming(ctx, req)
		})
	})

	var res relay.Result
	if err != nil {
		// Стрим не открылся: клиент ничего не видел, можно отвечать целиком.
		res = relay.Result{State: relay.Failed, Err: err}
	} else {
		res = s.relay.Run(ctx, w, clientGone, stream)
	}
	if res.KeepAliveSent {
		s.metrics.KeepAlives.Add(ctx, 1)
	}

	out := Outcome{
		State:        res.State,
		Text:         res.Text,
		Wrote:        res.Wrote(),
		ErrorWritten: res.State == relay.Failed && res.Deltas > 0,
		Err:          res.Err,
	}

	switch {
	case res.State == relay.Completed:
		s.persist(ctx, in, res.Text)
		return s.finish(ctx, out)
	case res.State == relay.Aborted:
		out.Err = ErrClientAborted
		return s.finish(ctx, out)
	case !res.FallbackEligible():
		return s.finish(ctx, out)
	}

	select {
	case <-clientGone:
		out.State = relay.Aborted
		out.Err = ErrClientAborted
		return s.finish(ctx, out)
	default:
	}

	s.logger.Warn("stream failed before first delta, falling back to full reply",
		slog.String("error", res.Err.Error()))
	s.metrics.Fallbacks.Add(ctx, 1)
	out.FellBack = true

	text, err := s.completeOnce(ctx, req)
	if err != nil {
		out.Err = err
		return s.finish(ctx, out)
	}
	if _, err := io.WriteString(w, text); err != nil {
		out.State = relay.Aborted
		out.Err = ErrClientAborted
		return s.finish(ctx, out)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	out.State = relay.Completed
	out.Text = text
	out.Wrote = true
	out.Err = nil
	s.persist(ctx, in, text)
	return s.finish(ctx, out)
}

func (s *Service) finish(ctx context.Context, out Outcome) Outcome {
	s.metrics.Outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", out.State.String()),
		attribute.Bool("fallback", out.FellBack),
	))
	return out
}

// Probe однотокенный запрос для /diag.
func (s *Service) Probe(ctx context.Context) (string, error) {
	req := llm.ChatRequest{
		Messages:        []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
		Model:           s.cfg.Model,
		Temperature:     0,
		MaxOutputTokens: 1,
	}
	content, err := s.completeOnce(ctx, req)
	if errors.Is(err, llm.ErrEmptyResponse) {
		// Один токен может не дать текста, но провайдер ответил.
		return "", nil
	}
	return content, err
}

func (s *Service) completeOnce(ctx context.Context, req llm.ChatRequest) (string, error) {
	return retry.Do(ctx, s.policy, s.logger, func(ctx context.Context) (string, error) {
		return observe(s, ctx, "complete", req, func(ctx context.Context) (string, error) {
			return s.client.CompleteOnce(ctx, req)
		})
	})
}

// observe оборачивает одну попытку в span и метрики.
func observe[T any](s *Service, ctx context.Context, op string, req llm.ChatRequest, call func(ctx context.Context) (T, error)) (T, error) {
	attrs := []attribute.KeyValue{
		attribute.String("op", op),
		attribute.String("llm.model", req.Model),
	}
	ctx, span := s.tracer.Start(ctx, "upstream."+op, trace.WithAttributes(
		append(attrs, attribute.Int("llm.messages", len(req.Messages)))...,
	))
	defer span.End()

	s.metrics.Attempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	start := time.Now()
	value, err := call(ctx)
	s.metrics.Duration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
		append(attrs, attribute.Bool("ok", err == nil))...,
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return value, err
}

// persist сохраняет обмен [последнее сообщение пользователя, ответ].
// Ошибки хранилища только логируются: ответ пользователю уже получен.
func (s *Service) persist(ctx context.Context, in Input, reply string) {
	id := in.ConversationID
	if s.store == nil || id == "" || conversation.IsLocalID(id) {
		return
	}
	userText, ok := lastUserMessage(in)
	if !ok {
		s.logger.Warn("skip persisting reply without user message", slog.String("conversation_id", id))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	err := s.store.Append(ctx, id,
		conversation.Message{Role: llm.RoleUser, Content: userText},
		conversation.Message{Role: llm.RoleAssistant, Content: reply},
	)
	if err != nil {
		s.logger.Error("failed to persist conversation turn",
			slog.String("conversation_id", id),
			slog.String("error", err.Error()))
	}
}
