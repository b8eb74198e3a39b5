package chat

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"chatproxy/internal/httpserver"
	"chatproxy/internal/relay"
)

const maxBodyBytes = 1 << 20

// Handler HTTP-эндпоинты /chat, /chat/stream и /diag.
type Handler struct {
	svc           *Service
	streamTimeout time.Duration
	hasKey        bool
	logger        *slog.Logger
}

type HandlerConfig struct {
	// StreamTimeout общий предел для потокового ответа, не зависит от клиента.
	StreamTimeout time.Duration
	// HasKey настроен ли ключ провайдера; без него /diag сразу отвечает 500.
	HasKey bool
}

func NewHandler(svc *Service, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Handler{svc: svc, streamTimeout: cfg.StreamTimeout, hasKey: cfg.HasKey, logger: logger}
}

// Reply POST /chat.
func (h *Handler) Reply(w http.ResponseWriter, r *http.Request) {
	var in Input
	if err := httpserver.DecodeJSON(w, r, maxBodyBytes, &in); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	reply, err := h.svc.Reply(r.Context(), in)
	if err != nil {
		f := Classify(err)
		h.logFailure(r, "chat", f, err)
		if f.Kind == KindAborted {
			return
		}
		httpserver.WriteJSONError(w, f.Status, f.Message)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// Stream POST /chat/stream: тело text/plain из сырых фрагментов без разметки.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	var in Input
	if err := httpserver.DecodeJSON(w, r, maxBodyBytes, &in); err != nil {
		writeTextError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("X-Accel-Buffering", "no")

	// Вызов провайдера не отменяется вместе с соединением клиента: отключение
	// только прекращает запись, а освобождение ресурсов ограничено таймаутом.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.streamTimeout)
	defer cancel()

	out := h.svc.Stream(ctx, w, r.Context().Done(), in)
	logAttrs := []any{
		slog.String("state", out.State.String()),
		slog.Bool("fallback", out.FellBack),
		slog.Int("chars", len(out.Text)),
	}
	if out.Err == nil {
		h.logger.Info("chat stream finished", logAttrs...)
		return
	}

	f := Classify(out.Err)
	h.logFailure(r, "chat_stream", f, out.Err, logAttrs...)
	switch {
	case f.Kind == KindAborted || out.State == relay.Aborted:
		return
	case out.ErrorWritten:
		return
	case !out.Wrote:
		writeTextError(w, f.Status, f.Message)
	default:
		// Уже ушёл keep-alive: статус не изменить, ошибка идёт в тело.
		_, _ = io.WriteString(w, "\n\nError: "+f.Message)
	}
}

type diagResponse struct {
	OK      bool   `json:"ok"`
	MS      int64  `json:"ms"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Diag GET /diag: однотокенный запрос к провайдеру с замером времени.
func (h *Handler) Diag(w http.ResponseWriter, r *http.Request) {
	if !h.hasKey {
		httpserver.WriteJSON(w, http.StatusInternalServerError, diagResponse{Error: "Missing upstream API key"})
		return
	}

	start := time.Now()
	content, err := h.svc.Probe(r.Context())
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		h.logger.Warn("diag probe failed", slog.Int64("ms", elapsed), slog.String("error", err.Error()))
		httpserver.WriteJSON(w, http.StatusBadGateway, diagResponse{MS: elapsed, Error: rawMessage(err)})
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, diagResponse{OK: true, MS: elapsed, Content: content})
}

func (h *Handler) logFailure(r *http.Request, route string, f Failure, err error, attrs ...any) {
	attrs = append(attrs,
		slog.String("route", route),
		slog.String("kind", string(f.Kind)),
		slog.Int("status", f.Status),
		slog.String("error", err.Error()),
		slog.String("request_id", r.Header.Get("X-Request-ID")),
	)
	switch f.Kind {
	case KindAborted:
		h.logger.Info("chat request stopped by client (stopped)", attrs...)
	case KindValidation:
		h.logger.Info("chat request rejected", attrs...)
	default:
		h.logger.Error("chat request failed", attrs...)
	}
}

func writeTextError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, "Error: "+message)
}
