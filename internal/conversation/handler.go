package conversation

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"chatproxy/internal/httpserver"
	"chatproxy/internal/llm"
)

const maxBodyBytes = 1 << 20

// Handler HTTP-обёртка над Store. Без хранилища все маршруты отвечают 501.
type Handler struct {
	store  Store
	logger *slog.Logger
}

func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// Routes маршруты относительно /conversations.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requireStore)

	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Route("/{id}", func(r chi.Router) {
		r.Use(rejectLocalID)
		r.Patch("/", h.rename)
		r.Delete("/", h.remove)
		r.Get("/messages", h.listMessages)
		r.Post("/messages", h.appendMessages)
	})
	return r
}

func (h *Handler) requireStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.store == nil {
			httpserver.WriteJSONError(w, http.StatusNotImplemented, "Conversation store not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rejectLocalID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsLocalID(chi.URLParam(r, "id")) {
			httpserver.WriteJSONError(w, http.StatusBadRequest, "local conversations are not stored on the server")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createRequest struct {
	Title    string         `json:"title"`
	Metadata map[string]any `json:"metadata"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeOptional(w, r, &req); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	conv, err := h.store.Create(r.Context(), req.Title, req.Metadata)
	if err != nil {
		h.fail(w, r, "create conversation", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]string{"id": conv.ID})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	convs, err := h.store.List(r.Context())
	if err != nil {
		h.fail(w, r, "list conversations", err)
		return
	}
	// В списке только id, title и created_at.
	for i := range convs {
		convs[i].Metadata = nil
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.store.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "read messages", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type appendRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func (h *Handler) appendMessages(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if err := decodeOptional(w, r, &req); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Записи без роли или текста пропускаются.
	rows := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := strings.TrimSpace(m.Role)
		if role == "" || m.Content == "" {
			continue
		}
		rows = append(rows, Message{Role: llm.Role(role), Content: m.Content})
	}
	if len(rows) == 0 {
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "inserted": 0})
		return
	}

	if err := h.store.Append(r.Context(), chi.URLParam(r, "id"), rows...); err != nil {
		h.fail(w, r, "append messages", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "inserted": len(rows)})
}

type renameRequest struct {
	Title string `json:"title"`
}

func (h *Handler) rename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeOptional(w, r, &req); err != nil {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		httpserver.WriteJSONError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := h.store.Rename(r.Context(), chi.URLParam(r, "id"), req.Title); err != nil {
		h.fail(w, r, "rename conversation", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, "delete conversation", err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, ErrNotFound) {
		httpserver.WriteJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if h.logger != nil {
		h.logger.Error("conversation store failed",
			slog.String("op", op),
			slog.String("conversation_id", chi.URLParam(r, "id")),
			slog.String("error", err.Error()))
	}
	httpserver.WriteJSONError(w, http.StatusInternalServerError, err.Error())
}

// decodeOptional пустое тело не считается ошибкой.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) error {
	err := httpserver.DecodeJSON(w, r, maxBodyBytes, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
