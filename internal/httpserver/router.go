package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatproxy/internal/middleware"
)

// ChatHandler чат-эндпоинты: полный ответ, поток и диагностика провайдера.
type ChatHandler interface {
	Reply(w http.ResponseWriter, r *http.Request)
	Stream(w http.ResponseWriter, r *http.Request)
	Diag(w http.ResponseWriter, r *http.Request)
}

type RouterDeps struct {
	Logger        *slog.Logger
	Chat          ChatHandler
	Conversations http.Handler
	Health        HealthInfo
	// RateLimit оборачивает чат, диагностику и диалоги; nil отключает ограничение.
	RateLimit func(http.Handler) http.Handler
}

// NewRouter собирает chi-роутер с общими middleware. Одни и те же маршруты
// доступны от корня и под /api для браузерного клиента.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(deps.Logger))
	r.Use(middleware.Logging(deps.Logger))
	r.Use(middleware.CORS)

	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	r.Mount("/api", apiRoutes(deps))
	r.Mount("/", apiRoutes(deps))

	return r
}

func apiRoutes(deps RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", healthHandler(deps.Health))

	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit)
		}
		r.Post("/chat", deps.Chat.Reply)
		r.Post("/chat/stream", deps.Chat.Stream)
		r.Get("/diag", deps.Chat.Diag)
		if deps.Conversations != nil {
			r.Mount("/conversations", deps.Conversations)
		}
	})
	return r
}
