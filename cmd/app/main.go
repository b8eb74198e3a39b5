package main

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"chatproxy/internal/chat"
	"chatproxy/internal/config"
	"chatproxy/internal/conversation"
	"chatproxy/internal/httpserver"
	"chatproxy/internal/llm"
	"chatproxy/internal/middleware"
	"chatproxy/internal/retry"
	"chatproxy/internal/telemetry"
	"chatproxy/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatalf("failed to init telemetry: %v", err)
	}
	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		log.Fatalf("failed to init metrics: %v", err)
	}

	httpClient := transport.NewHTTPClient(cfg.RequestTimeout)
	llmClient, err := llm.NewClient(cfg.Upstream, httpClient, logger)
	if err != nil {
		log.Fatalf("failed to init llm client: %v", err)
	}

	store, err := conversation.NewStore(cfg.Store, httpClient)
	if err != nil {
		log.Fatalf("failed to init conversation store: %v", err)
	}

	chatService := chat.NewService(chat.Deps{
		Client: llmClient,
		Store:  store,
		Chat:   cfg.Chat,
		Retry: retry.Policy{
			Deadline:       cfg.Retry.Deadline,
			SecondDeadline: cfg.Retry.SecondDeadline,
			BaseDelay:      cfg.Retry.BaseDelay,
			Jitter:         cfg.Retry.Jitter,
		},
		Tracer:  provider.Tracer,
		Metrics: metrics,
		Logger:  logger,
	})
	chatHandler := chat.NewHandler(chatService, chat.HandlerConfig{
		StreamTimeout: cfg.Chat.StreamTimeout,
		HasKey:        cfg.Upstream.APIKey() != "",
	}, logger)
	conversationHandler := conversation.NewHandler(store, logger)

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		Window:  cfg.RateLimit.Window,
		Max:     cfg.RateLimit.MaxRequests,
		Enabled: cfg.IsProduction(),
	})
	go limiter.Run(ctx)

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Logger:        logger,
		Chat:          chatHandler,
		Conversations: conversationHandler.Routes(),
		Health: httpserver.HealthInfo{
			HasKey:               cfg.Upstream.APIKey() != "",
			HasConversationStore: store != nil,
			Port:                 cfg.Port,
			Prod:                 cfg.IsProduction(),
			KeyPreview:           cfg.Upstream.KeyPreview(),
			Provider:             cfg.Upstream.Provider,
		},
		RateLimit: limiter.Middleware,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		// Потоковый ответ живёт дольше обычного запроса.
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("provider", cfg.Upstream.Provider),
			slog.String("store", cfg.Store.StoreDriver()),
			slog.Bool("prod", cfg.IsProduction()),
		)
		if cfg.Upstream.APIKey() == "" {
			logger.Warn("upstream API key is not set, chat requests will fail")
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	if closer, ok := store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Error("store close error", slog.String("error", err.Error()))
		}
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}
