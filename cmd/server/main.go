// dndgpt - retrieval-augmented Dungeon Master chat server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/dndgpt/internal/api"
	"github.com/ashureev/dndgpt/internal/chat"
	"github.com/ashureev/dndgpt/internal/completion"
	"github.com/ashureev/dndgpt/internal/config"
	"github.com/ashureev/dndgpt/internal/health"
	"github.com/ashureev/dndgpt/internal/identity"
	"github.com/ashureev/dndgpt/internal/middleware"
	"github.com/ashureev/dndgpt/internal/monster"
	"github.com/ashureev/dndgpt/internal/prompt"
	"github.com/ashureev/dndgpt/internal/relay"
	"github.com/ashureev/dndgpt/internal/retention"
	"github.com/ashureev/dndgpt/internal/retrieval"
	"github.com/ashureev/dndgpt/internal/store"
	"github.com/ashureev/dndgpt/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(cfg.Telemetry.Enabled, cfg.Telemetry.Dir)
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("Failed to flush traces", "error", err)
		}
	}()
	metrics := telemetry.NewMetrics()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	azure := completion.NewAzureClient(cfg.Azure)
	source := completion.NewAzureSource(azure, cfg.Azure.ChatDeployment, cfg.Azure.Temperature, cfg.Stream.CompletionTimeout)
	embedder := completion.NewAzureEmbedder(azure, cfg.Azure.EmbeddingDeployment, 0)

	// A missing or unreadable index is fatal; run cmd/ingest first.
	retriever, err := retrieval.NewRetriever(ctx, embedder, cfg.IndexPath, cfg.Retrieval.TopK,
		retrieval.WithReloadHook(metrics.ObserveIndexReload))
	if err != nil {
		slog.Error("Failed to load rulebook index", "path", cfg.IndexPath, "error", err)
		os.Exit(1)
	}
	slog.Info("Rulebook index loaded", "path", cfg.IndexPath, "chunks", retriever.Index().Len())
	go func() {
		if err := retriever.Watch(ctx); err != nil {
			slog.Warn("Index watcher stopped, hot reload disabled", "error", err)
		}
	}()

	composer, err := prompt.NewComposer(prompt.WithMaxInjection(cfg.Prompt.MaxInjection))
	if err != nil {
		slog.Error("Failed to initialize prompt composer", "error", err)
		os.Exit(1)
	}

	svc, err := chat.NewService(chat.Deps{
		Retriever: retriever,
		Source:    source,
		Composer:  composer,
		Sessions:  repo,
		Monsters:  monster.NewClient(cfg.Monster.APIURL, cfg.Monster.PageSize, cfg.Monster.Timeout),
		Relay:     relay.New(cfg.Stream.Delay, cfg.Stream.Buffer),
		Query:     cfg.Retrieval.Query,
	})
	if err != nil {
		slog.Error("Failed to initialize chat service", "error", err)
		os.Exit(1)
	}

	conversationLogger, err := chat.NewConversationLogger(chat.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	chatHandler := chat.NewHandler(svc,
		chat.WithConversationLogger(conversationLogger),
		chat.WithMetrics(metrics),
		chat.WithRateLimit(limiter.Middleware),
		chat.WithMaxBodySize(cfg.Stream.MaxRequestBodySize),
		chat.WithAllowedOrigin(cfg.FrontendURL, cfg.IsDevelopment()),
	)
	defer chatHandler.Close()

	healthHandler := api.NewHealthHandler(map[string]api.Pinger{
		"database": repo,
		"index":    retriever,
	}, 0)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", metrics.Handler())

	// Chat routes need an anonymous identity to key the session slot.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		chatHandler.RegisterRoutes(r)
	})

	// Create server.
	// Replies stream for as long as the model talks, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	worker := &retention.Worker{
		Store:   repo,
		Pruners: []retention.Pruner{limiter},
		TTL:     cfg.SessionTTL,
	}
	worker.Start(ctx)

	if cfg.Telemetry.GRPCHealthAddr != "" {
		grpcHealth := health.NewServer(map[string]health.Checker{
			"database": repo,
			"index":    retriever,
		}, 0)
		go func() {
			if err := grpcHealth.ListenAndServe(ctx, cfg.Telemetry.GRPCHealthAddr); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
