// Package main is the entry point for the conversation gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-ai/conversation-gateway/internal/config"
	"github.com/parley-ai/conversation-gateway/internal/handler"
	"github.com/parley-ai/conversation-gateway/internal/middleware"
	"github.com/parley-ai/conversation-gateway/internal/orchestrator"
	"github.com/parley-ai/conversation-gateway/internal/sink"
	"github.com/parley-ai/conversation-gateway/internal/upstream"
	"github.com/parley-ai/conversation-gateway/pkg/logger"
	"github.com/parley-ai/conversation-gateway/pkg/tracing"
)

func main() {
	// Load .env for local development before reading the environment.
	_ = godotenv.Load()

	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting conversation gateway")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "conversation-gateway", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", "error", err)
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	if cfg.UpstreamAPIKey == "" {
		log.Warn("UPSTREAM_API_KEY is empty; upstream calls will be rejected")
	}

	client := upstream.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.UpstreamTimeout, log)

	// Optional turn archive.
	var natsClient *sink.Client
	var archiver orchestrator.TurnArchiver
	if cfg.NATSURL != "" {
		natsClient, err = sink.Connect(sink.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		turnArchiver := sink.NewArchiver(natsClient)
		if err := turnArchiver.EnsureStream(ctx); err != nil {
			log.Error("failed to ensure archive stream", "error", err)
			os.Exit(1)
		}
		archiver = turnArchiver
	}

	// App parameters drive input validation and the suggestion fetch.
	// A failure here degrades to an unconfigured app rather than
	// preventing startup.
	paramsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	params, err := client.AppParameters(paramsCtx, "gateway")
	cancel()
	if err != nil {
		log.Warn("failed to fetch app parameters", "error", err)
	}

	registry := orchestrator.NewRegistry(client, archiver, params, log)

	healthHandler := handler.NewHealthHandler(client, natsClient)
	conversationHandler := handler.NewConversationHandler(registry, log)
	chatHandler := handler.NewChatHandler(registry, log)
	fileHandler := handler.NewFileHandler(client, registry, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", conversationHandler.Create)
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/name", conversationHandler.Rename)
				r.Delete("/", conversationHandler.Delete)
				r.Get("/messages", conversationHandler.Messages)
			})
		})

		r.Route("/chat/{id}", func(r chi.Router) {
			r.Post("/messages", chatHandler.Send)
			r.Post("/stop", chatHandler.Stop)
			r.Get("/suggested", chatHandler.Suggested)
		})

		r.Get("/parameters", chatHandler.Parameters)
		r.Post("/messages/{id}/feedbacks", fileHandler.Feedback)
		r.Post("/files/upload", fileHandler.Upload)
	})

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     r,
		ReadTimeout: cfg.ServerReadTimeout,
		// WriteTimeout stays unset by default: SSE relays are
		// long-lived.
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}
