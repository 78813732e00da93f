// Package main is the entry point for the avatar relay server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/avatar-relay/internal/config"
	"github.com/capitalize-ai/avatar-relay/internal/handler"
	"github.com/capitalize-ai/avatar-relay/internal/heygen"
	"github.com/capitalize-ai/avatar-relay/internal/middleware"
	natsclient "github.com/capitalize-ai/avatar-relay/internal/nats"
	"github.com/capitalize-ai/avatar-relay/internal/realtime"
	"github.com/capitalize-ai/avatar-relay/internal/service"
	"github.com/capitalize-ai/avatar-relay/internal/webhook"
	"github.com/capitalize-ai/avatar-relay/internal/wotnot"
	"github.com/capitalize-ai/avatar-relay/pkg/logger"
	"github.com/capitalize-ai/avatar-relay/pkg/tracing"
)

const serviceName = "avatar-relay"

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var (
		log *logger.Logger
		err error
	)
	if os.Getenv("ENV") == "development" {
		log, err = logger.NewDevelopment()
	} else {
		log, err = logger.New(cfg.LogLevel)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetGlobal(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info("starting avatar relay", zap.String("port", cfg.ServerPort))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Remote platforms
	bot, err := wotnot.NewClient(wotnot.Config{
		BaseURL: cfg.WotNotBaseURL,
		APIKey:  cfg.WotNotAPIKey,
		BotKey:  cfg.BotKey,
		Timeout: cfg.UpstreamTimeout,
	}, log)
	if err != nil {
		return err
	}
	avatars, err := heygen.NewClient(heygen.Config{
		BaseURL:     cfg.HeyGenBaseURL,
		APIKey:      cfg.HeyGenAPIKey,
		Quality:     cfg.AvatarQuality,
		IdleTimeout: cfg.AvatarIdleTimeout,
		Timeout:     cfg.UpstreamTimeout,
	}, log)
	if err != nil {
		return err
	}

	// Live updates: the hub serves this replica's sockets; with NATS every
	// replica receives every update and delivers to the rooms it holds.
	hub := realtime.NewHub(cfg.AllowedOrigins, log)
	defer hub.Close()

	var (
		broadcaster service.Broadcaster = hub
		natsClient  *natsclient.Client
		fanout      *natsclient.Fanout
	)
	if cfg.NATSEnabled() {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		natsClient, err = natsclient.Connect(connectCtx, natsclient.Config{
			Name:     serviceName,
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		cancel()
		if err != nil {
			return err
		}
		defer natsClient.Close()

		fanout = natsclient.NewFanout(natsClient.Conn(), hub, log)
		broadcaster = fanout
	} else {
		log.Info("NATS_URL not set, live updates stay on this replica")
	}

	// Initialize services
	registry := service.NewRegistry(bot, avatars, broadcaster, log,
		service.WithDefaultAvatar(cfg.DefaultAvatarID, cfg.DefaultVoiceID),
		service.WithMaxTransportAttempts(cfg.MaxTransportAttempts),
		service.WithGreetingDelay(cfg.GreetingDelay),
	)
	defer registry.Close()

	dispatcher := webhook.NewDispatcher(cfg.WebhookToken, registry, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsClient, registry)
	chatHandler := handler.NewChatHandler(registry, log)
	webhookHandler := handler.NewWebhookHandler(dispatcher, log)
	adminHandler := handler.NewAdminHandler(registry, cfg.SessionIdleTimeout, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recover(log))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Browser realtime channel
	r.Handle("/ws", hub)

	// Bot platform callbacks, authenticated by the shared webhook token
	r.With(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).
		Post("/webhook/wotnot", webhookHandler.Receive)

	// Public browser API
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Post("/start-chat", chatHandler.Start)
			r.Post("/send-message", chatHandler.Send)
			r.Post("/stop-chat", chatHandler.Stop)
			r.Get("/avatars", chatHandler.Avatars)
			r.Get("/sessions/{visitorID}/messages", chatHandler.History)
		})

		// Operator API
		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.RequireScope(middleware.ScopeAdmin))
			r.Use(middleware.SubjectRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Get("/sessions", adminHandler.ListSessions)
			r.Delete("/sessions/{visitorID}", adminHandler.EndSession)
			r.Post("/sweep", adminHandler.Sweep)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		return registry.RunSweeper(gctx, cfg.SessionSweepInterval, cfg.SessionIdleTimeout)
	})

	if fanout != nil {
		g.Go(func() error {
			return fanout.Run(gctx, natsClient.Conn())
		})
	}

	return g.Wait()
}
