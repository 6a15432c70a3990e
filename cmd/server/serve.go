package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/shsh-tutor/internal/api"
	"github.com/ashureev/shsh-tutor/internal/config"
	"github.com/ashureev/shsh-tutor/internal/generation"
	"github.com/ashureev/shsh-tutor/internal/identity"
	"github.com/ashureev/shsh-tutor/internal/middleware"
	"github.com/ashureev/shsh-tutor/internal/store"
	"github.com/ashureev/shsh-tutor/internal/transcript"
	"github.com/ashureev/shsh-tutor/internal/tutor"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func openRepository(cfg config.DatabaseConfig) (store.Repository, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "postgres":
		repo, err := store.NewPostgres(cfg.URL)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		repo, err := store.NewSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
}

func turnConfig(cfg *config.Config) tutor.Config {
	tc := tutor.DefaultConfig()
	tc.MaxRetries = cfg.Turn.MaxRetries
	tc.TurnTimeout = cfg.Turn.Timeout
	tc.AttemptTimeout = cfg.Turn.AttemptTimeout
	tc.MaxStreamBytes = cfg.Turn.MaxStreamBytes
	tc.TokenBudget = cfg.Turn.PromptTokenBudget
	tc.Params = generation.Params{
		MaxTokens:   cfg.Generation.MaxTokens,
		Temperature: generation.Temperature(cfg.Generation.Temperature),
	}
	tc.AssessmentEnabled = cfg.Turn.AssessmentEnabled
	tc.AssessmentTurns = cfg.Turn.AssessmentTurns
	tc.DefaultLesson = cfg.Turn.DefaultLesson
	tc.DefaultProfile = cfg.Turn.DefaultProfile
	return tc
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()
	logger.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	set, err := loadTemplates(cfg.TemplatesDir)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	logger.Info("Templates loaded", "profiles", set.ProfileIDs(), "lessons", set.LessonIDs())

	repo, err := openRepository(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	logger.Info("Database connected", "driver", cfg.Database.Driver)

	backend, closeBackend, err := newBackend(ctx, cfg.Generation, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize generation backend: %w", err)
	}
	defer closeBackend()
	backend = generation.NewLimited(backend, cfg.Generation.MaxConcurrent)
	logger.Info("Generation backend ready", "backend", backend.Name(), "max_concurrent", cfg.Generation.MaxConcurrent)

	transcripts, err := transcript.New(transcript.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			logger.Warn("Failed to close conversation logger", "error", closeErr)
		}
	}()

	orch, err := tutor.New(turnConfig(cfg), repo, set, backend,
		tutor.WithLogger(logger),
		tutor.WithTranscript(transcripts),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	handler := api.NewHandler(orch, repo, api.Config{
		MaxRequestBodySize: cfg.HTTP.MaxRequestBodySize,
		KeepaliveInterval:  cfg.HTTP.KeepaliveInterval,
		AllowedOrigin:      cfg.FrontendURL,
		IsDev:              cfg.IsDevelopment(),
	}, logger)

	limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitPerMinute, cfg.HTTP.RateLimitBurst, 10*time.Minute)
	limiter.StartEviction(ctx)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(middleware.CORSConfig{
		FrontendURL: cfg.FrontendURL,
		IsDev:       cfg.IsDevelopment(),
	}))

	r.Get("/health", handler.Health)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		r.Use(middleware.RateLimit(limiter, func(r *http.Request) string {
			return identity.LearnerIDFromContext(r.Context())
		}))
		handler.RegisterRoutes(r)
	})

	// SSE turns stream for up to the turn timeout, so no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	store.StartRetentionWorker(ctx, repo, cfg.Database.TurnRetention, cfg.Database.PruneInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Turn.Timeout+5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped successfully")
	return nil
}
