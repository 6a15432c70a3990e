package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"

	"github.com/ashureev/shsh-tutor/internal/config"
	"github.com/ashureev/shsh-tutor/internal/generation"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// newBackend builds the configured generation backend. The returned cleanup
// releases its connections.
func newBackend(ctx context.Context, cfg config.GenerationConfig, logger *slog.Logger) (generation.Port, func(), error) {
	switch cfg.Provider {
	case "openai":
		p, err := generation.NewOpenAI(generation.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.Model,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	case "gemini":
		p, err := generation.NewGemini(ctx, generation.GeminiConfig{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.Model,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	case "grpc":
		c, err := generation.NewGRPCClient(generation.DefaultGRPCClientConfig(cfg.GRPCAddr), logger)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case "socratic", "":
		return generation.NewSocratic(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}

func runServeGeneration(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Generation.Provider == "grpc" {
		return errors.New("serve-generation cannot proxy another gRPC backend; choose socratic, openai or gemini")
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := newBackend(ctx, cfg.Generation, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize generation backend: %w", err)
	}
	defer closeBackend()
	backend = generation.NewLimited(backend, cfg.Generation.MaxConcurrent)

	lis, err := net.Listen("tcp", cfg.Generation.GRPCListen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Generation.GRPCListen, err)
	}

	srv := grpc.NewServer()
	hs := generation.RegisterServer(srv, backend, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Generation service listening", "addr", lis.Addr().String(), "backend", backend.Name())
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down generation service...")
		hs.SetServingStatus(generation.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		srv.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	logger.Info("Generation service stopped")
	return nil
}
