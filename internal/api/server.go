package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medstore-io/medstore/internal/api/middleware"
	"github.com/medstore-io/medstore/internal/ingestion"
	"github.com/medstore-io/medstore/internal/storage"
)

const serviceName = "medstore"

type (
	// StoreProcessor runs a batch of instance entries. *ingestion.Pipeline implements it.
	StoreProcessor interface {
		Process(
			ctx context.Context,
			entries []ingestion.InstanceEntry,
			requiredStudyInstanceUID string,
		) (*ingestion.StoreResponse, error)
	}

	// HealthChecker reports whether a backend can serve requests.
	HealthChecker interface {
		HealthCheck(ctx context.Context) error
	}

	// Dependencies are the runtime collaborators of a Server.
	Dependencies struct {
		// Processor handles store requests. Required.
		Processor StoreProcessor

		// Readiness checks run by /ready, keyed by a name reported on failure.
		Readiness map[string]HealthChecker

		// APIKeyStore enables authentication when set.
		APIKeyStore storage.APIKeyStore

		// RateLimiter enables rate limiting when set.
		RateLimiter middleware.RateLimiter

		// Closers are closed in order after the HTTP server stops.
		Closers []io.Closer

		// Logger defaults to a JSON handler on stdout at the configured level.
		Logger *slog.Logger

		Version string
	}
)

// Server is the medstore HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
	config     *ServerConfig
	deps       Dependencies
	startTime  time.Time
}

// NewServer builds the route table and middleware chain.
func NewServer(cfg *ServerConfig, deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}

	if deps.Version == "" {
		deps.Version = "dev"
	}

	s := &Server{
		logger:    logger,
		config:    cfg,
		deps:      deps,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	if deps.APIKeyStore == nil {
		logger.Warn("APIKeyStore not configured - authentication disabled")
	}

	if deps.RateLimiter == nil {
		logger.Warn("RateLimiter not configured - rate limiting disabled")
	}

	// Auth runs before rate limiting so limits apply per client.
	s.handler = middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAuth(deps.APIKeyStore, logger),
		middleware.WithRateLimit(deps.RateLimiter, logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return s.Run(ctx)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	listener, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}

	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.startTime = time.Now()

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting medstore API server",
			slog.String("address", listener.Addr().String()),
			slog.String("version", s.deps.Version),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Int64("max_request_size", s.config.MaxRequestSize),
		)

		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}

		close(serverErrors)
	}()

	select {
	case err, ok := <-serverErrors:
		if ok {
			s.logger.Error("Server failed", slog.String("error", err.Error()))
			s.closeDependencies()

			return err
		}

		return nil
	case <-ctx.Done():
		s.logger.Info("Received shutdown signal")

		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown", slog.Duration("shutdown_timeout", s.config.ShutdownTimeout))

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)
	}

	s.closeDependencies()

	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("Server shutdown completed successfully")

	return nil
}

func (s *Server) closeDependencies() {
	closers := make([]io.Closer, 0, len(s.deps.Closers)+1)

	if limiter, ok := s.deps.RateLimiter.(io.Closer); ok {
		closers = append(closers, limiter)
	}

	closers = append(closers, s.deps.Closers...)

	for _, c := range closers {
		if err := c.Close(); err != nil {
			s.logger.Error("Failed to close dependency",
				slog.String("dependency", fmt.Sprintf("%T", c)),
				slog.String("error", err.Error()),
			)
		}
	}
}
