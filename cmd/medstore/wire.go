package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/medstore-io/medstore/internal/api"
	"github.com/medstore-io/medstore/internal/api/middleware"
	"github.com/medstore-io/medstore/internal/changefeed"
	"github.com/medstore-io/medstore/internal/config"
	"github.com/medstore-io/medstore/internal/ingestion"
	"github.com/medstore-io/medstore/internal/storage"
	"github.com/medstore-io/medstore/migrations"
)

const (
	authBackendEnv      = "env"
	authBackendPostgres = "postgres"
)

var (
	errUnknownAuthBackend = errors.New("unknown auth backend")
	errAuthNeedsDatabase  = errors.New("auth backend requires DATABASE_URL")
)

// runtimeConfig holds the settings that only the composition root reads.
type runtimeConfig struct {
	AutoMigrate    bool
	MaxParallelism int
	// AuthBackend selects where API keys live: MEDSTORE_API_KEYS or the api_keys table.
	AuthBackend string
	Storage     *storage.Config
	Blobs       *storage.BlobConfig
	ChangeFeed  *changefeed.Config
	RateLimit   *middleware.RateLimitConfig
}

func loadRuntimeConfig() *runtimeConfig {
	return &runtimeConfig{
		AutoMigrate:    config.GetEnvBool("MEDSTORE_AUTO_MIGRATE", false),
		MaxParallelism: config.GetEnvInt("MEDSTORE_MAX_PARALLELISM", ingestion.DefaultMaxParallelism),
		AuthBackend:    strings.ToLower(config.GetEnvStr("MEDSTORE_AUTH_BACKEND", authBackendEnv)),
		Storage:        storage.LoadConfig(),
		Blobs:          storage.LoadBlobConfig(),
		ChangeFeed:     changefeed.LoadConfig(),
		RateLimit:      middleware.LoadRateLimitConfig(),
	}
}

// buildDependencies constructs every backend of the store pipeline. Resources
// opened before a failure are closed before returning.
func buildDependencies(
	ctx context.Context,
	serverConfig *api.ServerConfig,
	rc *runtimeConfig,
	logger *slog.Logger,
) (deps api.Dependencies, err error) {
	var closers []io.Closer

	defer func() {
		if err != nil {
			closeAll(closers, logger)
		}
	}()

	conn, err := openDatabase(ctx, rc, logger)
	if err != nil {
		return api.Dependencies{}, err
	}

	if conn != nil {
		closers = append(closers, conn)
	}

	index, err := newInstanceIndex(conn, rc.Storage, logger)
	if err != nil {
		return api.Dependencies{}, err
	}

	if c, ok := index.(io.Closer); ok {
		// The cleanup loop stops before the pool closes.
		closers = append([]io.Closer{c}, closers...)
	}

	blobs, err := newBlobStore(ctx, rc.Blobs, logger)
	if err != nil {
		return api.Dependencies{}, err
	}

	publisher, err := changefeed.New(rc.ChangeFeed, logger)
	if err != nil {
		return api.Dependencies{}, fmt.Errorf("failed to create change feed publisher: %w", err)
	}

	// The feed is flushed before the index goes away.
	closers = append([]io.Closer{publisher}, closers...)

	validator, err := ingestion.NewValidator(ingestion.LoadValidationRulesFromEnv())
	if err != nil {
		return api.Dependencies{}, fmt.Errorf("failed to load validation rules: %w", err)
	}

	resolver, err := ingestion.NewURLResolver(serverConfig.BaseURL)
	if err != nil {
		return api.Dependencies{}, fmt.Errorf("invalid base URL: %w", err)
	}

	orchestrator := ingestion.NewStoreOrchestrator(index, blobs, publisher,
		ingestion.WithOrchestratorLogger(logger))

	pipeline := ingestion.NewPipeline(validator, orchestrator, ingestion.NewStoreResponseBuilderFactory(resolver),
		ingestion.WithMaxParallelism(rc.MaxParallelism),
		ingestion.WithLogger(logger),
	)

	logger.Info("Store pipeline initialized",
		slog.Int("max_parallelism", rc.MaxParallelism),
		slog.String("blob_backend", rc.Blobs.Backend),
		slog.String("change_feed", rc.ChangeFeed.String()),
	)

	deps = api.Dependencies{
		Processor: pipeline,
		Readiness: map[string]api.HealthChecker{"instance_index": index},
		Closers:   closers,
		Logger:    logger,
	}

	if deps.APIKeyStore, err = newAPIKeyStore(rc.AuthBackend, conn, logger); err != nil {
		return api.Dependencies{}, err
	}

	if deps.RateLimiter, err = newRateLimiter(rc.RateLimit, logger); err != nil {
		return api.Dependencies{}, err
	}

	return deps, nil
}

// openDatabase connects when DATABASE_URL is set and returns nil otherwise.
func openDatabase(ctx context.Context, rc *runtimeConfig, logger *slog.Logger) (*storage.Connection, error) {
	if rc.Storage.DatabaseURL() == "" {
		return nil, nil //nolint:nilnil
	}

	conn, err := storage.NewConnection(ctx, rc.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if rc.AutoMigrate {
		if err := migrations.Up(conn.DB, migrations.DefaultTable); err != nil {
			_ = conn.Close()

			return nil, err
		}

		logger.Info("Database migrations applied")
	}

	logger.Info("Connected to database",
		slog.String("database_url", rc.Storage.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", rc.Storage.MaxOpenConns),
		slog.Int("database_max_idle_conns", rc.Storage.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", rc.Storage.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", rc.Storage.ConnMaxIdleTime),
	)

	return conn, nil
}

// newInstanceIndex returns the PostgreSQL index when conn is set and an
// in-memory index otherwise.
func newInstanceIndex(conn *storage.Connection, cfg *storage.Config, logger *slog.Logger) (ingestion.InstanceIndex, error) {
	if conn == nil {
		logger.Warn("DATABASE_URL not set, using in-memory instance index",
			slog.String("note", "Stored instances are lost on restart"),
		)

		return storage.NewInMemoryInstanceStore(cfg.PendingTTL), nil
	}

	index, err := storage.NewInstanceStore(conn, cfg.CleanupInterval, cfg.PendingTTL,
		storage.WithInstanceStoreLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create instance store: %w", err)
	}

	logger.Info("Instance index initialized",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("pending_ttl", cfg.PendingTTL),
	)

	return index, nil
}

func newBlobStore(ctx context.Context, cfg *storage.BlobConfig, logger *slog.Logger) (ingestion.BlobStore, error) {
	blobs, err := storage.NewBlobStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob store: %w", err)
	}

	if s3Store, ok := blobs.(*storage.S3BlobStore); ok {
		if err := s3Store.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare bucket %s: %w", cfg.S3.Bucket, err)
		}
	}

	return blobs, nil
}

// newAPIKeyStore returns nil when authentication is disabled. The nil checks
// keep a typed nil pointer out of the interface.
func newAPIKeyStore(backend string, conn *storage.Connection, logger *slog.Logger) (storage.APIKeyStore, error) {
	switch backend {
	case authBackendPostgres:
		if conn == nil {
			return nil, fmt.Errorf("%w: %s", errAuthNeedsDatabase, backend)
		}

		keys, err := storage.NewPersistentKeyStore(conn, storage.WithKeyStoreLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create persistent key store: %w", err)
		}

		logger.Info("Client authentication enabled", slog.String("backend", backend))

		return keys, nil
	case authBackendEnv, "":
		keys, err := storage.LoadKeyStoreFromEnv()
		if err != nil {
			return nil, fmt.Errorf("failed to load API keys: %w", err)
		}

		if keys == nil {
			logger.Warn("Client authentication disabled",
				slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
				slog.String("note", "Set MEDSTORE_API_KEYS or MEDSTORE_AUTH_BACKEND=postgres to enable API key authentication"),
			)

			return nil, nil //nolint:nilnil
		}

		logger.Info("Client authentication enabled",
			slog.String("backend", authBackendEnv),
			slog.Int("api_keys", keys.Len()),
		)

		return keys, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownAuthBackend, backend)
	}
}

func newRateLimiter(cfg *middleware.RateLimitConfig, logger *slog.Logger) (middleware.RateLimiter, error) {
	if !cfg.Enabled {
		logger.Info("Rate limiting disabled")

		return nil, nil //nolint:nilnil
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", cfg.GlobalRPS),
		slog.Int("client_rps", cfg.ClientRPS),
		slog.Int("unauth_rps", cfg.UnAuthRPS),
		slog.Int("max_clients", cfg.MaxClients),
	)

	return middleware.NewInMemoryRateLimiter(cfg), nil
}

func closeAll(closers []io.Closer, logger *slog.Logger) {
	var errs []error

	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		logger.Warn("Failed to release resources", slog.String("error", err.Error()))
	}
}
