// Package main provides the medstore ingestion service.
//
// The service accepts DICOM JSON instances over POST /studies, indexes them in
// PostgreSQL (or memory for development), writes their payloads to a blob store
// and announces every stored instance on the change feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/medstore-io/medstore/internal/api"
	"github.com/medstore-io/medstore/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "medstore"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	generateKey := flag.String("generate-key", "",
		"generate an API key for the given client ID; registers it when MEDSTORE_AUTH_BACKEND=postgres")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *generateKey != "" {
		if err := generateAPIKey(context.Background(), os.Stdout, *generateKey, loadRuntimeConfig()); err != nil {
			log.Printf("failed to generate API key: %v\n", err)
			os.Exit(1)
		}

		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting medstore service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.Int64("max_request_size", serverConfig.MaxRequestSize),
		slog.Int64("max_part_size", serverConfig.MaxPartSize),
		slog.String("base_url", serverConfig.BaseURL),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	deps, err := buildDependencies(context.Background(), serverConfig, loadRuntimeConfig(), logger)
	if err != nil {
		logger.Error("Failed to initialize service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	deps.Version = version

	server := api.NewServer(serverConfig, deps)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("medstore service stopped")
}

// generateAPIKey writes a fresh key for clientID. With the postgres auth backend
// the key is registered in the api_keys table; otherwise the MEDSTORE_API_KEYS
// entry is printed. The plaintext key is shown once and never stored.
func generateAPIKey(ctx context.Context, w io.Writer, clientID string, rc *runtimeConfig) error {
	key, err := storage.GenerateAPIKey()
	if err != nil {
		return err
	}

	hash, err := storage.HashAPIKey(key)
	if err != nil {
		return err
	}

	if rc.AuthBackend != authBackendPostgres {
		_, err = fmt.Fprintf(w, "API key:           %s\nMEDSTORE_API_KEYS: %s=%s\n", key, clientID, hash)

		return err
	}

	if rc.Storage.DatabaseURL() == "" {
		return fmt.Errorf("%w: %s", errAuthNeedsDatabase, rc.AuthBackend)
	}

	conn, err := storage.NewConnection(ctx, rc.Storage)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	defer func() {
		_ = conn.Close()
	}()

	keys, err := storage.NewPersistentKeyStore(conn)
	if err != nil {
		return err
	}

	apiKey := &storage.APIKey{
		ClientID:    clientID,
		Name:        clientID,
		KeyHash:     hash,
		Permissions: []string{storage.PermissionStoreInstances},
		Active:      true,
	}

	if err := keys.Add(ctx, apiKey); err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "API key: %s\nKey ID:  %s\n", key, apiKey.ID)

	return err
}
