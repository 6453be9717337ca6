package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medstore-io/medstore/internal/api/middleware"
	"github.com/medstore-io/medstore/internal/changefeed"
	"github.com/medstore-io/medstore/internal/config"
	"github.com/medstore-io/medstore/internal/dicom"
	"github.com/medstore-io/medstore/internal/ingestion"
	"github.com/medstore-io/medstore/internal/storage"
)

// TestStoreInstancesIntegration drives the full stack over HTTP with a
// PostgreSQL instance index, filesystem blobs and API key authentication.
func TestStoreInstancesIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	conn, err := storage.NewConnection(ctx, storage.NewConfig(testDB.URL))
	require.NoError(t, err)

	t.Cleanup(func() { _ = conn.Close() })

	index, err := storage.NewInstanceStore(conn, time.Hour, time.Hour,
		storage.WithInstanceStoreLogger(discardLogger()))
	require.NoError(t, err)

	blobs, err := storage.NewFileSystemBlobStore(t.TempDir())
	require.NoError(t, err)

	key, err := storage.GenerateAPIKey()
	require.NoError(t, err)

	hash, err := storage.HashAPIKey(key)
	require.NoError(t, err)

	keys := storage.NewInMemoryKeyStore()
	require.NoError(t, keys.Add(&storage.APIKey{
		ID:          "key-1",
		ClientID:    "modality-ct",
		KeyHash:     hash,
		Permissions: []string{storage.PermissionStoreInstances},
		Active:      true,
	}))

	cfg := testConfig(t)

	validator, err := ingestion.NewValidator(nil)
	require.NoError(t, err)

	resolver, err := ingestion.NewURLResolver(cfg.BaseURL)
	require.NoError(t, err)

	orchestrator := ingestion.NewStoreOrchestrator(index, blobs, changefeed.NewNoopPublisher(discardLogger()))
	pipeline := ingestion.NewPipeline(validator, orchestrator, ingestion.NewStoreResponseBuilderFactory(resolver))

	server := NewServer(cfg, Dependencies{
		Processor:   pipeline,
		Readiness:   map[string]HealthChecker{"instance_index": index},
		APIKeyStore: keys,
		Logger:      discardLogger(),
	})

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = index.Close() })

	post := func(t *testing.T, parts ...string) *http.Response {
		t.Helper()

		body, ct := multipartBody(t, parts...)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/studies/"+testStudy, body)
		require.NoError(t, err)

		req.Header.Set("Content-Type", ct)
		req.Header.Set(middleware.APIKeyHeader, key)

		resp, err := ts.Client().Do(req)
		require.NoError(t, err)

		t.Cleanup(func() { _ = resp.Body.Close() })

		return resp
	}

	t.Run("ready", func(t *testing.T) {
		resp, err := ts.Client().Get(ts.URL + "/ready")
		require.NoError(t, err)

		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("first store succeeds", func(t *testing.T) {
		resp := post(t, instanceJSON(testStudy, ctSOP), instanceJSON(testStudy, mrSOP))
		require.Equal(t, http.StatusOK, resp.StatusCode)

		ds, err := dicom.DecodeDataset(resp.Body)
		require.NoError(t, err)
		assert.Len(t, ds.Sequence(dicom.ReferencedSOPSequence), 2)

		var created int

		require.NoError(t, conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM instances WHERE status = 'created'`).Scan(&created))
		assert.Equal(t, 2, created)
	})

	t.Run("resubmission conflicts", func(t *testing.T) {
		resp := post(t, instanceJSON(testStudy, ctSOP))
		require.Equal(t, http.StatusConflict, resp.StatusCode)

		ds, err := dicom.DecodeDataset(resp.Body)
		require.NoError(t, err)

		failed := ds.Sequence(dicom.FailedSOPSequence)
		require.Len(t, failed, 1)
		assert.Equal(t, "45070", failed[0].String(dicom.FailureReason))
	})

	t.Run("missing key", func(t *testing.T) {
		body, ct := multipartBody(t, instanceJSON(testStudy, ctSOP))

		resp, err := ts.Client().Post(ts.URL+"/studies", ct, body)
		require.NoError(t, err)

		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
