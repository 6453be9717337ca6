package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medstore-io/medstore/internal/api/middleware"
	"github.com/medstore-io/medstore/internal/changefeed"
	"github.com/medstore-io/medstore/internal/dicom"
	"github.com/medstore-io/medstore/internal/ingestion"
	"github.com/medstore-io/medstore/internal/storage"
)

const (
	testStudy = "1.2.826.0.1.3680043.8.498.1"
	ctSOP     = "1.2.826.0.1.3680043.8.498.1.1.1"
	mrSOP     = "1.2.826.0.1.3680043.8.498.1.1.2"
)

func instanceJSON(study, sop string) string {
	return fmt.Sprintf(`{
  "00080016": {"vr": "UI", "Value": ["1.2.840.10008.5.1.4.1.1.2"]},
  "00080018": {"vr": "UI", "Value": [%q]},
  "00080060": {"vr": "CS", "Value": ["CT"]},
  "00100020": {"vr": "LO", "Value": ["PAT-001"]},
  "0020000D": {"vr": "UI", "Value": [%q]},
  "0020000E": {"vr": "UI", "Value": [%q]}
}`, sop, study, study+".1")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testConfig(t *testing.T) *ServerConfig {
	t.Helper()

	cfg := LoadServerConfig()
	cfg.TempDir = t.TempDir()
	cfg.BaseURL = "https://pacs.example.org"

	return cfg
}

type testEnv struct {
	server *Server
	index  *storage.InMemoryInstanceStore
	config *ServerConfig
}

// newPipelineServer wires a Server to a real pipeline over in-memory and
// filesystem stores.
func newPipelineServer(t *testing.T) *testEnv {
	t.Helper()

	cfg := testConfig(t)

	validator, err := ingestion.NewValidator(nil)
	require.NoError(t, err)

	resolver, err := ingestion.NewURLResolver(cfg.BaseURL)
	require.NoError(t, err)

	blobs, err := storage.NewFileSystemBlobStore(t.TempDir())
	require.NoError(t, err)

	index := storage.NewInMemoryInstanceStore(time.Hour)
	orchestrator := ingestion.NewStoreOrchestrator(index, blobs, changefeed.NewNoopPublisher(discardLogger()))
	pipeline := ingestion.NewPipeline(validator, orchestrator, ingestion.NewStoreResponseBuilderFactory(resolver),
		ingestion.WithLogger(discardLogger()))

	server := NewServer(cfg, Dependencies{
		Processor: pipeline,
		Readiness: map[string]HealthChecker{"instance_index": index},
		Logger:    discardLogger(),
		Version:   "test",
	})

	return &testEnv{server: server, index: index, config: cfg}
}

func multipartBody(t *testing.T, parts ...string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	for _, part := range parts {
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "application/dicom+json")

		pw, err := mw.CreatePart(header)
		require.NoError(t, err)

		_, err = pw.Write([]byte(part))
		require.NoError(t, err)
	}

	require.NoError(t, mw.Close())

	return &buf, fmt.Sprintf(`multipart/related; type="application/dicom+json"; boundary=%s`, mw.Boundary())
}

func doStore(t *testing.T, handler http.Handler, path, contentType string, body *bytes.Buffer) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	return rec
}

func decodeStoreResponse(t *testing.T, rec *httptest.ResponseRecorder) *dicom.Dataset {
	t.Helper()

	require.Equal(t, "application/dicom+json", rec.Header().Get("Content-Type"))

	ds, err := dicom.DecodeDataset(rec.Body)
	require.NoError(t, err)

	return ds
}

func assertNoBufferedFiles(t *testing.T, dir string) {
	t.Helper()

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files, "buffered parts are released")
}

func TestStoreInstances_Multipart(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newPipelineServer(t)
	handler := env.server.Handler()

	t.Run("all stored", func(t *testing.T) {
		body, ct := multipartBody(t, instanceJSON(testStudy, ctSOP), instanceJSON(testStudy, mrSOP))

		rec := doStore(t, handler, "/studies/"+testStudy, ct, body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		ds := decodeStoreResponse(t, rec)
		assert.Equal(t, "https://pacs.example.org/studies/"+testStudy, ds.String(dicom.RetrieveURL))
		assert.Len(t, ds.Sequence(dicom.ReferencedSOPSequence), 2)
		assert.Empty(t, ds.Sequence(dicom.FailedSOPSequence))
		assert.Equal(t, 2, env.index.Len())
		assertNoBufferedFiles(t, env.config.TempDir)
	})

	t.Run("duplicates fail", func(t *testing.T) {
		body, ct := multipartBody(t, instanceJSON(testStudy, ctSOP))

		rec := doStore(t, handler, "/studies", ct, body)
		require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

		ds := decodeStoreResponse(t, rec)
		failed := ds.Sequence(dicom.FailedSOPSequence)
		require.Len(t, failed, 1)
		assert.Equal(t, ctSOP, failed[0].String(dicom.ReferencedSOPInstanceUID))
		assert.Equal(t, "45070", failed[0].String(dicom.FailureReason))
	})

	t.Run("partial success", func(t *testing.T) {
		body, ct := multipartBody(t, instanceJSON(testStudy, testStudy+".1.3"), "{not json")

		rec := doStore(t, handler, "/studies", ct, body)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		ds := decodeStoreResponse(t, rec)
		assert.Len(t, ds.Sequence(dicom.ReferencedSOPSequence), 1)
		assert.Len(t, ds.Sequence(dicom.FailedSOPSequence), 1)
		assertNoBufferedFiles(t, env.config.TempDir)
	})

	t.Run("study mismatch", func(t *testing.T) {
		body, ct := multipartBody(t, instanceJSON("1.2.3.999", "1.2.3.999.1.1"))

		rec := doStore(t, handler, "/studies/"+testStudy, ct, body)
		require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

		ds := decodeStoreResponse(t, rec)
		require.Len(t, ds.Sequence(dicom.FailedSOPSequence), 1)
		assert.Equal(t, "43265", ds.Sequence(dicom.FailedSOPSequence)[0].String(dicom.FailureReason))
	})

	t.Run("no parts", func(t *testing.T) {
		body, ct := multipartBody(t)

		rec := doStore(t, handler, "/studies", ct, body)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Body.Bytes())
	})
}

func TestStoreInstances_JSONArray(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newPipelineServer(t)
	body := bytes.NewBufferString("[" + instanceJSON(testStudy, ctSOP) + "," + `{"00080018": 7}` + "]")

	rec := doStore(t, env.server.Handler(), "/studies", "application/dicom+json", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	ds := decodeStoreResponse(t, rec)
	assert.Len(t, ds.Sequence(dicom.ReferencedSOPSequence), 1)
	assert.Len(t, ds.Sequence(dicom.FailedSOPSequence), 1)
	assertNoBufferedFiles(t, env.config.TempDir)
}

func TestStoreInstances_RequestErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newPipelineServer(t)
	env.config.MaxPartSize = 256
	handler := env.server.Handler()

	tests := []struct {
		name        string
		path        string
		contentType string
		body        string
		wantStatus  int
	}{
		{name: "unsupported type", path: "/studies", contentType: "application/dicom", body: "x", wantStatus: 415},
		{name: "missing content type", path: "/studies", body: "x", wantStatus: 415},
		{
			name:        "unsupported multipart root",
			path:        "/studies",
			contentType: `multipart/related; type="application/dicom"; boundary=abc`,
			wantStatus:  415,
		},
		{
			name:        "missing boundary",
			path:        "/studies",
			contentType: `multipart/related; type="application/dicom+json"`,
			wantStatus:  400,
		},
		{
			name:        "truncated multipart",
			path:        "/studies",
			contentType: `multipart/related; type="application/dicom+json"; boundary=abc`,
			body:        "--abc\r\nContent-Type: application/dicom+json\r\n\r\n{}",
			wantStatus:  400,
		},
		{name: "json object", path: "/studies", contentType: "application/dicom+json", body: "{}", wantStatus: 400},
		{name: "truncated array", path: "/studies", contentType: "application/dicom+json", body: "[{}", wantStatus: 400},
		{
			name:        "instance too large",
			path:        "/studies",
			contentType: "application/dicom+json",
			body:        "[" + instanceJSON(testStudy, ctSOP) + "]",
			wantStatus:  413,
		},
		{name: "invalid study uid", path: "/studies/not-a-uid", contentType: "application/dicom+json", body: "[]", wantStatus: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doStore(t, handler, tt.path, tt.contentType, bytes.NewBufferString(tt.body))

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, contentTypeProblemJSON, rec.Header().Get("Content-Type"))
			assertNoBufferedFiles(t, env.config.TempDir)
		})
	}

	assert.Zero(t, env.index.Len())
}

func TestStoreInstances_RequestTooLarge(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	env := newPipelineServer(t)
	env.config.MaxRequestSize = 64
	env.config.MaxPartSize = 64

	body, ct := multipartBody(t, instanceJSON(testStudy, ctSOP))

	rec := doStore(t, env.server.Handler(), "/studies", ct, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assertNoBufferedFiles(t, env.config.TempDir)
}

type stubProcessor struct {
	resp    *ingestion.StoreResponse
	err     error
	study   string
	entries int
}

func (p *stubProcessor) Process(
	_ context.Context,
	entries []ingestion.InstanceEntry,
	requiredStudyInstanceUID string,
) (*ingestion.StoreResponse, error) {
	p.study = requiredStudyInstanceUID
	p.entries = len(entries)

	for _, entry := range entries {
		_ = entry.Release()
	}

	return p.resp, p.err
}

func TestStoreInstances_StatusMapping(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		status ingestion.StoreResponseStatus
		want   int
	}{
		{ingestion.StatusNone, http.StatusNoContent},
		{ingestion.StatusSuccess, http.StatusOK},
		{ingestion.StatusPartialSuccess, http.StatusAccepted},
		{ingestion.StatusFailure, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusCodeFor(tt.status))
		})
	}
}

func TestStoreInstances_BatchErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "cancelled", err: fmt.Errorf("%w: context canceled", ingestion.ErrBatchCancelled), wantStatus: 503},
		{name: "not started", err: ingestion.ErrBatchNotStarted, wantStatus: 503},
		{name: "build failure", err: errors.Join(ingestion.ErrBuildResponse, errors.New("boom")), wantStatus: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			processor := &stubProcessor{err: tt.err}
			server := NewServer(testConfig(t), Dependencies{Processor: processor, Logger: discardLogger()})

			body, ct := multipartBody(t, instanceJSON(testStudy, ctSOP))

			rec := doStore(t, server.Handler(), "/studies/"+testStudy, ct, body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, testStudy, processor.study)
			assert.Equal(t, 1, processor.entries)
		})
	}
}

func TestStoreInstances_Permissions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	processor := &stubProcessor{resp: &ingestion.StoreResponse{Status: ingestion.StatusNone}}
	server := NewServer(testConfig(t), Dependencies{Processor: processor, Logger: discardLogger()})

	body, ct := multipartBody(t, instanceJSON(testStudy, ctSOP))

	req := httptest.NewRequest(http.MethodPost, "/studies", body)
	req.Header.Set("Content-Type", ct)
	req = req.WithContext(middleware.SetClientContext(req.Context(), middleware.ClientContext{
		ClientID:    "viewer",
		Permissions: []string{"studies:read"},
	}))

	rec := httptest.NewRecorder()
	server.handleStoreInstances(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, processor.entries)
}

func TestStoreInstances_Authenticated(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

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

	processor := &stubProcessor{resp: &ingestion.StoreResponse{Status: ingestion.StatusNone}}
	server := NewServer(testConfig(t), Dependencies{Processor: processor, APIKeyStore: keys, Logger: discardLogger()})

	body, ct := multipartBody(t, instanceJSON(testStudy, ctSOP))

	unauthenticated := doStore(t, server.Handler(), "/studies", ct, body)
	assert.Equal(t, http.StatusUnauthorized, unauthenticated.Code)

	body, ct = multipartBody(t, instanceJSON(testStudy, ctSOP))

	req := httptest.NewRequest(http.MethodPost, "/studies", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(middleware.APIKeyHeader, key)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, processor.entries)
}

func TestIsDicomJSONType(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.True(t, isDicomJSONType("application/dicom+json"))
	assert.True(t, isDicomJSONType("Application/DICOM+JSON; charset=utf-8"))
	assert.True(t, isDicomJSONType("application/json"))
	assert.False(t, isDicomJSONType("application/dicom"))
	assert.False(t, isDicomJSONType(strings.Repeat(";", 3)))
}
