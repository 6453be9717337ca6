package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/medstore-io/medstore/internal/api/middleware"
	"github.com/medstore-io/medstore/internal/dicom"
	"github.com/medstore-io/medstore/internal/ingestion"
	"github.com/medstore-io/medstore/internal/storage"
)

const (
	mediaTypeDicomJSON        = "application/dicom+json"
	mediaTypeJSON             = "application/json"
	mediaTypeMultipartRelated = "multipart/related"
)

var (
	errUnsupportedMediaType = errors.New("unsupported media type")
	errMalformedBody        = errors.New("malformed request body")
)

// handleStoreInstances stores the instances in a request body.
//
//	POST /studies
//	POST /studies/{study}
//
// The body is either multipart/related with one DICOM JSON instance per part, or
// a DICOM JSON array. Each instance is buffered to disk and handed to the
// processor as one entry. Per-instance failures are reported in the response
// dataset; the status code follows the batch outcome:
//
//	no instances     204 No Content
//	all stored       200 OK
//	some stored      202 Accepted
//	none stored      409 Conflict
func (s *Server) handleStoreInstances(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())
	studyInstanceUID := r.PathValue("study")

	if clientCtx, ok := middleware.GetClientContext(r.Context()); ok &&
		!clientCtx.HasPermission(storage.PermissionStoreInstances) {
		WriteErrorResponse(w, r, s.logger, Forbidden("API key is not permitted to store instances"))

		return
	}

	if studyInstanceUID != "" {
		if !dicom.IsValidUID(studyInstanceUID) {
			WriteErrorResponse(w, r, s.logger, BadRequest(fmt.Sprintf("invalid study instance UID %q", studyInstanceUID)))

			return
		}
	}

	if r.ContentLength > s.config.MaxRequestSize {
		WriteErrorResponse(w, r, s.logger, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize)))

		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	entries, err := s.readEntries(r)
	if err != nil {
		releaseEntries(entries, s.logger)
		s.writeReadError(w, r, err)

		return
	}

	resp, err := s.deps.Processor.Process(r.Context(), entries, studyInstanceUID)
	if err != nil {
		s.writeBatchError(w, r, err, len(entries))

		return
	}

	code := statusCodeFor(resp.Status)

	s.logger.Info("Store request processed",
		slog.String("correlation_id", correlationID),
		slog.String("study_instance_uid", studyInstanceUID),
		slog.Int("instances", len(entries)),
		slog.String("status", resp.Status.String()),
		slog.Int("status_code", code),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.Dataset == nil || code == http.StatusNoContent {
		w.WriteHeader(http.StatusNoContent)

		return
	}

	data, err := json.Marshal(resp.Dataset)
	if err != nil {
		s.logger.Error("Failed to encode store response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode store response"))

		return
	}

	w.Header().Set("Content-Type", mediaTypeDicomJSON)
	w.WriteHeader(code)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write store response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

func statusCodeFor(status ingestion.StoreResponseStatus) int {
	switch status {
	case ingestion.StatusSuccess:
		return http.StatusOK
	case ingestion.StatusPartialSuccess:
		return http.StatusAccepted
	case ingestion.StatusFailure:
		return http.StatusConflict
	default:
		return http.StatusNoContent
	}
}

// readEntries buffers each instance of the body into a FileEntry. On error the
// entries read so far are returned so the caller can release them.
func (s *Server) readEntries(r *http.Request) ([]ingestion.InstanceEntry, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUnsupportedMediaType, err)
	}

	switch mediaType {
	case mediaTypeMultipartRelated:
		if root := params["type"]; root != "" && !isDicomJSONType(root) {
			return nil, fmt.Errorf("%w: multipart type %q", errUnsupportedMediaType, root)
		}

		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("%w: missing multipart boundary", errMalformedBody)
		}

		return s.readMultipart(multipart.NewReader(r.Body, boundary))
	case mediaTypeDicomJSON, mediaTypeJSON:
		return s.readJSONArray(r.Body)
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedMediaType, mediaType)
	}
}

func (s *Server) readMultipart(mr *multipart.Reader) ([]ingestion.InstanceEntry, error) {
	var entries []ingestion.InstanceEntry

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}

		if err != nil {
			return entries, wrapBodyError(err)
		}

		if ct := part.Header.Get("Content-Type"); ct != "" && !isDicomJSONType(ct) {
			_ = part.Close()

			return entries, fmt.Errorf("%w: part %d has type %q", errUnsupportedMediaType, len(entries), ct)
		}

		entry, err := ingestion.NewFileEntry(s.config.BufferDir(), part, s.config.MaxPartSize)
		_ = part.Close()

		if err != nil {
			return entries, wrapBodyError(err)
		}

		entries = append(entries, entry)
	}
}

// readJSONArray buffers each array element separately so a malformed instance
// fails on its own instead of failing the request.
func (s *Server) readJSONArray(body io.Reader) ([]ingestion.InstanceEntry, error) {
	dec := json.NewDecoder(body)

	tok, err := dec.Token()
	if err != nil {
		return nil, wrapBodyError(err)
	}

	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return nil, fmt.Errorf("%w: expected a JSON array of instances", errMalformedBody)
	}

	var entries []ingestion.InstanceEntry

	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return entries, wrapBodyError(err)
		}

		entry, err := ingestion.NewFileEntry(s.config.BufferDir(), bytes.NewReader(raw), s.config.MaxPartSize)
		if err != nil {
			return entries, wrapBodyError(err)
		}

		entries = append(entries, entry)
	}

	if _, err := dec.Token(); err != nil {
		return entries, wrapBodyError(err)
	}

	return entries, nil
}

func isDicomJSONType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	return mediaType == mediaTypeDicomJSON || mediaType == mediaTypeJSON
}

// wrapBodyError keeps size-limit errors recognisable and classifies the rest
// as malformed input unless they came from the buffer directory.
func wrapBodyError(err error) error {
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &maxBytesErr), errors.Is(err, ingestion.ErrEntryTooLarge), errors.Is(err, ingestion.ErrBufferEntry):
		return err
	default:
		return fmt.Errorf("%w: %w", errMalformedBody, err)
	}
}

func (s *Server) writeReadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytesErr *http.MaxBytesError

	switch {
	case errors.As(err, &maxBytesErr):
		WriteErrorResponse(w, r, s.logger, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize)))
	case errors.Is(err, ingestion.ErrEntryTooLarge):
		WriteErrorResponse(w, r, s.logger, PayloadTooLarge(
			fmt.Sprintf("An instance exceeds maximum size of %d bytes", s.config.MaxPartSize)))
	case errors.Is(err, errUnsupportedMediaType):
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType(
			"Content-Type must be multipart/related; type=\"application/dicom+json\" or application/dicom+json"))
	case errors.Is(err, errMalformedBody):
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))
	default:
		s.logger.Error("Failed to buffer store request",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to buffer request"))
	}
}

// writeBatchError reports a batch-level failure. Cancellation usually means the
// client went away, so the response is best effort.
func (s *Server) writeBatchError(w http.ResponseWriter, r *http.Request, err error, instances int) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if errors.Is(err, ingestion.ErrBatchCancelled) || errors.Is(err, ingestion.ErrBatchNotStarted) {
		s.logger.Warn("Store request cancelled",
			slog.String("correlation_id", correlationID),
			slog.Int("instances", instances),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("The store request was cancelled before completion"))

		return
	}

	s.logger.Error("Store request failed",
		slog.String("correlation_id", correlationID),
		slog.Int("instances", instances),
		slog.String("error", err.Error()),
	)

	WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to process store request"))
}

func releaseEntries(entries []ingestion.InstanceEntry, logger *slog.Logger) {
	for _, entry := range entries {
		if err := entry.Release(); err != nil {
			logger.Warn("Failed to release instance entry", slog.String("error", err.Error()))
		}
	}
}

