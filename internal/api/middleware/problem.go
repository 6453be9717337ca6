// Package middleware provides HTTP middleware components for the medstore API.
package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// problemTypeBase is shared with the api package so middleware and handler
// problems carry the same type URIs.
const problemTypeBase = "https://medstore.io/problems/%d"

// problem is the RFC 7807 body written by middleware. The api package owns the
// exported ProblemDetail; middleware cannot import it without a cycle.
type problem struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail"`
	Instance      string `json:"instance"`
	CorrelationID string `json:"correlation_id"` //nolint: tagliatelle
}

// writeProblem writes an application/problem+json response. On encoding
// failure it logs and falls back to plain text.
func writeProblem(w http.ResponseWriter, r *http.Request, logger *slog.Logger, statusCode int, detail string) {
	correlationID := GetCorrelationID(r.Context())

	title := http.StatusText(statusCode)
	if title == "" {
		title = "Error"
	}

	body, err := json.Marshal(problem{
		Type:          fmt.Sprintf(problemTypeBase, statusCode),
		Title:         title,
		Status:        statusCode,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	})
	if err != nil {
		logger.Error("failed to encode problem response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		http.Error(w, detail, statusCode)

		return
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(append(body, '\n'))
}
