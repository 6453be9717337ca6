package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/medstore-io/medstore/internal/api/middleware"
)

const (
	healthCheckTimeout = 2 * time.Second
	versionHeader      = "X-Medstore-Version"
)

type (
	// HealthStatus is the /health response body.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// ReadinessStatus is the /ready response body.
	ReadinessStatus struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks,omitempty"`
	}

	// Route pairs a ServeMux pattern with its handler.
	Route struct {
		Pattern string
		Handler http.HandlerFunc
	}
)

func (s *Server) setupRoutes(mux *http.ServeMux) {
	s.registerPublicRoutes(mux,
		Route{"GET /ping", s.handlePing},
		Route{"GET /ready", s.handleReady},
		Route{"GET /health", s.handleHealth},
		Route{"/", s.handleNotFound},
	)

	mux.HandleFunc("POST /studies", s.handleStoreInstances)
	mux.HandleFunc("POST /studies/{study}", s.handleStoreInstances)
}

// registerPublicRoutes registers routes that bypass authentication. Only health
// probes and the 404 fallback belong here.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	for _, route := range routes {
		mux.HandleFunc(route.Pattern, route.Handler)

		path := route.Pattern
		if method, rest, ok := strings.Cut(path, " "); ok && isHTTPMethod(method) {
			path = strings.TrimSpace(rest)
		}

		if path == "" {
			s.logger.Warn("Malformed route pattern, not registered as public", slog.String("pattern", route.Pattern))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

func isHTTPMethod(method string) bool {
	return slices.Contains([]string{
		http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete,
	}, method)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set(versionHeader, s.deps.Version)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady runs every readiness check with a shared deadline and answers
// 503 if any of them fails.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := ReadinessStatus{Status: "ready", Checks: make(map[string]string, len(s.deps.Readiness))}
	code := http.StatusOK

	for name, checker := range s.deps.Readiness {
		if err := checker.HealthCheck(ctx); err != nil {
			s.logger.Error("Readiness check failed",
				slog.String("check", name),
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)

			status.Checks[name] = "unavailable"
			status.Status = "unavailable"
			code = http.StatusServiceUnavailable

			continue
		}

		status.Checks[name] = "ok"
	}

	s.writeJSON(w, r, code, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(versionHeader, s.deps.Version)

	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     s.deps.Version,
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}
