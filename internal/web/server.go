package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"envmon/internal/alerts"
	"envmon/internal/metrics"
	"envmon/internal/telemetry"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithMetrics instruments every route and mounts GET /metrics.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server is the HTTP server for the dashboard API.
type Server struct {
	core           *telemetry.Core
	alerts         *alerts.Service
	metrics        *metrics.Metrics
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server.
func NewServer(core *telemetry.Core, alertSvc *alerts.Service, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		core:   core,
		alerts: alertSvc,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Every telemetry event is pushed to WebSocket clients.
	s.unsubEvents = core.Events().Subscribe(func(event telemetry.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.handle("GET /api/snapshot", s.handleAPISnapshot)
	s.handle("GET /api/history", s.handleAPIHistory)
	s.handle("GET /api/history.csv", s.handleAPIHistoryCSV)
	s.handle("DELETE /api/history", s.handleAPIClearHistory)
	s.handle("DELETE /api/history/{index}", s.handleAPIDeleteHistoryRow)
	s.handle("GET /api/stats", s.handleAPIStats)
	s.handle("GET /api/metrics/derived", s.handleAPIDerived)

	s.handle("GET /api/alerts", s.handleAPIGetAlerts)
	s.handle("PUT /api/alerts", s.handleAPISaveAlerts)
	s.handle("DELETE /api/alerts", s.handleAPIDeleteAlerts)

	s.handle("GET /api/version", s.handleAPIVersion)

	// WebSocket
	s.handle("GET /ws", s.handleWS)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// handle registers h under pattern, counted by the metrics middleware when
// enabled.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	if s.metrics == nil {
		s.mux.HandleFunc(pattern, h)
		return
	}
	s.mux.Handle(pattern, s.metrics.WrapHandler(pattern, h))
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// WebSocket and /metrics stay open: browsers cannot set headers on a WS
	// upgrade and scrapers are configured separately.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
