// Package http serves the warehouse's JSON API: health and status,
// symbol listings, historical candle reads, backfill job submission and
// polling, and key-protected admin routes.
package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/candlevault/candlevault/internal/telemetry"
)

// Server hosts the JSON API.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	config   ServerConfig
	metrics  *telemetry.Metrics
}

// ServerConfig holds listener and timeout settings.
type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultServerConfig returns production defaults. The write timeout
// leaves headroom over the per-request deadline so large historical
// payloads can finish encoding.
func DefaultServerConfig(port int) ServerConfig {
	return ServerConfig{
		Host:           "0.0.0.0",
		Port:           port,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 15 * time.Second,
	}
}

// NewServer wires routes and middleware around the handlers.
func NewServer(config ServerConfig, handlers *Handlers, metrics *telemetry.Metrics) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: handlers,
		config:   config,
		metrics:  metrics,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.timeoutMiddleware)
	s.router.Use(s.corsMiddleware)

	// Prometheus exposition is text format, so it stays off the JSON
	// subrouter.
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handlers.Health).Methods("GET")
	api.HandleFunc("/status", s.handlers.Status).Methods("GET")
	api.HandleFunc("/symbols", s.handlers.Symbols).Methods("GET")
	api.HandleFunc("/symbols/detailed", s.handlers.SymbolsDetailed).Methods("GET")
	api.HandleFunc("/historical/{symbol}", s.handlers.Historical).Methods("GET")

	api.HandleFunc("/backfill", s.handlers.SubmitBackfill).Methods("POST")
	api.HandleFunc("/backfill/status/{job_id}", s.handlers.BackfillStatus).Methods("GET")
	api.HandleFunc("/backfill/recent", s.handlers.RecentBackfills).Methods("GET")
	api.HandleFunc("/scheduler/executions", s.handlers.SchedulerExecutions).Methods("GET")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.keyAuthMiddleware)
	admin.HandleFunc("/symbols", s.handlers.AddSymbol).Methods("POST")
	admin.HandleFunc("/symbols", s.handlers.ListSymbols).Methods("GET")
	admin.HandleFunc("/symbols/{symbol}", s.handlers.DeactivateSymbol).Methods("DELETE")
	admin.HandleFunc("/symbols/{symbol}/activate", s.handlers.ActivateSymbol).Methods("POST")
	admin.HandleFunc("/symbols/{symbol}/timeframes", s.handlers.UpdateTimeframes).Methods("PUT")
	admin.HandleFunc("/keys", s.handlers.IssueKey).Methods("POST")
	admin.HandleFunc("/keys", s.handlers.ListKeys).Methods("GET")
	admin.HandleFunc("/keys/{id}", s.handlers.RevokeKey).Methods("DELETE")

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

// requestIDMiddleware tags each request with a short id, echoed in the
// X-Request-ID header and every log line.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		elapsed := time.Since(start)
		log.Info().
			Str("request_id", requestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("elapsed", elapsed).
			Str("remote", r.RemoteAddr).
			Msg("http request")

		if s.metrics != nil {
			s.metrics.ObserveHTTP(routeTemplate(r), wrapper.statusCode, elapsed)
		}
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware allows browser dashboards served from localhost.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// keyAuthMiddleware guards admin routes with the X-API-Key header.
func (s *Server) keyAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			s.handlers.writeError(w, r, http.StatusUnauthorized, "missing_api_key",
				"X-API-Key header is required for admin routes")
			return
		}
		ok, err := s.handlers.keys.Verify(r.Context(), key)
		if err != nil {
			s.handlers.writeError(w, r, http.StatusServiceUnavailable, "auth_unavailable",
				"unable to verify API key")
			return
		}
		if !ok {
			s.handlers.writeError(w, r, http.StatusUnauthorized, "invalid_api_key",
				"API key is unknown or revoked")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("starting http server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down http server")
	return s.server.Shutdown(ctx)
}

type contextKey string

const requestIDKey contextKey = "request_id"

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// routeTemplate returns the mux path template so metrics label by route
// shape, not raw path.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWrapper captures the status code for logging and metrics.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
