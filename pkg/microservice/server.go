// Package microservice provides the HTTP shell shared by querysync services.
package microservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BaseConfig holds the process-level fields every querysync command reads.
type BaseConfig struct {
	LogLevel        string `yaml:"log_level"`
	HTTPPort        string `yaml:"http_port"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	ServiceName     string `yaml:"service_name"`
}

// Health is the body served on /healthz.
type Health struct {
	Status           string `json:"status"`
	Entries          int    `json:"entries"`
	Fetching         int    `json:"fetching"`
	Errored          int    `json:"errored"`
	PendingMutations int    `json:"pendingMutations"`
}

// HealthFunc reports the state of the cache behind a server.
type HealthFunc func() Health

// BaseServer owns the listener, the mux and the health endpoint. Routes added
// through Handle are logged with their status and latency.
type BaseServer struct {
	Logger     zerolog.Logger
	HTTPPort   string
	httpServer *http.Server
	mux        *http.ServeMux
	health     HealthFunc
	actualAddr string
	mu         sync.RWMutex
}

// NewBaseServer creates a BaseServer. A nil health reports only the status.
func NewBaseServer(logger zerolog.Logger, httpPort string, health HealthFunc) *BaseServer {
	if health == nil {
		health = func() Health { return Health{} }
	}
	mux := http.NewServeMux()
	s := &BaseServer{
		Logger:   logger,
		HTTPPort: httpPort,
		mux:      mux,
		health:   health,
		httpServer: &http.Server{
			Addr:              httpPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// Handle registers handler for pattern with request logging.
func (s *BaseServer) Handle(pattern string, handler http.HandlerFunc) {
	s.mux.Handle(pattern, s.logRequests(pattern, handler))
}

// Start listens on HTTPPort and serves in a background goroutine.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the provided context's deadline.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.Logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns the port the server is listening on, which differs from
// HTTPPort when that was ":0".
func (s *BaseServer) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.HTTPPort
	}
	return ":" + port
}

// Mux returns the underlying ServeMux.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

func (s *BaseServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.health()
	h.Status = "ok"
	writeJSON(w, http.StatusOK, h)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *BaseServer) logRequests(pattern string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		ev := s.Logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			ev = s.Logger.Warn()
		}
		ev.Str("route", pattern).Int("status", rec.status).Dur("latency", time.Since(start)).Msg("Handled request.")
	})
}
