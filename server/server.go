// Package server binds HTTP and WebSocket transports onto the session
// engine. Handlers are thin: they parse requests, call one manager
// operation, and encode the result. No session logic lives here.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deepnoodle-ai/drawbridge/objectstore"
	"github.com/deepnoodle-ai/drawbridge/session"
	"github.com/deepnoodle-ai/drawbridge/slogger"
)

// Server serves the Drawbridge HTTP API and WebSocket endpoint.
type Server struct {
	manager *session.Manager
	objects *objectstore.S3Store // nil when object storage is not configured
	logger  slogger.Logger
	httpSrv *http.Server
}

// Options configures a Server. Manager is required; Objects may be nil.
type Options struct {
	Addr    string
	Manager *session.Manager
	Objects *objectstore.S3Store
	Logger  slogger.Logger
}

// New creates a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slogger.NewDevNullLogger()
	}
	s := &Server{
		manager: opts.Manager,
		objects: opts.Objects,
		logger:  logger,
	}
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table. Exposed separately so tests can mount
// it on httptest servers.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.GET("/health", s.handleHealth)
	router.GET("/api/sessions", s.handleListSessions)
	router.GET("/api/session/:id", s.handleGetSession)
	router.POST("/api/session/:id/elements", s.handleSetElements)
	router.POST("/api/session/:id/append", s.handleAppendElements)
	router.POST("/api/session/:id/viewport", s.handleSetViewport)
	router.POST("/api/session/:id/clear", s.handleClear)
	router.POST("/api/session/:id/undo", s.handleUndo)
	router.GET("/api/session/:id/versions", s.handleVersions)
	router.POST("/api/session/:id/restore", s.handleRestore)
	router.POST("/api/session/:id/upload", s.handleUpload)
	router.GET("/api/files/:fileId", s.handleDownload)
	router.GET("/ws/:id", s.handleWebSocket)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	// Preflight for any route.
	router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		w.WriteHeader(http.StatusNoContent)
	})

	return corsMiddleware(router)
}

// ListenAndServe blocks serving the API until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("drawbridge listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
