package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/docstore"
	"parley/internal/metrics"
	"parley/internal/obs"
	"parley/internal/ws"
)

type APIServer struct {
	server *http.Server
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(authService *auth.Service, docs docstore.Gateway, limiter *api.WriteLimiter, addr string, logger *slog.Logger) *APIServer {
	logger = obs.OrDefault(logger)
	apiHandlers := api.New(authService, docs, limiter, logger)
	realtime := ws.NewServer(apiHandlers, docs, logger)

	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, instrument(pattern, h))
	}

	// Account endpoints
	handle("POST /v1/account", apiHandlers.RegisterHandler)
	handle("GET /v1/account", apiHandlers.RequireAuth(apiHandlers.AccountHandler))
	handle("POST /v1/account/sessions", apiHandlers.LoginHandler)
	handle("DELETE /v1/account/sessions", apiHandlers.LogoffHandler)

	// Document endpoints
	handle("GET /v1/collections/{collection}/documents", apiHandlers.RequireAuth(apiHandlers.ListDocumentsHandler))
	handle("POST /v1/collections/{collection}/documents", apiHandlers.RequireAuth(apiHandlers.CreateDocumentHandler))
	handle("GET /v1/collections/{collection}/documents/{id}", apiHandlers.RequireAuth(apiHandlers.GetDocumentHandler))
	handle("PATCH /v1/collections/{collection}/documents/{id}", apiHandlers.RequireAuth(apiHandlers.UpdateDocumentHandler))
	handle("DELETE /v1/collections/{collection}/documents/{id}", apiHandlers.RequireAuth(apiHandlers.DeleteDocumentHandler))

	// WebSocket endpoint
	mux.HandleFunc("GET /v1/realtime", realtime.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the routes for in-process use.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	s.logger.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument records request count and latency under the route pattern.
func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
