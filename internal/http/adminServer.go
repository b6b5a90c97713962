package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/obs"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type AdminServer struct {
	server *http.Server
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAdminServer(authService *auth.Service, addr string, logger *slog.Logger) *AdminServer {
	logger = obs.OrDefault(logger)
	adminHandler := api.NewAdminHandler(authService, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/users", adminHandler.AddUserHandler)
	mux.Handle("GET /metrics", promhttp.Handler())

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) Start() error {
	s.logger.Info("Admin API started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
