package ws

import (
	"log/slog"
	"net/http"

	"parley/internal/obs"

	"github.com/gorilla/websocket"
)

type authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

type Server struct {
	auth     authenticator
	feed     feedSource
	upgrader *websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(auth authenticator, feed feedSource, logger *slog.Logger) *Server {
	return &Server{
		auth: auth,
		feed: feed,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Bearer tokens, not cookies, authorize the socket.
			},
		},
		logger: obs.OrDefault(logger),
	}
}

// HandleConnections serves GET /v1/realtime?channels=...
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	channels := r.URL.Query()["channels"]
	if len(channels) == 0 {
		http.Error(w, "At least one channel is required", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("error upgrading to websocket", "error", err)
		return
	}

	conn := NewConnection(s.feed, ws, userID, channels, s.logger)
	if err := conn.Handle(r.Context()); err != nil {
		s.logger.Debug("realtime connection closed", "user_id", userID, "error", err)
	}
}
