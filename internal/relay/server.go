package relay

import (
	"log"
	"log/slog"
	"net/http"

	"privchat/internal/auth"
	"privchat/internal/metrics"

	"github.com/gorilla/websocket"
)

type authenticator interface {
	GetUserID(token string) (string, error)
}

type Server struct {
	auth     authenticator
	hub      *Hub
	upgrader *websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(auth authenticator, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		auth: auth,
		hub:  hub,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		logger: logger,
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.GetUserID(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	metrics.IncWSActive()
	defer metrics.DecWSActive()

	conn := NewConnection(s.hub, ws, userID, s.logger)
	if err := conn.Handle(r.Context()); err != nil {
		s.logger.Debug("connection closed", "user_id", userID, "error", err)
	}
}
