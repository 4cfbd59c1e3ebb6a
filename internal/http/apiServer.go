package http

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"sync"

	"privchat/internal/api"
	"privchat/internal/auth"
	"privchat/internal/metrics"
	"privchat/internal/relay"
	"privchat/internal/storage"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(authService *auth.AuthService, hub *relay.Hub, store *storage.BboltStorage, addr string, logger *slog.Logger) *APIServer {
	server := relay.NewServer(authService, hub, logger)
	apiHandlers := api.New(authService, store, hub)

	mux := http.NewServeMux()

	// REST endpoints
	mux.HandleFunc("GET /api/user/all", metrics.Instrument("/api/user/all", apiHandlers.RequireAuth(apiHandlers.UsersHandler)))
	mux.HandleFunc("GET /api/chat/history/private/{id}", metrics.Instrument("/api/chat/history/private", apiHandlers.RequireAuth(apiHandlers.HistoryHandler)))

	// WebSocket endpoint
	mux.HandleFunc("GET /ws", server.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
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
