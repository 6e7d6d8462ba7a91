package server

import (
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomcall/internal/accounts"
	"github.com/Tyrowin/roomcall/internal/rooms"
)

// Server bundles the hub, the router that owns all chat state, and the
// HTTP-facing settings derived from Config.
type Server struct {
	cfg      Config
	hub      *Hub
	router   *Router
	origins  *originPolicy
	upgrader websocket.Upgrader
}

// New builds a server around already loaded stores. store may be nil to run
// without persistence.
func New(cfg *Config, accountStore *accounts.Store, roomStore *rooms.Store, store Persister) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	sanitized := sanitizeConfig(*cfg)
	accountStore.SetCost(sanitized.BcryptCost)

	hub := NewHub()
	router := NewRouter(accountStore, roomStore, store, hub)
	hub.SetHandler(router)

	s := &Server{
		cfg:     sanitized,
		hub:     hub,
		router:  router,
		origins: newOriginPolicy(sanitized.AllowedOrigins),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	return s
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config {
	return s.cfg
}

// Hub returns the server's hub for shutdown coordination.
func (s *Server) Hub() *Hub {
	return s.hub
}

// StartHub runs the hub event loop in a separate goroutine. It must be called
// before the HTTP server accepts WebSocket connections.
func (s *Server) StartHub() {
	go s.hub.Run()
	log.Println("Hub started and ready to manage WebSocket connections")
}

// Close stops the hub and writes a final snapshot. The final save happens
// after the hub loop has exited, so it never races a handler.
func (s *Server) Close(timeout time.Duration) error {
	hubErr := s.hub.Shutdown(timeout)
	if err := s.router.Save(); err != nil {
		return fmt.Errorf("final snapshot: %w", err)
	}
	return hubErr
}
