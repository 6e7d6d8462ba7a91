// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and client ICE configuration.
package server

import (
	"encoding/json"
	"log"
	"net/http"
)

// WebSocketHandler upgrades GET requests to WebSocket connections and hands
// the new client to the hub, which launches its pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr, s.cfg)

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		_ = conn.Close()
	}
}

// HealthHandler is the liveness probe.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

// ICEServersResponse is the body of GET /ice-servers.
type ICEServersResponse struct {
	ICEServers []iceServerEntry `json:"iceServers"`
}

// ICEServersHandler returns the ICE servers browsers should use for calls.
func (s *Server) ICEServersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := ICEServersResponse{ICEServers: make([]iceServerEntry, 0, len(s.cfg.ICEServers))}
	for _, server := range s.cfg.ICEServers {
		resp.ICEServers = append(resp.ICEServers, entryFor(server))
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("Error writing ICE servers response: %v", err)
	}
}
