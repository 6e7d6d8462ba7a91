// Package server wires HTTP handlers into a ServeMux via routing helpers.
package server

import "net/http"

// Routes returns a ServeMux with the health probe, the WebSocket endpoint,
// ICE configuration, and static serving of the client bundle at "/".
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/ice-servers", s.ICEServersHandler)
	return mux
}
