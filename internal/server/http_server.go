// Package server builds the listening http.Server around the route mux.
package server

import (
	"context"
	"log"
	"net/http"
	"time"
)

// CreateServer returns an http.Server listening on port with read, write and idle
// timeouts set. Hijacked WebSocket connections are not subject to them.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartServer blocks serving requests. It returns http.ErrServerClosed after
// ShutdownServer.
func StartServer(server *http.Server) error {
	log.Printf("Server listening on %s", server.Addr)
	return server.ListenAndServe()
}

// ShutdownServer stops accepting requests and waits for in-flight ones until
// ctx is done.
func ShutdownServer(ctx context.Context, server *http.Server) error {
	log.Printf("Stopping HTTP listener on %s", server.Addr)

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		return err
	}

	log.Println("HTTP listener stopped")
	return nil
}
