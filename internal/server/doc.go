// Package server implements the room chat and WebRTC signaling service.
//
// The implementation is organized into specialized files for configuration,
// the hub event loop, per-connection clients, the session registry, the
// signaling router, routing, and HTTP handlers. All shared state is owned by
// the hub goroutine, which processes one event at a time.
package server
