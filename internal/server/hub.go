// Package server coordinates client registration, event dispatch, and
// connection cleanup for the signaling system via the Hub type.
package server

import (
	"context"
	"log"
	"sync"
	"time"
)

// EventHandler receives connection lifecycle and client events from the hub.
// All calls happen on the hub goroutine, one at a time.
type EventHandler interface {
	Connect(connID string)
	Dispatch(connID string, msg Inbound)
	Disconnect(connID string)
}

type inboundEvent struct {
	client *Client
	msg    Inbound
}

// Hub manages all WebSocket client connections and serializes every event
// into a single stream. The client maps are guarded by a mutex because write
// pumps consult them from their own goroutines.
type Hub struct {
	clients    map[*Client]bool
	byID       map[string]*Client
	handler    EventHandler
	inbound    chan inboundEvent
	register   chan *Client
	unregister chan *Client
	failed     []*Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates and initializes a new Hub instance with all necessary channels
// and client maps. Events are discarded until a handler is set.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		byID:       make(map[string]*Client),
		inbound:    make(chan inboundEvent),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// SetHandler installs the event handler. It must be called before Run.
func (h *Hub) SetHandler(handler EventHandler) {
	h.handler = handler
}

// GetRegisterChan returns the channel used for registering new clients to the hub.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients from the hub.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Send queues payload for the client with the given connection id. Unknown
// ids are ignored. A client whose queue is full is dropped once the current
// event finishes. Send must only be called from the hub goroutine.
func (h *Hub) Send(connID string, payload []byte) {
	h.mutex.RLock()
	client, ok := h.byID[connID]
	h.mutex.RUnlock()
	if !ok {
		return
	}

	if !h.safeSend(client, payload) {
		h.failed = append(h.failed, client)
	}
}

// safeSend queues message without blocking. It reports false when the client
// is gone or its buffer is full. The read lock is held across the send so
// removeClient cannot close the channel underneath it.
func (h *Hub) safeSend(client *Client, message []byte) (queued bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic queueing for %s: %v", client.addr, r)
			queued = false
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if !h.clients[client] || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling client registration,
// unregistration, and inbound events. This method should be called in a
// separate goroutine as it runs until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Printf("Received nil client registration; skipping")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.inbound:
			h.handleInbound(event)
		}

		h.removeFailedClients()
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client] = true
	h.byID[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()
	log.Printf("Client %s registered from %s. Total clients: %d", client.id, client.addr, clientCount)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()

	h.call(func(handler EventHandler) { handler.Connect(client.id) })
}

// removeClient unregisters client and closes its send channel. Calling it for
// an already removed client is a no-op.
func (h *Hub) removeClient(client *Client) {
	if client == nil {
		return
	}

	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	delete(h.byID, client.id)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(client.send)
	log.Printf("Client %s unregistered from %s. Total clients: %d", client.id, client.addr, clientCount)

	h.call(func(handler EventHandler) { handler.Disconnect(client.id) })
}

func (h *Hub) handleInbound(event inboundEvent) {
	h.mutex.RLock()
	_, registered := h.clients[event.client]
	h.mutex.RUnlock()
	if !registered {
		return
	}

	h.call(func(handler EventHandler) { handler.Dispatch(event.client.id, event.msg) })
}

// call runs fn against the handler, recovering from panics so that one bad
// event cannot stop the loop.
func (h *Hub) call(fn func(EventHandler)) {
	if h.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in event handler: %v", r)
		}
	}()
	fn(h.handler)
}

// removeFailedClients drops clients whose send buffer overflowed during the
// last event. Their departure may itself overflow other buffers, so the list
// is drained until empty.
func (h *Hub) removeFailedClients() {
	for len(h.failed) > 0 {
		client := h.failed[0]
		h.failed = h.failed[1:]
		h.mutex.RLock()
		_, exists := h.clients[client]
		h.mutex.RUnlock()
		if exists {
			log.Printf("Client %s from %s removed due to full send buffer", client.id, client.addr)
		}
		h.removeClient(client)
	}
	h.failed = nil
}

// shutdownClients gracefully closes all active client connections and stops
// their write pumps.
func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
		delete(h.byID, client.id)
		client.closed = true
	}
	h.mutex.Unlock()

	for _, client := range clients {
		close(client.send)
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing client connection from %s: %v", client.addr, err)
				}
			}
		}
	}

	log.Printf("Closed %d client connections", len(clients))
}

// Shutdown stops the event loop, closes every connection and waits up to
// timeout for the pump goroutines to exit. Once it returns the handler is
// never called again. Calling it twice is safe.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Stopping hub...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub stopped")
		return nil
	case <-time.After(timeout):
		log.Printf("Hub stop timed out after %s; pumps still running", timeout)
		return context.DeadlineExceeded
	}
}
