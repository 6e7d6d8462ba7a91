// Package server defines the JSON envelopes exchanged over the WebSocket and
// utility helpers that are reused across client and hub logic.
package server

import (
	"encoding/json"
	"log"
	"strings"

	"github.com/Tyrowin/roomcall/internal/rooms"
)

// Event names carried in the envelope "event" field.
const (
	EventSignup    = "signup"
	EventLogin     = "login"
	EventChat      = "chat"
	EventDM        = "dm"
	EventOffer     = "offer"
	EventAnswer    = "answer"
	EventICE       = "ice"
	EventSystem    = "system"
	EventUsers     = "users"
	EventAck       = "ack"
	EventConnected = "connected"
)

// Inbound is a client to server envelope. ID is echoed in the acknowledgment
// when present.
type Inbound struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Outbound is a server to client envelope.
type Outbound struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id,omitempty"`
	Data  any             `json:"data,omitempty"`
}

// SignupRequest is the payload of a signup event.
type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// LoginRequest is the payload of a login event.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Room     string `json:"room"`
}

// Ack acknowledges signup and reports failed logins.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// LoginAck acknowledges a successful login.
type LoginAck struct {
	OK      bool          `json:"ok"`
	Name    string        `json:"name"`
	History []rooms.Entry `json:"history"`
}

// DMRequest is the payload of a dm event.
type DMRequest struct {
	To  string `json:"to"`
	Msg string `json:"msg"`
}

// DMSender identifies who sent a direct message.
type DMSender struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DirectMessage is delivered to the dm target.
type DirectMessage struct {
	From DMSender `json:"from"`
	Msg  string   `json:"msg"`
}

// AnswerRequest is the payload of an answer event.
type AnswerRequest struct {
	To  string          `json:"to"`
	SDP json.RawMessage `json:"sdp"`
}

// SDPRelay carries an offer or answer. SDP is forwarded untouched.
type SDPRelay struct {
	ID  string          `json:"id"`
	SDP json.RawMessage `json:"sdp"`
}

// ICERelay carries an ICE candidate. Candidate is forwarded untouched.
type ICERelay struct {
	ID        string          `json:"id"`
	Candidate json.RawMessage `json:"candidate"`
}

// Connected tells a fresh connection its id.
type Connected struct {
	ID string `json:"id"`
}

// encodeEvent marshals an outbound envelope. Payloads are plain data types, so
// a failure here is a programming error and is only logged.
func encodeEvent(event string, id json.RawMessage, data any) []byte {
	payload, err := json.Marshal(Outbound{Event: event, ID: id, Data: data})
	if err != nil {
		log.Printf("Error encoding %s event: %v", event, err)
		return nil
	}
	return payload
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
