// Package server routes decoded client events through the signaling state
// machine and fans the results out to the right audience.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/Tyrowin/roomcall/internal/accounts"
	"github.com/Tyrowin/roomcall/internal/rooms"
)

// ErrValidation marks requests missing required fields.
var ErrValidation = errors.New("missing required fields")

// User-facing acknowledgment errors.
const (
	msgMissingFields      = "missing required fields"
	msgDuplicateIdentity  = "email already registered"
	msgInvalidCredentials = "invalid credentials"
	msgUnknownEvent       = "unknown event"
	msgInternal           = "internal error"
)

// Sender delivers an encoded envelope to one connection. Delivery is best
// effort; an unknown connection id is ignored.
type Sender interface {
	Send(connID string, payload []byte)
}

// Persister writes the durable stores after a mutation.
type Persister interface {
	Save(accountStore *accounts.Store, roomStore *rooms.Store) error
}

// Router owns the stores and the session registry and implements every
// client event. It must only be called from the hub goroutine.
type Router struct {
	accounts *accounts.Store
	rooms    *rooms.Store
	sessions *Registry
	store    Persister
	out      Sender
}

// NewRouter wires a router to its stores, persistence and outbound sender.
// A nil Persister disables saving.
func NewRouter(accountStore *accounts.Store, roomStore *rooms.Store, store Persister, out Sender) *Router {
	return &Router{
		accounts: accountStore,
		rooms:    roomStore,
		sessions: NewRegistry(),
		store:    store,
		out:      out,
	}
}

// Sessions exposes the registry for inspection.
func (r *Router) Sessions() *Registry {
	return r.sessions
}

// Rooms exposes the room store for inspection.
func (r *Router) Rooms() *rooms.Store {
	return r.rooms
}

// Save persists the current stores.
func (r *Router) Save() error {
	if r.store == nil {
		return nil
	}
	return r.store.Save(r.accounts, r.rooms)
}

// Connect greets a new connection with its id.
func (r *Router) Connect(connID string) {
	r.out.Send(connID, encodeEvent(EventConnected, nil, Connected{ID: connID}))
}

// Dispatch handles one inbound envelope from connID.
func (r *Router) Dispatch(connID string, msg Inbound) {
	switch msg.Event {
	case EventSignup:
		r.signup(connID, msg.ID, msg.Data)
	case EventLogin:
		r.login(connID, msg.ID, msg.Data)
	case EventChat:
		r.chat(connID, msg.Data)
	case EventDM:
		r.directMessage(connID, msg.Data)
	case EventOffer:
		r.callOffer(connID, msg.Data)
	case EventAnswer:
		r.callAnswer(connID, msg.Data)
	case EventICE:
		r.iceCandidate(connID, msg.Data)
	default:
		log.Printf("Ignoring unknown event %q from %s", msg.Event, connID)
		r.ack(connID, msg.ID, Ack{OK: false, Error: msgUnknownEvent})
	}
}

// Disconnect removes the connection's session, if any, and tells the room.
func (r *Router) Disconnect(connID string) {
	session, ok := r.sessions.Remove(connID)
	if !ok {
		return
	}
	r.announceLeave(session)
}

// ack replies only when the client asked for an acknowledgment.
func (r *Router) ack(connID string, id json.RawMessage, response any) {
	if len(id) == 0 {
		return
	}
	r.out.Send(connID, encodeEvent(EventAck, id, response))
}

func (r *Router) signup(connID string, id, data json.RawMessage) {
	var req SignupRequest
	if err := decodeRequired(data, &req, &req.Email, &req.Password, &req.Name); err != nil {
		log.Printf("Rejected signup from %s: %v", connID, err)
		r.ack(connID, id, Ack{OK: false, Error: msgMissingFields})
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)

	if err := r.accounts.Register(req.Email, req.Password, req.Name); err != nil {
		if errors.Is(err, accounts.ErrDuplicateIdentity) {
			r.ack(connID, id, Ack{OK: false, Error: msgDuplicateIdentity})
			return
		}
		log.Printf("Signup for %s failed: %v", req.Email, err)
		r.ack(connID, id, Ack{OK: false, Error: msgInternal})
		return
	}

	log.Printf("Registered account %s", req.Email)
	r.persist()
	r.ack(connID, id, Ack{OK: true})
}

func (r *Router) login(connID string, id, data json.RawMessage) {
	var req LoginRequest
	if err := decodeRequired(data, &req, &req.Email, &req.Password, &req.Room); err != nil {
		log.Printf("Rejected login from %s: %v", connID, err)
		r.ack(connID, id, Ack{OK: false, Error: msgMissingFields})
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Room = strings.TrimSpace(req.Room)

	account, err := r.accounts.Verify(req.Email, req.Password)
	if err != nil {
		if !errors.Is(err, accounts.ErrUnknownIdentity) && !errors.Is(err, accounts.ErrCredentialMismatch) {
			log.Printf("Login for %s failed: %v", req.Email, err)
		}
		r.ack(connID, id, Ack{OK: false, Error: msgInvalidCredentials})
		return
	}

	if previous, ok := r.sessions.Remove(connID); ok {
		r.announceLeave(previous)
	}

	r.sessions.Add(connID, account.Identity, account.DisplayName, req.Room)
	if r.rooms.Ensure(req.Room) {
		r.persist()
	}
	log.Printf("%s (%s) joined room %q", account.Identity, connID, req.Room)

	// The joiner receives its history before the join announcement.
	r.ack(connID, id, LoginAck{OK: true, Name: account.DisplayName, History: r.rooms.History(req.Room)})
	r.toRoom(req.Room, "", encodeEvent(EventSystem, nil, account.DisplayName+" joined"))
	r.publishUsers(req.Room)
}

func (r *Router) chat(connID string, data json.RawMessage) {
	session, ok := r.sessions.Get(connID)
	if !ok {
		return
	}

	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		log.Printf("Dropping malformed chat from %s: %v", connID, err)
		return
	}

	entry := rooms.Entry{Name: session.DisplayName, Msg: text}
	r.rooms.Append(session.Room, entry)
	r.persist()
	r.toRoom(session.Room, "", encodeEvent(EventChat, nil, entry))
}

func (r *Router) directMessage(connID string, data json.RawMessage) {
	session, ok := r.sessions.Get(connID)
	if !ok {
		return
	}

	var req DMRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("Dropping malformed dm from %s: %v", connID, err)
		return
	}
	if _, live := r.sessions.Get(req.To); !live {
		return
	}

	r.out.Send(req.To, encodeEvent(EventDM, nil, DirectMessage{
		From: DMSender{ID: connID, Name: session.DisplayName},
		Msg:  req.Msg,
	}))
}

// callOffer fans the offer out to every other member of the room, not to a
// single chosen peer.
func (r *Router) callOffer(connID string, data json.RawMessage) {
	session, ok := r.sessions.Get(connID)
	if !ok {
		return
	}
	r.toRoom(session.Room, connID, encodeEvent(EventOffer, nil, SDPRelay{ID: connID, SDP: data}))
}

func (r *Router) callAnswer(connID string, data json.RawMessage) {
	if _, ok := r.sessions.Get(connID); !ok {
		return
	}

	var req AnswerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("Dropping malformed answer from %s: %v", connID, err)
		return
	}
	if _, live := r.sessions.Get(req.To); !live {
		return
	}

	r.out.Send(req.To, encodeEvent(EventAnswer, nil, SDPRelay{ID: connID, SDP: req.SDP}))
}

func (r *Router) iceCandidate(connID string, data json.RawMessage) {
	session, ok := r.sessions.Get(connID)
	if !ok {
		return
	}
	r.toRoom(session.Room, connID, encodeEvent(EventICE, nil, ICERelay{ID: connID, Candidate: data}))
}

func (r *Router) announceLeave(session Session) {
	log.Printf("%s (%s) left room %q", session.Identity, session.ConnID, session.Room)
	r.toRoom(session.Room, "", encodeEvent(EventSystem, nil, session.DisplayName+" left"))
	r.publishUsers(session.Room)
}

func (r *Router) publishUsers(room string) {
	r.toRoom(room, "", encodeEvent(EventUsers, nil, r.sessions.ListByRoom(room)))
}

// toRoom sends payload to every session in room except exclude.
func (r *Router) toRoom(room, exclude string, payload []byte) {
	if payload == nil {
		return
	}
	for _, member := range r.sessions.ListByRoom(room) {
		if member.ID == exclude {
			continue
		}
		r.out.Send(member.ID, payload)
	}
}

func (r *Router) persist() {
	if err := r.Save(); err != nil {
		log.Printf("Error saving snapshot: %v", err)
	}
}

// decodeRequired unmarshals data into req and checks that none of the listed
// fields is blank.
func decodeRequired(data json.RawMessage, req any, fields ...*string) error {
	if len(data) == 0 {
		return ErrValidation
	}
	if err := json.Unmarshal(data, req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for _, field := range fields {
		if strings.TrimSpace(*field) == "" {
			return ErrValidation
		}
	}
	return nil
}
