// Package server tracks which authenticated identity sits in which room for
// every live connection.
package server

import "sort"

// Session is the live association between a connection and an identity.
type Session struct {
	ConnID      string
	Identity    string
	DisplayName string
	Room        string
	seq         uint64
}

// Member is one entry of a room's users list.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Registry maps connection ids to sessions. It lives only as long as the
// process and is owned by the hub goroutine.
type Registry struct {
	sessions map[string]Session
	nextSeq  uint64
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Add records a session for connID, replacing any previous one.
func (r *Registry) Add(connID, identity, displayName, room string) Session {
	r.nextSeq++
	session := Session{
		ConnID:      connID,
		Identity:    identity,
		DisplayName: displayName,
		Room:        room,
		seq:         r.nextSeq,
	}
	r.sessions[connID] = session
	return session
}

// Remove deletes and returns the session for connID, if any.
func (r *Registry) Remove(connID string) (Session, bool) {
	session, ok := r.sessions[connID]
	if ok {
		delete(r.sessions, connID)
	}
	return session, ok
}

// Get returns the session for connID, if any.
func (r *Registry) Get(connID string) (Session, bool) {
	session, ok := r.sessions[connID]
	return session, ok
}

// ListByRoom returns the members of room in join order.
func (r *Registry) ListByRoom(room string) []Member {
	inRoom := make([]Session, 0)
	for _, session := range r.sessions {
		if session.Room == room {
			inRoom = append(inRoom, session)
		}
	}
	sort.Slice(inRoom, func(i, j int) bool { return inRoom[i].seq < inRoom[j].seq })

	members := make([]Member, len(inRoom))
	for i, session := range inRoom {
		members[i] = Member{ID: session.ConnID, Name: session.DisplayName}
	}
	return members
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}
