// Package rooms keeps the bounded chat history of every named room.
package rooms

import "encoding/json"

// HistoryLimit is the number of most recent entries a room retains.
const HistoryLimit = 50

// Entry is a single chat line as stored and as sent to clients.
type Entry struct {
	Name string `json:"name"`
	Msg  string `json:"msg"`
}

// Store maps room names to their history. Rooms are created lazily and never
// removed. It is not safe for concurrent use.
type Store struct {
	rooms map[string][]Entry
}

// NewStore creates an empty room store.
func NewStore() *Store {
	return &Store{rooms: make(map[string][]Entry)}
}

// Ensure creates the room with an empty history if it does not exist yet and
// reports whether it did.
func (s *Store) Ensure(room string) bool {
	if _, ok := s.rooms[room]; ok {
		return false
	}
	s.rooms[room] = []Entry{}
	return true
}

// Append adds entry to the room and drops the oldest entries beyond HistoryLimit.
func (s *Store) Append(room string, entry Entry) {
	s.rooms[room] = truncate(append(s.rooms[room], entry))
}

// History returns a copy of the room's entries, oldest first. Unknown rooms
// yield an empty slice.
func (s *Store) History(room string) []Entry {
	entries := s.rooms[room]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Len returns the number of known rooms.
func (s *Store) Len() int {
	return len(s.rooms)
}

func truncate(entries []Entry) []Entry {
	if len(entries) <= HistoryLimit {
		return entries
	}
	kept := make([]Entry, HistoryLimit)
	copy(kept, entries[len(entries)-HistoryLimit:])
	return kept
}

// MarshalJSON encodes the store as room name -> ordered entries.
func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.rooms)
}

// UnmarshalJSON replaces the store contents, enforcing HistoryLimit on every room.
func (s *Store) UnmarshalJSON(data []byte) error {
	decoded := make(map[string][]Entry)
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	rooms := make(map[string][]Entry, len(decoded))
	for name, entries := range decoded {
		if entries == nil {
			entries = []Entry{}
		}
		rooms[name] = truncate(entries)
	}
	s.rooms = rooms
	return nil
}
