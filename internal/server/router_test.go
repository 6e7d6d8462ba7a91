package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/roomcall/internal/accounts"
	"github.com/Tyrowin/roomcall/internal/rooms"
)

type received struct {
	Event string          `json:"event"`
	ID    json.RawMessage `json:"id"`
	Data  json.RawMessage `json:"data"`
}

// recordingSender captures every envelope the router emits, per connection.
type recordingSender struct {
	t          *testing.T
	known      map[string]bool
	deliveries map[string][]received
}

func newRecordingSender(t *testing.T) *recordingSender {
	return &recordingSender{t: t, known: make(map[string]bool), deliveries: make(map[string][]received)}
}

func (s *recordingSender) Send(connID string, payload []byte) {
	if !s.known[connID] {
		s.t.Errorf("Router sent to unknown connection %q", connID)
		return
	}
	var msg received
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.t.Fatalf("Router emitted invalid JSON %q: %v", payload, err)
	}
	s.deliveries[connID] = append(s.deliveries[connID], msg)
}

// take returns and clears everything delivered to connID.
func (s *recordingSender) take(connID string) []received {
	msgs := s.deliveries[connID]
	delete(s.deliveries, connID)
	return msgs
}

type countingPersister struct {
	saves int
	err   error
}

func (p *countingPersister) Save(*accounts.Store, *rooms.Store) error {
	p.saves++
	return p.err
}

type routerFixture struct {
	t      *testing.T
	router *Router
	out    *recordingSender
	store  *countingPersister
	nextID int
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	out := newRecordingSender(t)
	store := &countingPersister{}
	router := NewRouter(accounts.NewStore(bcrypt.MinCost), rooms.NewStore(), store, out)
	return &routerFixture{t: t, router: router, out: out, store: store}
}

func (f *routerFixture) connect(connID string) {
	f.out.known[connID] = true
	f.router.Connect(connID)
	f.out.take(connID)
}

func (f *routerFixture) disconnect(connID string) {
	f.router.Disconnect(connID)
	delete(f.out.known, connID)
	delete(f.out.deliveries, connID)
}

func (f *routerFixture) dispatch(connID, event string, data any, withAck bool) {
	f.t.Helper()
	msg := Inbound{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			f.t.Fatalf("Failed to marshal %s payload: %v", event, err)
		}
		msg.Data = raw
	}
	if withAck {
		f.nextID++
		msg.ID = json.RawMessage(fmt.Sprint(f.nextID))
	}
	f.router.Dispatch(connID, msg)
}

func (f *routerFixture) signup(connID, email, password, name string) Ack {
	f.t.Helper()
	f.dispatch(connID, EventSignup, SignupRequest{Email: email, Password: password, Name: name}, true)
	var ack Ack
	decodeData(f.t, onlyEvent(f.t, f.out.take(connID), EventAck), &ack)
	return ack
}

// login returns the raw ack plus everything else the caller received.
func (f *routerFixture) login(connID, email, password, room string) (received, []received) {
	f.t.Helper()
	f.dispatch(connID, EventLogin, LoginRequest{Email: email, Password: password, Room: room}, true)
	msgs := f.out.take(connID)
	if len(msgs) == 0 || msgs[0].Event != EventAck {
		f.t.Fatalf("Expected ack as first delivery, got %+v", msgs)
	}
	return msgs[0], msgs[1:]
}

func (f *routerFixture) mustLogin(connID, email, password, room string) LoginAck {
	f.t.Helper()
	ackMsg, _ := f.login(connID, email, password, room)
	var ack LoginAck
	decodeData(f.t, ackMsg, &ack)
	if !ack.OK {
		f.t.Fatalf("Login for %s failed: %s", email, ackMsg.Data)
	}
	return ack
}

func onlyEvent(t *testing.T, msgs []received, event string) received {
	t.Helper()
	if len(msgs) != 1 || msgs[0].Event != event {
		t.Fatalf("Expected exactly one %s event, got %+v", event, msgs)
	}
	return msgs[0]
}

func decodeData(t *testing.T, msg received, into any) {
	t.Helper()
	if err := json.Unmarshal(msg.Data, into); err != nil {
		t.Fatalf("Failed to decode %s data %s: %v", msg.Event, msg.Data, err)
	}
}

func eventsOf(msgs []received) []string {
	events := make([]string, len(msgs))
	for i, msg := range msgs {
		events[i] = msg.Event
	}
	return events
}

func TestConnectAnnouncesConnectionID(t *testing.T) {
	f := newRouterFixture(t)
	f.out.known["c1"] = true

	f.router.Connect("c1")

	var connected Connected
	decodeData(t, onlyEvent(t, f.out.take("c1"), EventConnected), &connected)
	if connected.ID != "c1" {
		t.Errorf("Expected id c1, got %q", connected.ID)
	}
}

func TestSignup(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("c1")

	if ack := f.signup("c1", "a@x.com", "pw1", "Alice"); !ack.OK {
		t.Fatalf("Expected signup to succeed, got %+v", ack)
	}
	if f.store.saves != 1 {
		t.Errorf("Expected 1 save after signup, got %d", f.store.saves)
	}

	ack := f.signup("c1", "a@x.com", "other", "Mallory")
	if ack.OK || ack.Error != msgDuplicateIdentity {
		t.Errorf("Expected duplicate rejection, got %+v", ack)
	}
	if f.store.saves != 1 {
		t.Errorf("Duplicate signup must not save, got %d saves", f.store.saves)
	}
	if f.router.Sessions().Len() != 0 {
		t.Error("Signup must not create a session")
	}
}

func TestSignupValidation(t *testing.T) {
	tests := []struct {
		name string
		data any
	}{
		{name: "missing payload", data: nil},
		{name: "missing email", data: SignupRequest{Password: "pw", Name: "Alice"}},
		{name: "missing password", data: SignupRequest{Email: "a@x.com", Name: "Alice"}},
		{name: "blank name", data: SignupRequest{Email: "a@x.com", Password: "pw", Name: "   "}},
		{name: "wrong payload type", data: "a@x.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t)
			f.connect("c1")

			f.dispatch("c1", EventSignup, tt.data, true)

			var ack Ack
			decodeData(t, onlyEvent(t, f.out.take("c1"), EventAck), &ack)
			if ack.OK || ack.Error != msgMissingFields {
				t.Errorf("Expected validation error, got %+v", ack)
			}
			if f.store.saves != 0 {
				t.Errorf("Rejected signup must not save, got %d", f.store.saves)
			}
		})
	}
}

func TestSignupWithoutAckIDSendsNothing(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("c1")

	f.dispatch("c1", EventSignup, SignupRequest{Email: "a@x.com", Password: "pw1", Name: "Alice"}, false)

	if msgs := f.out.take("c1"); len(msgs) != 0 {
		t.Errorf("Expected no deliveries without ack id, got %v", eventsOf(msgs))
	}
	if _, err := f.router.accounts.Verify("a@x.com", "pw1"); err != nil {
		t.Errorf("Signup without ack id should still register: %v", err)
	}
}

// TestLoginFailuresAreIndistinguishable checks that unknown identities and
// wrong passwords produce the same response and leave the connection
// unauthenticated.
func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("c1")
	f.signup("c1", "a@x.com", "pw1", "Alice")

	var unknown, mismatch Ack
	ackMsg, rest := f.login("c1", "nobody@x.com", "pw1", "lobby")
	decodeData(t, ackMsg, &unknown)
	if len(rest) != 0 {
		t.Errorf("Failed login must not broadcast, got %v", eventsOf(rest))
	}

	ackMsg, _ = f.login("c1", "a@x.com", "wrong", "lobby")
	decodeData(t, ackMsg, &mismatch)

	if unknown != mismatch {
		t.Errorf("Expected identical failures, got %+v and %+v", unknown, mismatch)
	}
	if unknown.OK || unknown.Error != msgInvalidCredentials {
		t.Errorf("Expected invalid credentials, got %+v", unknown)
	}
	if _, ok := f.router.Sessions().Get("c1"); ok {
		t.Error("Failed login created a session")
	}
	if f.router.Rooms().Len() != 0 {
		t.Error("Failed login created a room")
	}
}

func TestLoginValidation(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("c1")
	f.signup("c1", "a@x.com", "pw1", "Alice")

	ackMsg, _ := f.login("c1", "a@x.com", "pw1", "  ")
	var ack Ack
	decodeData(t, ackMsg, &ack)
	if ack.OK || ack.Error != msgMissingFields {
		t.Errorf("Expected validation error for blank room, got %+v", ack)
	}
}

// TestLoginJoinsRoom covers the full join sequence: ack with history first,
// then the join announcement and the users list to everyone in the room.
func TestLoginJoinsRoom(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("a")
	f.connect("b")
	f.signup("a", "a@x.com", "pw1", "Alice")
	f.signup("b", "b@x.com", "pw2", "Bob")

	ack := f.mustLogin("a", "a@x.com", "pw1", "lobby")
	if ack.Name != "Alice" {
		t.Errorf("Expected name Alice, got %q", ack.Name)
	}
	if ack.History == nil || len(ack.History) != 0 {
		t.Errorf("Expected empty non-null history, got %#v", ack.History)
	}

	ackMsg, rest := f.login("b", "b@x.com", "pw2", "lobby")
	if got := string(ackMsg.ID); got == "" {
		t.Error("Ack did not echo the request id")
	}
	if events := eventsOf(rest); len(events) != 2 || events[0] != EventSystem || events[1] != EventUsers {
		t.Fatalf("Expected system then users after ack, got %v", events)
	}

	var joined string
	decodeData(t, rest[0], &joined)
	if joined != "Bob joined" {
		t.Errorf("Expected %q, got %q", "Bob joined", joined)
	}

	aliceMsgs := f.out.take("a")
	if events := eventsOf(aliceMsgs); len(events) != 2 || events[0] != EventSystem || events[1] != EventUsers {
		t.Fatalf("Expected Alice to see system then users, got %v", events)
	}

	var users []Member
	decodeData(t, aliceMsgs[1], &users)
	want := []Member{{ID: "a", Name: "Alice"}, {ID: "b", Name: "Bob"}}
	if len(users) != len(want) {
		t.Fatalf("Expected %d users, got %+v", len(want), users)
	}
	for i := range want {
		if users[i] != want[i] {
			t.Errorf("User %d: expected %+v, got %+v", i, want[i], users[i])
		}
	}
}

func TestLoginCreatesRoomAndSaves(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("a")
	f.signup("a", "a@x.com", "pw1", "Alice")
	saves := f.store.saves

	f.mustLogin("a", "a@x.com", "pw1", "lobby")
	if f.router.Rooms().Len() != 1 {
		t.Errorf("Expected lobby to exist, got %d rooms", f.router.Rooms().Len())
	}
	if f.store.saves != saves+1 {
		t.Errorf("Expected a save for the new room, got %d", f.store.saves-saves)
	}

	f.connect("a2")
	f.mustLogin("a2", "a@x.com", "pw1", "lobby")
	if f.store.saves != saves+1 {
		t.Error("Joining an existing room must not save")
	}
}

// TestLoginHistoryMatchesStore checks that the history returned on login is
// exactly what the room holds at that moment.
func TestLoginHistoryMatchesStore(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("a")
	f.connect("b")
	f.signup("a", "a@x.com", "pw1", "Alice")
	f.signup("b", "b@x.com", "pw2", "Bob")
	f.mustLogin("a", "a@x.com", "pw1", "lobby")

	for i := 0; i < 3; i++ {
		f.dispatch("a", EventChat, fmt.Sprintf("m%d", i), false)
	}

	ack := f.mustLogin("b", "b@x.com", "pw2", "lobby")
	stored := f.router.Rooms().History("lobby")
	if len(ack.History) != len(stored) {
		t.Fatalf("Expected %d history entries, got %d", len(stored), len(ack.History))
	}
	for i := range stored {
		if ack.History[i] != stored[i] {
			t.Errorf("Entry %d: expected %+v, got %+v", i, stored[i], ack.History[i])
		}
	}
}

func TestChatBroadcastsToRoomOnly(t *testing.T) {
	f := newRouterFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		f.connect(id)
	}
	f.signup("a", "a@x.com", "pw1", "Alice")
	f.signup("b", "b@x.com", "pw2", "Bob")
	f.signup("c", "c@x.com", "pw3", "Carol")
	f.mustLogin("a", "a@x.com", "pw1", "lobby")
	f.mustLogin("b", "b@x.com", "pw2", "lobby")
	f.mustLogin("c", "c@x.com", "pw3", "other")
	for _, id := range []string{"a", "b", "c"} {
		f.out.take(id)
	}
	saves := f.store.saves

	f.dispatch("a", EventChat, "hi", false)

	for _, id := range []string{"a", "b"} {
		var entry rooms.Entry
		decodeData(t, onlyEvent(t, f.out.take(id), EventChat), &entry)
		if entry.Name != "Alice" || entry.Msg != "hi" {
			t.Errorf("%s: unexpected chat entry %+v", id, entry)
		}
	}
	if msgs := f.out.take("c"); len(msgs) != 0 {
		t.Errorf("Member of another room received %v", eventsOf(msgs))
	}
	if got := f.router.Rooms().History("lobby"); len(got) != 1 {
		t.Errorf("Expected history length 1, got %d", len(got))
	}
	if f.store.saves != saves+1 {
		t.Errorf("Expected one save per chat, got %d", f.store.saves-saves)
	}
}

func TestChatWithoutSessionIsIgnored(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("a")

	f.dispatch("a", EventChat, "hello?", false)

	if msgs := f.out.take("a"); len(msgs) != 0 {
		t.Errorf("Unauthenticated chat produced %v", eventsOf(msgs))
	}
	if f.router.Rooms().Len() != 0 || f.store.saves != 0 {
		t.Error("Unauthenticated chat mutated state")
	}
}

func TestSixtyChatsKeepLastFifty(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("a")
	f.signup("a", "a@x.com", "pw1", "Alice")
	f.mustLogin("a", "a@x.com", "pw1", "lobby")

	for i := 0; i < 60; i++ {
		f.dispatch("a", EventChat, fmt.Sprintf("m%d", i), false)
	}

	history := f.router.Rooms().History("lobby")
	if len(history) != rooms.HistoryLimit {
		t.Fatalf("Expected %d entries, got %d", rooms.HistoryLimit, len(history))
	}
	if history[0].Msg != "m10" || history[len(history)-1].Msg != "m59" {
		t.Errorf("Unexpected retained window %q..%q", history[0].Msg, history[len(history)-1].Msg)
	}
}

func TestDirectMessage(t *testing.T) {
	f := newRouterFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		f.connect(id)
	}
	f.signup("a", "a@x.com", "pw1", "Alice")
	f.signup("b", "b@x.com", "pw2", "Bob")
	f.signup("c", "c@x.com", "pw3", "Carol")
	f.mustLogin("a", "a@x.com", "pw1", "lobby")
	f.mustLogin("b", "b@x.com", "pw2", "lobby")
	f.mustLogin("c", "c@x.com", "pw3", "lobby")
	for _, id := range []string{"a", "b", "c"} {
		f.out.take(id)
	}

	f.dispatch("a", EventDM, DMRequest{To: "b", Msg: "psst"}, false)

	var dm DirectMessage
	decodeData(t, onlyEvent(t, f.out.take("b"), EventDM), &dm)
	if dm.From.ID != "a" || dm.From.Name != "Alice" || dm.Msg != "psst" {
		t.Errorf("Unexpected dm %+v", dm)
	}
	if msgs := f.out.take("a"); len(msgs) != 0 {
		t.Errorf("Sender received an echo: %v", eventsOf(msgs))
	}
	if msgs := f.out.take("c"); len(msgs) != 0 {
		t.Errorf("Bystander received %v", eventsOf(msgs))
	}
	if len(f.router.Rooms().History("lobby")) != 0 {
		t.Error("Direct messages must not enter room history")
	}
}

// TestDirectMessageToDisconnectedTarget verifies the message is dropped
// without any delivery or panic.
func TestDirectMessageToDisconnectedTarget(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("a")
	f.connect("b")
	f.signup("a", "a@x.com", "pw1", "Alice")
	f.signup("b", "b@x.com", "pw2", "Bob")
	f.mustLogin("a", "a@x.com", "pw1", "lobby")
	f.mustLogin("b", "b@x.com", "pw2", "lobby")
	f.disconnect("b")
	f.out.take("a")

	f.dispatch("a", EventDM, DMRequest{To: "b", Msg: "still there?"}, false)
	f.dispatch("a", EventDM, DMRequest{To: "never-existed", Msg: "hello"}, false)

	if msgs := f.out.take("a"); len(msgs) != 0 {
		t.Errorf("Expected no deliveries, got %v", eventsOf(msgs))
	}
}

func TestDirectMessageRequiresSession(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("a")
	f.connect("b")
	f.signup("b", "b@x.com", "pw2", "Bob")
	f.mustLogin("b", "b@x.com", "pw2", "lobby")
	f.out.take("b")

	f.dispatch("a", EventDM, DMRequest{To: "b", Msg: "anonymous"}, false)

	if msgs := f.out.take("b"); len(msgs) != 0 {
		t.Errorf("Unauthenticated dm was delivered: %v", eventsOf(msgs))
	}
}

func signalingFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := newRouterFixture(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		f.connect(id)
	}
	f.signup("a", "a@x.com", "pw1", "Alice")
	f.signup("b", "b@x.com", "pw2", "Bob")
	f.signup("c", "c@x.com", "pw3", "Carol")
	f.signup("d", "d@x.com", "pw4", "Dave")
	f.mustLogin("a", "a@x.com", "pw1", "call")
	f.mustLogin("b", "b@x.com", "pw2", "call")
	f.mustLogin("c", "c@x.com", "pw3", "call")
	f.mustLogin("d", "d@x.com", "pw4", "elsewhere")
	for _, id := range []string{"a", "b", "c", "d"} {
		f.out.take(id)
	}
	return f
}

// TestOfferRelaysToRoomExceptSender checks the offer reaches every other room
// member with the payload untouched.
func TestOfferRelaysToRoomExceptSender(t *testing.T) {
	f := signalingFixture(t)
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n"}
	raw, err := json.Marshal(offer)
	if err != nil {
		t.Fatalf("Failed to marshal offer: %v", err)
	}

	f.dispatch("a", EventOffer, json.RawMessage(raw), false)

	for _, id := range []string{"b", "c"} {
		var relay SDPRelay
		decodeData(t, onlyEvent(t, f.out.take(id), EventOffer), &relay)
		if relay.ID != "a" {
			t.Errorf("%s: expected sender a, got %q", id, relay.ID)
		}
		var got webrtc.SessionDescription
		if err := json.Unmarshal(relay.SDP, &got); err != nil {
			t.Fatalf("%s: relayed sdp is not a session description: %v", id, err)
		}
		if got.Type != webrtc.SDPTypeOffer || got.SDP != offer.SDP {
			t.Errorf("%s: sdp changed in transit: %+v", id, got)
		}
	}
	for _, id := range []string{"a", "d"} {
		if msgs := f.out.take(id); len(msgs) != 0 {
			t.Errorf("%s should not receive the offer, got %v", id, eventsOf(msgs))
		}
	}
}

func TestAnswerRelaysToTargetOnly(t *testing.T) {
	f := signalingFixture(t)
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}
	raw, err := json.Marshal(answer)
	if err != nil {
		t.Fatalf("Failed to marshal answer: %v", err)
	}

	f.dispatch("b", EventAnswer, AnswerRequest{To: "a", SDP: raw}, false)

	var relay SDPRelay
	decodeData(t, onlyEvent(t, f.out.take("a"), EventAnswer), &relay)
	if relay.ID != "b" {
		t.Errorf("Expected sender b, got %q", relay.ID)
	}
	if string(relay.SDP) != string(raw) {
		t.Errorf("Expected sdp %s, got %s", raw, relay.SDP)
	}
	for _, id := range []string{"b", "c", "d"} {
		if msgs := f.out.take(id); len(msgs) != 0 {
			t.Errorf("%s should not receive the answer, got %v", id, eventsOf(msgs))
		}
	}

	f.disconnect("a")
	f.out.take("b")
	f.out.take("c")
	f.dispatch("b", EventAnswer, AnswerRequest{To: "a", SDP: raw}, false)
	for _, id := range []string{"b", "c"} {
		if msgs := f.out.take(id); len(msgs) != 0 {
			t.Errorf("Answer to a gone peer leaked to %s: %v", id, eventsOf(msgs))
		}
	}
}

func TestICECandidateRelaysToRoomExceptSender(t *testing.T) {
	f := signalingFixture(t)
	mid := "0"
	index := uint16(0)
	candidate := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
	raw, err := json.Marshal(candidate)
	if err != nil {
		t.Fatalf("Failed to marshal candidate: %v", err)
	}

	f.dispatch("c", EventICE, json.RawMessage(raw), false)

	for _, id := range []string{"a", "b"} {
		var relay ICERelay
		decodeData(t, onlyEvent(t, f.out.take(id), EventICE), &relay)
		if relay.ID != "c" {
			t.Errorf("%s: expected sender c, got %q", id, relay.ID)
		}
		var got webrtc.ICECandidateInit
		if err := json.Unmarshal(relay.Candidate, &got); err != nil {
			t.Fatalf("%s: relayed candidate does not decode: %v", id, err)
		}
		if got.Candidate != candidate.Candidate || got.SDPMid == nil || *got.SDPMid != mid {
			t.Errorf("%s: candidate changed in transit: %+v", id, got)
		}
	}
	if msgs := f.out.take("c"); len(msgs) != 0 {
		t.Errorf("Sender received its own candidate: %v", eventsOf(msgs))
	}
}

func TestSignalingRequiresSession(t *testing.T) {
	f := signalingFixture(t)
	f.connect("anon")

	f.dispatch("anon", EventOffer, map[string]string{"type": "offer"}, false)
	f.dispatch("anon", EventICE, map[string]string{"candidate": "x"}, false)
	f.dispatch("anon", EventAnswer, AnswerRequest{To: "a", SDP: json.RawMessage(`{}`)}, false)

	for _, id := range []string{"a", "b", "c", "d", "anon"} {
		if msgs := f.out.take(id); len(msgs) != 0 {
			t.Errorf("%s received %v from an unauthenticated peer", id, eventsOf(msgs))
		}
	}
}

func TestDisconnectAnnouncesDeparture(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("a")
	f.connect("b")
	f.signup("a", "a@x.com", "pw1", "Alice")
	f.signup("b", "b@x.com", "pw2", "Bob")
	f.mustLogin("a", "a@x.com", "pw1", "lobby")
	f.mustLogin("b", "b@x.com", "pw2", "lobby")
	f.out.take("a")

	f.disconnect("b")

	msgs := f.out.take("a")
	if events := eventsOf(msgs); len(events) != 2 || events[0] != EventSystem || events[1] != EventUsers {
		t.Fatalf("Expected system then users, got %v", events)
	}
	var left string
	decodeData(t, msgs[0], &left)
	if left != "Bob left" {
		t.Errorf("Expected %q, got %q", "Bob left", left)
	}
	var users []Member
	decodeData(t, msgs[1], &users)
	if len(users) != 1 || users[0].ID != "a" {
		t.Errorf("Expected only Alice to remain, got %+v", users)
	}

	// Repeating the disconnect, or disconnecting a connection that never
	// logged in, is a no-op.
	f.router.Disconnect("b")
	f.connect("anon")
	f.disconnect("anon")
	if msgs := f.out.take("a"); len(msgs) != 0 {
		t.Errorf("Idempotent disconnect produced %v", eventsOf(msgs))
	}
}

func TestMultipleSessionsPerIdentity(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("phone")
	f.connect("laptop")
	f.signup("phone", "a@x.com", "pw1", "Alice")
	f.mustLogin("phone", "a@x.com", "pw1", "lobby")
	f.mustLogin("laptop", "a@x.com", "pw1", "lobby")

	if got := len(f.router.Sessions().ListByRoom("lobby")); got != 2 {
		t.Fatalf("Expected 2 sessions for one identity, got %d", got)
	}

	f.disconnect("phone")
	if _, ok := f.router.Sessions().Get("laptop"); !ok {
		t.Error("Disconnecting one device ended the other session")
	}
}

func TestReloginMovesRooms(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("a")
	f.connect("b")
	f.signup("a", "a@x.com", "pw1", "Alice")
	f.signup("b", "b@x.com", "pw2", "Bob")
	f.mustLogin("a", "a@x.com", "pw1", "lobby")
	f.mustLogin("b", "b@x.com", "pw2", "lobby")
	f.out.take("a")
	f.out.take("b")

	ackMsg, rest := f.login("a", "a@x.com", "pw1", "kitchen")
	var ack LoginAck
	decodeData(t, ackMsg, &ack)
	if !ack.OK {
		t.Fatalf("Re-login failed: %s", ackMsg.Data)
	}
	if events := eventsOf(rest); len(events) != 2 || events[0] != EventSystem || events[1] != EventUsers {
		t.Errorf("Expected Alice to see her own join in kitchen, got %v", events)
	}

	bobMsgs := f.out.take("b")
	if events := eventsOf(bobMsgs); len(events) != 2 || events[0] != EventSystem {
		t.Fatalf("Expected Bob to see Alice leave, got %v", events)
	}
	if got := f.router.Sessions().ListByRoom("lobby"); len(got) != 1 || got[0].ID != "b" {
		t.Errorf("Expected only Bob in lobby, got %+v", got)
	}
	if got := f.router.Sessions().ListByRoom("kitchen"); len(got) != 1 || got[0].ID != "a" {
		t.Errorf("Expected Alice in kitchen, got %+v", got)
	}
}

func TestUnknownEvent(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("a")

	f.dispatch("a", "teleport", nil, true)
	var ack Ack
	decodeData(t, onlyEvent(t, f.out.take("a"), EventAck), &ack)
	if ack.OK || ack.Error != msgUnknownEvent {
		t.Errorf("Expected unknown event ack, got %+v", ack)
	}

	f.dispatch("a", "teleport", nil, false)
	if msgs := f.out.take("a"); len(msgs) != 0 {
		t.Errorf("Expected silence without ack id, got %v", eventsOf(msgs))
	}
}

func TestSaveFailureDoesNotBreakChat(t *testing.T) {
	f := newRouterFixture(t)
	f.store.err = errors.New("disk full")
	f.connect("a")
	f.signup("a", "a@x.com", "pw1", "Alice")
	f.mustLogin("a", "a@x.com", "pw1", "lobby")
	f.out.take("a")

	f.dispatch("a", EventChat, "still works", false)

	onlyEvent(t, f.out.take("a"), EventChat)
}

func TestMalformedPayloadsAreDropped(t *testing.T) {
	f := newRouterFixture(t)
	f.connect("a")
	f.connect("b")
	f.signup("a", "a@x.com", "pw1", "Alice")
	f.signup("b", "b@x.com", "pw2", "Bob")
	f.mustLogin("a", "a@x.com", "pw1", "lobby")
	f.mustLogin("b", "b@x.com", "pw2", "lobby")
	f.out.take("a")
	f.out.take("b")

	f.dispatch("a", EventChat, map[string]string{"not": "text"}, false)
	f.dispatch("a", EventDM, "not an object", false)
	f.dispatch("a", EventAnswer, 42, false)

	for _, id := range []string{"a", "b"} {
		if msgs := f.out.take(id); len(msgs) != 0 {
			t.Errorf("%s received %v for malformed input", id, eventsOf(msgs))
		}
	}
	if len(f.router.Rooms().History("lobby")) != 0 {
		t.Error("Malformed chat entered history")
	}
}
