package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/collabboard/collab-relay/internal/directory"
	"github.com/collabboard/collab-relay/internal/metrics"
)

func testGate(t *testing.T, cfg Config) (*Gate, *directory.Directory) {
	t.Helper()
	dir := directory.New(nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewGate(cfg, dir, metrics.New(), logger), dir
}

func connect(t *testing.T, g *Gate) *Session {
	t.Helper()
	s, err := g.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s
}

func dispatch(t *testing.T, g *Gate, s *Session, name string, payload any) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		data = raw
	}
	g.Dispatch(s, Event{Name: name, Data: data})
}

// recvEvent pops one queued outbound frame. Dispatch is synchronous, so any
// frame produced by a prior call is already enqueued.
func recvEvent(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case frame, ok := <-s.Out():
		if !ok {
			t.Fatalf("outbound queue closed")
		}
		var ev Event
		if err := json.Unmarshal(frame, &ev); err != nil {
			t.Fatalf("unmarshal outbound frame %q: %v", frame, err)
		}
		return ev
	default:
		t.Fatalf("no outbound frame queued")
		return Event{}
	}
}

func recvNothing(t *testing.T, s *Session) {
	t.Helper()
	select {
	case frame := <-s.Out():
		t.Fatalf("unexpected outbound frame %q", frame)
	default:
	}
}

func loginAndJoin(t *testing.T, g *Gate, s *Session, username, peerID, roomID string) {
	t.Helper()
	dispatch(t, g, s, EventLogin, credentials{Username: username, Password: "pw"})
	if ev := recvEvent(t, s); ev.Name != EventAuthSuccess {
		t.Fatalf("login reply = %q, want %q", ev.Name, EventAuthSuccess)
	}
	dispatch(t, g, s, EventJoinRoom, joinRequest{PeerID: peerID, RoomID: roomID})
	recvNothing(t, s)
	if s.State() != StateInRoom {
		t.Fatalf("state after join = %v, want %v", s.State(), StateInRoom)
	}
}

func TestRegisterThenDuplicate(t *testing.T) {
	g, _ := testGate(t, Config{})
	s := connect(t, g)

	dispatch(t, g, s, EventRegister, credentials{Username: "ada", Password: "pw"})
	ev := recvEvent(t, s)
	if ev.Name != EventRegisterSuccess {
		t.Fatalf("first register reply = %q, want %q", ev.Name, EventRegisterSuccess)
	}

	dispatch(t, g, s, EventRegister, credentials{Username: "ada", Password: "other"})
	ev = recvEvent(t, s)
	if ev.Name != EventRegisterFail {
		t.Fatalf("duplicate register reply = %q, want %q", ev.Name, EventRegisterFail)
	}
	var fail failurePayload
	if err := json.Unmarshal(ev.Data, &fail); err != nil {
		t.Fatalf("unmarshal reason: %v", err)
	}
	if fail.Reason != directory.ErrAlreadyExists.Error() {
		t.Fatalf("reason = %q, want %q", fail.Reason, directory.ErrAlreadyExists.Error())
	}
}

func TestLoginWrongCredentials(t *testing.T) {
	g, dir := testGate(t, Config{})
	if err := dir.Register("ada", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s := connect(t, g)

	dispatch(t, g, s, EventLogin, credentials{Username: "ada", Password: "wrong"})
	if ev := recvEvent(t, s); ev.Name != EventAuthFail {
		t.Fatalf("reply = %q, want %q", ev.Name, EventAuthFail)
	}
	if s.State() != StateUnauthenticated {
		t.Fatalf("state = %v, want %v", s.State(), StateUnauthenticated)
	}

	dispatch(t, g, s, EventLogin, credentials{Username: "ada", Password: "pw"})
	if ev := recvEvent(t, s); ev.Name != EventAuthSuccess {
		t.Fatalf("reply = %q, want %q", ev.Name, EventAuthSuccess)
	}
	if s.Username() != "ada" {
		t.Fatalf("username = %q, want %q", s.Username(), "ada")
	}
}

func TestReloginRejected(t *testing.T) {
	g, dir := testGate(t, Config{})
	_ = dir.Register("ada", "pw")
	_ = dir.Register("bob", "pw")
	s := connect(t, g)

	dispatch(t, g, s, EventLogin, credentials{Username: "ada", Password: "pw"})
	recvEvent(t, s)

	dispatch(t, g, s, EventLogin, credentials{Username: "bob", Password: "pw"})
	if ev := recvEvent(t, s); ev.Name != EventAuthFail {
		t.Fatalf("re-login reply = %q, want %q", ev.Name, EventAuthFail)
	}
	if s.Username() != "ada" {
		t.Fatalf("username changed to %q on rejected re-login", s.Username())
	}
}

func TestJoinBeforeLogin(t *testing.T) {
	g, _ := testGate(t, Config{})
	s := connect(t, g)

	dispatch(t, g, s, EventJoinRoom, joinRequest{PeerID: "p1"})
	if ev := recvEvent(t, s); ev.Name != EventAuthFail {
		t.Fatalf("reply = %q, want %q", ev.Name, EventAuthFail)
	}
	if s.State() != StateUnauthenticated {
		t.Fatalf("state mutated to %v by rejected join", s.State())
	}
	if got := g.RoomSize(DefaultRoomID); got != 0 {
		t.Fatalf("room size = %d after rejected join, want 0", got)
	}
}

func TestJoinRequiresPeerID(t *testing.T) {
	g, dir := testGate(t, Config{})
	_ = dir.Register("ada", "pw")
	s := connect(t, g)
	dispatch(t, g, s, EventLogin, credentials{Username: "ada", Password: "pw"})
	recvEvent(t, s)

	dispatch(t, g, s, EventJoinRoom, joinRequest{})
	ev := recvEvent(t, s)
	if ev.Name != EventError {
		t.Fatalf("reply = %q, want %q", ev.Name, EventError)
	}
	var ep errorPayload
	if err := json.Unmarshal(ev.Data, &ep); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if ep.Code != CodeInvalidInput {
		t.Fatalf("code = %q, want %q", ep.Code, CodeInvalidInput)
	}
	if s.State() != StateAuthenticated {
		t.Fatalf("state = %v, want %v", s.State(), StateAuthenticated)
	}
}

func TestJoinAnnouncesToOthers(t *testing.T) {
	g, dir := testGate(t, Config{})
	_ = dir.Register("ada", "pw")
	_ = dir.Register("bob", "pw")

	s1 := connect(t, g)
	s2 := connect(t, g)
	loginAndJoin(t, g, s1, "ada", "p1", "")
	loginAndJoin(t, g, s2, "bob", "p2", "")

	ev := recvEvent(t, s1)
	if ev.Name != EventUserConnected {
		t.Fatalf("s1 got %q, want %q", ev.Name, EventUserConnected)
	}
	var pp peerPayload
	if err := json.Unmarshal(ev.Data, &pp); err != nil {
		t.Fatalf("unmarshal peer payload: %v", err)
	}
	if pp.PeerID != "p2" {
		t.Fatalf("peerId = %q, want %q", pp.PeerID, "p2")
	}
	recvNothing(t, s2)

	if got := g.RoomSize(DefaultRoomID); got != 2 {
		t.Fatalf("room size = %d, want 2", got)
	}
}

func TestRelayReachesRoomOnly(t *testing.T) {
	g, dir := testGate(t, Config{})
	for _, u := range []string{"ada", "bob", "eve"} {
		_ = dir.Register(u, "pw")
	}

	s1 := connect(t, g)
	s2 := connect(t, g)
	s3 := connect(t, g)
	loginAndJoin(t, g, s1, "ada", "p1", "alpha")
	loginAndJoin(t, g, s2, "bob", "p2", "alpha")
	loginAndJoin(t, g, s3, "eve", "p3", "beta")
	recvEvent(t, s1) // bob's user-connected

	payload := json.RawMessage(`{"x":1,"y":2}`)
	dispatch(t, g, s1, EventDraw, payload)

	ev := recvEvent(t, s2)
	if ev.Name != EventDraw {
		t.Fatalf("s2 got %q, want %q", ev.Name, EventDraw)
	}
	if string(ev.Data) != string(payload) {
		t.Fatalf("relayed data = %s, want %s", ev.Data, payload)
	}
	recvNothing(t, s1)
	recvNothing(t, s3)
}

func TestRelayPreconditions(t *testing.T) {
	g, dir := testGate(t, Config{})
	_ = dir.Register("ada", "pw")
	s := connect(t, g)

	dispatch(t, g, s, EventDraw, json.RawMessage(`{}`))
	ev := recvEvent(t, s)
	var ep errorPayload
	_ = json.Unmarshal(ev.Data, &ep)
	if ev.Name != EventError || ep.Code != CodeAuthRequired {
		t.Fatalf("unauthenticated relay: got %q/%q, want %q/%q", ev.Name, ep.Code, EventError, CodeAuthRequired)
	}

	dispatch(t, g, s, EventLogin, credentials{Username: "ada", Password: "pw"})
	recvEvent(t, s)

	dispatch(t, g, s, EventOffer, json.RawMessage(`{}`))
	ev = recvEvent(t, s)
	_ = json.Unmarshal(ev.Data, &ep)
	if ev.Name != EventError || ep.Code != CodeNotInRoom {
		t.Fatalf("roomless relay: got %q/%q, want %q/%q", ev.Name, ep.Code, EventError, CodeNotInRoom)
	}
}

func TestRoomSwitchReparents(t *testing.T) {
	g, dir := testGate(t, Config{})
	for _, u := range []string{"ada", "bob", "eve"} {
		_ = dir.Register(u, "pw")
	}

	s1 := connect(t, g)
	s2 := connect(t, g)
	s3 := connect(t, g)
	loginAndJoin(t, g, s1, "ada", "p1", "alpha")
	loginAndJoin(t, g, s2, "bob", "p2", "alpha")
	loginAndJoin(t, g, s3, "eve", "p3", "beta")
	recvEvent(t, s1) // bob's arrival

	dispatch(t, g, s2, EventJoinRoom, joinRequest{PeerID: "p2", RoomID: "beta"})

	ev := recvEvent(t, s1)
	if ev.Name != EventUserDisconnected {
		t.Fatalf("old room got %q, want %q", ev.Name, EventUserDisconnected)
	}
	ev = recvEvent(t, s3)
	if ev.Name != EventUserConnected {
		t.Fatalf("new room got %q, want %q", ev.Name, EventUserConnected)
	}
	if got := g.RoomSize("alpha"); got != 1 {
		t.Fatalf("alpha size = %d, want 1", got)
	}
	if got := g.RoomSize("beta"); got != 2 {
		t.Fatalf("beta size = %d, want 2", got)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	g, dir := testGate(t, Config{})
	_ = dir.Register("ada", "pw")
	_ = dir.Register("bob", "pw")

	s1 := connect(t, g)
	s2 := connect(t, g)
	loginAndJoin(t, g, s1, "ada", "p1", "")
	loginAndJoin(t, g, s2, "bob", "p2", "")
	recvEvent(t, s1)

	g.Disconnect(s2)
	g.Disconnect(s2)

	ev := recvEvent(t, s1)
	if ev.Name != EventUserDisconnected {
		t.Fatalf("s1 got %q, want %q", ev.Name, EventUserDisconnected)
	}
	recvNothing(t, s1)

	if s2.State() != StateClosed {
		t.Fatalf("state = %v, want %v", s2.State(), StateClosed)
	}
	if _, ok := <-s2.Out(); ok {
		t.Fatalf("outbound queue still open after disconnect")
	}
	if got := g.SessionCount(); got != 1 {
		t.Fatalf("session count = %d, want 1", got)
	}
}

func TestLastLeaverDropsRoom(t *testing.T) {
	g, dir := testGate(t, Config{})
	_ = dir.Register("ada", "pw")
	s := connect(t, g)
	loginAndJoin(t, g, s, "ada", "p1", "solo")

	g.Disconnect(s)
	if got := g.RoomSize("solo"); got != 0 {
		t.Fatalf("room size = %d after last leave, want 0", got)
	}
}

func TestSlowConsumerDropsFrames(t *testing.T) {
	g, dir := testGate(t, Config{SendQueueSize: 1})
	_ = dir.Register("ada", "pw")
	_ = dir.Register("bob", "pw")

	s1 := connect(t, g)
	s2 := connect(t, g)
	loginAndJoin(t, g, s1, "ada", "p1", "")
	loginAndJoin(t, g, s2, "bob", "p2", "")
	recvEvent(t, s1)

	dispatch(t, g, s1, EventDraw, json.RawMessage(`{"n":1}`))
	dispatch(t, g, s1, EventDraw, json.RawMessage(`{"n":2}`))

	ev := recvEvent(t, s2)
	if ev.Name != EventDraw {
		t.Fatalf("s2 got %q, want %q", ev.Name, EventDraw)
	}
	recvNothing(t, s2)

	if got := g.Metrics().Get(metrics.DropReasonSlowConsumer); got != 1 {
		t.Fatalf("slow consumer drops = %d, want 1", got)
	}
	if got := g.Metrics().Get(metrics.EventsRelayed); got != 2 {
		t.Fatalf("events relayed = %d, want 2", got)
	}
}

func TestMaxSessions(t *testing.T) {
	g, _ := testGate(t, Config{MaxSessions: 1})
	connect(t, g)

	if _, err := g.Connect(); err != ErrTooManySessions {
		t.Fatalf("second Connect err = %v, want %v", err, ErrTooManySessions)
	}
	if got := g.Metrics().Get(metrics.DropReasonTooManySessions); got != 1 {
		t.Fatalf("too-many-sessions count = %d, want 1", got)
	}
}

func TestDispatchRawMalformed(t *testing.T) {
	g, _ := testGate(t, Config{})
	s := connect(t, g)

	g.DispatchRaw(s, []byte(`{"event":`))
	ev := recvEvent(t, s)
	var ep errorPayload
	_ = json.Unmarshal(ev.Data, &ep)
	if ev.Name != EventError || ep.Code != CodeInvalidInput {
		t.Fatalf("got %q/%q, want %q/%q", ev.Name, ep.Code, EventError, CodeInvalidInput)
	}

	// The session is still usable after a malformed frame.
	g.DispatchRaw(s, []byte(`{"event":"register","data":{"username":"ada","password":"pw"}}`))
	if ev := recvEvent(t, s); ev.Name != EventRegisterSuccess {
		t.Fatalf("follow-up reply = %q, want %q", ev.Name, EventRegisterSuccess)
	}
}

func TestUnsupportedEvent(t *testing.T) {
	g, _ := testGate(t, Config{})
	s := connect(t, g)

	dispatch(t, g, s, "teleport", nil)
	ev := recvEvent(t, s)
	var ep errorPayload
	_ = json.Unmarshal(ev.Data, &ep)
	if ev.Name != EventError || ep.Code != CodeInvalidInput {
		t.Fatalf("got %q/%q, want %q/%q", ev.Name, ep.Code, EventError, CodeInvalidInput)
	}
}
