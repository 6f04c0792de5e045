package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/collabboard/collab-relay/internal/directory"
	"github.com/collabboard/collab-relay/internal/metrics"
)

var ErrTooManySessions = errors.New("too many sessions")

const (
	// DefaultRoomID is used when a join-room payload names no room.
	DefaultRoomID = "room1"

	// DefaultSendQueueSize bounds the per-session outbound queue. Delivery is
	// fire-and-forget; frames beyond this are dropped, never queued in the
	// gate.
	DefaultSendQueueSize = 256
)

type Config struct {
	// MaxSessions caps concurrent sessions. <= 0 means unlimited.
	MaxSessions int

	// DefaultRoomID is the room joined when the client names none.
	DefaultRoomID string

	// SendQueueSize is the per-session outbound queue capacity.
	SendQueueSize int
}

func (c Config) withDefaults() Config {
	if c.DefaultRoomID == "" {
		c.DefaultRoomID = DefaultRoomID
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	return c
}

// Gate is the single authorization choke-point. Every inbound event passes
// through Dispatch, which checks the originating session's state, applies the
// event's effect, and fans out to the recipient set.
//
// Dispatch, Connect and Disconnect serialize on one mutex, so each event is
// fully processed (state read, mutated, outbound frames enqueued) before the
// next one is handled.
type Gate struct {
	log     *slog.Logger
	dir     *directory.Directory
	metrics *metrics.Metrics
	cfg     Config

	mu       sync.Mutex
	sessions map[string]*Session
	rooms    map[string]*Room
}

func NewGate(cfg Config, dir *directory.Directory, m *metrics.Metrics, log *slog.Logger) *Gate {
	if m == nil {
		m = metrics.New()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		log:      log,
		dir:      dir,
		metrics:  m,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
		rooms:    make(map[string]*Room),
	}
}

func (g *Gate) Metrics() *metrics.Metrics { return g.metrics }

// Connect registers a new session for a freshly opened connection.
func (g *Gate) Connect() (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.MaxSessions > 0 && len(g.sessions) >= g.cfg.MaxSessions {
		g.metrics.Inc(metrics.DropReasonTooManySessions)
		return nil, ErrTooManySessions
	}

	s := &Session{
		id:  id,
		out: make(chan []byte, g.cfg.SendQueueSize),
	}
	g.sessions[id] = s
	g.metrics.Inc(metrics.SessionsOpened)
	g.log.Debug("session connected", "session_id", s.id)
	return s, nil
}

// Disconnect tears down a session: it leaves its room (notifying the
// remaining members), is removed from the registry, and its outbound queue
// is closed. Disconnecting an already-closed session is a no-op.
func (g *Gate) Disconnect(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s.state == StateClosed {
		return
	}

	g.leaveRoomLocked(s)
	delete(g.sessions, s.id)
	s.state = StateClosed
	close(s.out)
	g.metrics.Inc(metrics.SessionsClosed)
	g.log.Debug("session disconnected", "session_id", s.id, "username", s.username)
}

// DispatchRaw parses one inbound frame and dispatches it. A frame that is
// not a valid event envelope is rejected back to the sender as invalid
// input; it never faults the relay or affects other sessions.
func (g *Gate) DispatchRaw(s *Session, data []byte) {
	ev, err := ParseEvent(data)
	if err != nil {
		g.mu.Lock()
		defer g.mu.Unlock()
		if s.state == StateClosed {
			return
		}
		g.metrics.Inc(metrics.EventsRejected)
		g.replyError(s, CodeInvalidInput, "malformed event")
		return
	}
	g.Dispatch(s, ev)
}

// Dispatch processes one inbound event from s. Precondition failures are
// reported to the sender only; they never propagate to other sessions or
// terminate the connection.
func (g *Gate) Dispatch(s *Session, ev Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s.state == StateClosed {
		return
	}

	switch ev.Name {
	case EventRegister:
		g.handleRegister(s, ev)
	case EventLogin:
		g.handleLogin(s, ev)
	case EventJoinRoom:
		g.handleJoin(s, ev)
	case EventDraw, EventClearBoard, EventOffer, EventAnswer, EventCandidate, EventFileShare:
		g.handleRelay(s, ev)
	default:
		g.metrics.Inc(metrics.EventsRejected)
		g.replyError(s, CodeInvalidInput, fmt.Sprintf("unsupported event %q", ev.Name))
	}
}

func (g *Gate) handleRegister(s *Session, ev Event) {
	var creds credentials
	if err := decodeStrict(ev.Data, &creds); err != nil {
		g.metrics.Inc(metrics.RegisterFailure)
		g.reply(s, EventRegisterFail, failurePayload{Reason: directory.ErrInvalidInput.Error()})
		return
	}

	if err := g.dir.Register(creds.Username, creds.Password); err != nil {
		g.metrics.Inc(metrics.RegisterFailure)
		g.reply(s, EventRegisterFail, failurePayload{Reason: err.Error()})
		return
	}

	g.metrics.Inc(metrics.RegisterSuccess)
	g.log.Info("user registered", "username", creds.Username)
	g.reply(s, EventRegisterSuccess, noticePayload{Message: "registered successfully, now login"})
}

func (g *Gate) handleLogin(s *Session, ev Event) {
	// No backward transition exists: a session that authenticated stays
	// authenticated, and presenting new credentials on the same connection is
	// rejected rather than silently ignored.
	if s.state != StateUnauthenticated {
		g.metrics.Inc(metrics.AuthFailure)
		g.reply(s, EventAuthFail, failurePayload{Reason: "already authenticated"})
		return
	}

	var creds credentials
	if err := decodeStrict(ev.Data, &creds); err != nil {
		g.metrics.Inc(metrics.AuthFailure)
		g.reply(s, EventAuthFail, failurePayload{Reason: directory.ErrInvalidInput.Error()})
		return
	}

	if err := g.dir.Authenticate(creds.Username, creds.Password); err != nil {
		g.metrics.Inc(metrics.AuthFailure)
		g.reply(s, EventAuthFail, failurePayload{Reason: err.Error()})
		return
	}

	s.state = StateAuthenticated
	s.username = creds.Username
	g.metrics.Inc(metrics.AuthSuccess)
	g.log.Info("session authenticated", "session_id", s.id, "username", s.username)
	g.reply(s, EventAuthSuccess, nil)
}

func (g *Gate) handleJoin(s *Session, ev Event) {
	if s.state == StateUnauthenticated {
		g.metrics.Inc(metrics.AuthFailure)
		g.reply(s, EventAuthFail, failurePayload{Reason: "authentication required to join room"})
		return
	}

	var req joinRequest
	if err := decodeStrict(ev.Data, &req); err != nil {
		g.metrics.Inc(metrics.EventsRejected)
		g.replyError(s, CodeInvalidInput, "invalid join-room payload")
		return
	}
	if req.PeerID == "" {
		g.metrics.Inc(metrics.EventsRejected)
		g.replyError(s, CodeInvalidInput, "peerId required")
		return
	}

	roomID := req.RoomID
	if roomID == "" {
		roomID = g.cfg.DefaultRoomID
	}

	// Switching (or rejoining) re-parents the session: departure is announced
	// to the old room before arrival is announced to the new one.
	g.leaveRoomLocked(s)

	room := g.rooms[roomID]
	if room == nil {
		room = newRoom(roomID)
		g.rooms[roomID] = room
	}

	s.peerID = req.PeerID
	s.room = room
	s.state = StateInRoom
	room.add(s)

	g.metrics.Inc(metrics.RoomJoins)
	g.log.Info("session joined room", "session_id", s.id, "username", s.username, "room", roomID, "peer_id", s.peerID)

	g.notifyOthers(room, s, EventUserConnected, peerPayload{PeerID: s.peerID})
}

// handleRelay forwards content events (drawing, board control, signaling,
// file metadata) verbatim to the sender's room. All relayed kinds are
// room-scoped: broadcasting signaling to every connected session would leak
// events across unrelated rooms.
func (g *Gate) handleRelay(s *Session, ev Event) {
	if s.state == StateUnauthenticated {
		g.metrics.Inc(metrics.EventsRejected)
		g.replyError(s, CodeAuthRequired, "authentication required")
		return
	}
	if s.state != StateInRoom || s.room == nil {
		g.metrics.Inc(metrics.EventsRejected)
		g.replyError(s, CodeNotInRoom, "join a room first")
		return
	}

	var payload any
	if len(ev.Data) > 0 {
		payload = ev.Data
	}
	frame, err := encodeEvent(ev.Name, payload)
	if err != nil {
		g.metrics.Inc(metrics.EventsRejected)
		g.replyError(s, CodeInvalidInput, "invalid payload")
		return
	}

	_, dropped := s.room.broadcastFrom(s, frame)
	for i := 0; i < dropped; i++ {
		g.metrics.Inc(metrics.DropReasonSlowConsumer)
	}
	g.metrics.Inc(metrics.EventsRelayed)
	g.log.Debug("event relayed", "event", ev.Name, "room", s.room.ID(), "session_id", s.id)
}

// leaveRoomLocked removes s from its current room, if any, and notifies the
// remaining members of the departure with the peer identifier s joined with.
func (g *Gate) leaveRoomLocked(s *Session) {
	room := s.room
	if room == nil {
		return
	}

	room.remove(s)
	s.room = nil
	g.metrics.Inc(metrics.RoomLeaves)

	if room.Size() == 0 {
		delete(g.rooms, room.ID())
		return
	}
	g.notifyOthers(room, s, EventUserDisconnected, peerPayload{PeerID: s.peerID})
}

func (g *Gate) notifyOthers(room *Room, from *Session, name string, payload any) {
	frame, err := encodeEvent(name, payload)
	if err != nil {
		g.log.Error("encode notification", "event", name, "err", err)
		return
	}
	_, dropped := room.broadcastFrom(from, frame)
	for i := 0; i < dropped; i++ {
		g.metrics.Inc(metrics.DropReasonSlowConsumer)
	}
}

func (g *Gate) reply(s *Session, name string, payload any) {
	frame, err := encodeEvent(name, payload)
	if err != nil {
		g.log.Error("encode reply", "event", name, "err", err)
		return
	}
	if !s.send(frame) {
		g.metrics.Inc(metrics.DropReasonSlowConsumer)
	}
}

func (g *Gate) replyError(s *Session, code, reason string) {
	g.reply(s, EventError, errorPayload{Code: code, Reason: reason})
}

// SessionCount reports the number of live sessions.
func (g *Gate) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// RoomSize reports the member count of a room, or 0 if it does not exist.
func (g *Gate) RoomSize(roomID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	room := g.rooms[roomID]
	if room == nil {
		return 0
	}
	return room.Size()
}
