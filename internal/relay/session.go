package relay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// State is the session lifecycle state. Transitions only move forward;
// StateClosed is terminal.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateInRoom
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateInRoom:
		return "in_room"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the server-side state for one live connection.
//
// All fields below the queue are guarded by the owning Gate's mutex; the
// accessors are safe once a Dispatch/Disconnect call has returned because the
// gate fully processes one event before the next.
type Session struct {
	id  string
	out chan []byte

	state    State
	username string
	peerID   string
	room     *Room
}

func (s *Session) ID() string { return s.id }

// Out is the session's outbound frame queue, drained by the transport's
// write pump. It is closed exactly once, when the session closes.
func (s *Session) Out() <-chan []byte { return s.out }

func (s *Session) State() State { return s.state }

// Username is set if and only if the session has authenticated.
func (s *Session) Username() string { return s.username }

// PeerID is the opaque rendezvous identifier presented at join time. The
// relay never interprets it.
func (s *Session) PeerID() string { return s.peerID }

// send enqueues an encoded frame without blocking. Delivery is
// fire-and-forget: a full queue drops the frame and reports false.
// Must be called with the gate mutex held and state != StateClosed.
func (s *Session) send(frame []byte) bool {
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

func newSessionID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
