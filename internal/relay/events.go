package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Client-originated event names.
const (
	EventRegister   = "register"
	EventLogin      = "login"
	EventJoinRoom   = "join-room"
	EventDraw       = "draw"
	EventClearBoard = "clear-board"
	EventOffer      = "offer"
	EventAnswer     = "answer"
	EventCandidate  = "candidate"
	EventFileShare  = "file-share"
)

// Server-originated event names.
const (
	EventRegisterSuccess  = "register-success"
	EventRegisterFail     = "register-fail"
	EventAuthSuccess      = "auth-success"
	EventAuthFail         = "auth-fail"
	EventUserConnected    = "user-connected"
	EventUserDisconnected = "user-disconnected"
	EventError            = "error"
)

// Rejection reason codes carried by "error" events.
const (
	CodeInvalidInput = "invalid_input"
	CodeAuthRequired = "auth_required"
	CodeNotInRoom    = "not_in_room"
)

// Event is the wire envelope: a named event with a structured payload. Data
// stays opaque for relayed kinds and is only decoded for the events the gate
// itself interprets.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseEvent decodes an inbound frame. Unknown envelope fields and trailing
// data are rejected; the payload itself is not validated here.
func ParseEvent(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, err
	}
	if ev.Name == "" {
		return Event{}, fmt.Errorf("missing event name")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Event{}, fmt.Errorf("unexpected trailing data")
	}
	return ev, nil
}

func encodeEvent(name string, payload any) ([]byte, error) {
	ev := Event{Name: name}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		ev.Data = data
	}
	return json.Marshal(ev)
}

// credentials is the payload of register and login events.
type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// joinRequest is the payload of join-room. An empty roomId selects the
// configured default room.
type joinRequest struct {
	PeerID string `json:"peerId"`
	RoomID string `json:"roomId,omitempty"`
}

type noticePayload struct {
	Message string `json:"message"`
}

type failurePayload struct {
	Reason string `json:"reason"`
}

type errorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type peerPayload struct {
	PeerID string `json:"peerId"`
}

func decodeStrict(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing payload")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
