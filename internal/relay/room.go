package relay

// Room is a named set of sessions eligible to receive each other's broadcast
// events. It holds non-owning references; the gate clears membership before a
// session is destroyed.
//
// All methods must be called with the gate mutex held, which makes each
// join/leave/broadcast atomic with respect to every other event.
type Room struct {
	id      string
	members map[*Session]struct{}
}

func newRoom(id string) *Room {
	return &Room{
		id:      id,
		members: make(map[*Session]struct{}),
	}
}

func (r *Room) ID() string { return r.id }

func (r *Room) Size() int { return len(r.members) }

func (r *Room) add(s *Session) {
	r.members[s] = struct{}{}
}

func (r *Room) remove(s *Session) {
	delete(r.members, s)
}

// broadcastFrom forwards an encoded frame to every member except the sender.
// It returns how many deliveries were enqueued and how many were dropped on
// full queues.
func (r *Room) broadcastFrom(from *Session, frame []byte) (delivered, dropped int) {
	for member := range r.members {
		if member == from {
			continue
		}
		if member.send(frame) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}
