// Package peerid is the boundary to the peer-discovery collaborator: it
// hands out opaque connection-layer identifiers that clients present when
// joining a room. The relay core never interprets them.
package peerid

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/collabboard/collab-relay/internal/httpserver"
)

// Allocator produces opaque peer identifiers.
type Allocator struct{}

func (Allocator) Allocate() string {
	return uuid.NewString()
}

// Handler serves POST /peer/id.
func Handler(alloc Allocator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.WriteJSON(w, http.StatusCreated, map[string]string{
			"peerId": alloc.Allocate(),
		})
	})
}
