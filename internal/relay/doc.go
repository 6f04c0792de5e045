// Package relay implements the core of the collaboration relay: the session
// state machine, room membership, and the gate that authorizes and fans out
// every inbound event.
//
// The transport layer (internal/signaling) reads frames off each WebSocket
// connection and feeds them to Gate.Dispatch; everything here is
// content-agnostic with respect to relayed payloads.
package relay
