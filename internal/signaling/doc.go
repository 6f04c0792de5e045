// Package signaling contains the WebSocket surface of the relay: connection
// upgrade, per-connection read loop and write pump, keepalive, and the
// transport hardening limits (message size, message rate, auth deadline).
//
// Event semantics live in internal/relay; this package only moves frames.
package signaling
