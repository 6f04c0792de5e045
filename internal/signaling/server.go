package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabboard/collab-relay/internal/config"
	"github.com/collabboard/collab-relay/internal/metrics"
	"github.com/collabboard/collab-relay/internal/origin"
	"github.com/collabboard/collab-relay/internal/ratelimit"
	"github.com/collabboard/collab-relay/internal/relay"
)

const wsWriteWait = 1 * time.Second

// Server implements the relay's WebSocket endpoint.
//
// Endpoint:
//   - GET /ws : bidirectional event channel, multiplexing named events
type Server struct {
	cfg  config.Config
	log  *slog.Logger
	gate *relay.Gate

	upgrader websocket.Upgrader
}

func NewServer(cfg config.Config, gate *relay.Gate, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:  cfg,
		log:  logger,
		gate: gate,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

// checkOrigin applies the browser origin allowlist at upgrade time.
// Non-browser clients that send no Origin header are accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}
	normalized, host, ok := origin.NormalizeHeader(raw)
	if !ok {
		return false
	}
	return origin.IsAllowed(normalized, host, r.Host, s.cfg.AllowedOrigins)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess, err := s.gate.Connect()
	if err != nil {
		if errors.Is(err, relay.ErrTooManySessions) {
			closeWith(conn, websocket.CloseTryAgainLater, "too many sessions")
		} else {
			closeWith(conn, websocket.CloseInternalServerErr, "internal error")
		}
		_ = conn.Close()
		return
	}

	go s.writePump(conn, sess)
	s.readLoop(conn, sess)
}

// readLoop drives the connection: every frame read here is handed to the
// gate, which fully processes it before the next read. Transport hardening
// violations close the connection; event-level failures are replied to by
// the gate and the loop continues.
func (s *Server) readLoop(conn *websocket.Conn, sess *relay.Session) {
	defer s.gate.Disconnect(sess)

	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	limiter := ratelimit.NewTokenBucket(
		ratelimit.RealClock{},
		int64(s.cfg.MaxMessagesPerSecond),
		int64(s.cfg.MaxMessagesPerSecond),
	)

	// The auth window is absolute from connection open. Pongs roll the idle
	// deadline but must never extend the time a connection may stay
	// unauthenticated, or conforming clients that auto-reply to pings would
	// defeat the timeout.
	var authDeadline time.Time
	if s.cfg.AuthTimeout > 0 {
		authDeadline = time.Now().Add(s.cfg.AuthTimeout)
	}

	resetDeadline := func() {
		deadline := time.Now().Add(s.cfg.WSIdleTimeout)
		if !authDeadline.IsZero() && sess.State() == relay.StateUnauthenticated && authDeadline.Before(deadline) {
			deadline = authDeadline
		}
		_ = conn.SetReadDeadline(deadline)
	}

	resetDeadline()
	conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				closeWith(conn, websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err) && sess.State() == relay.StateUnauthenticated && !authDeadline.IsZero():
				s.gate.Metrics().Inc(metrics.AuthFailure)
				closeWith(conn, websocket.ClosePolicyViolation, "authentication timeout")
			case isTimeout(err):
				closeWith(conn, websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		// Apply the message rate limit *after* reading so any bytes already in
		// the TCP receive buffer are consumed; closing with unread data can
		// surface as an abortive close (RST) instead of a clean close frame.
		if !limiter.Allow(1) {
			s.gate.Metrics().Inc(metrics.DropReasonRateLimited)
			closeWith(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			closeWith(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		s.gate.DispatchRaw(sess, data)
		resetDeadline()
	}
}

// writePump drains the session's outbound queue and keeps the connection
// alive with pings. It exits when the queue closes (session teardown) or a
// write fails (the read loop then observes the dead connection).
func (s *Server) writePump(conn *websocket.Conn, sess *relay.Session) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-sess.Out():
			if !ok {
				closeWith(conn, websocket.CloseNormalClosure, "")
				_ = conn.Close()
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
