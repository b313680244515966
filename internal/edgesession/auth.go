package edgesession

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xpose/xpose/internal/idgen"
	"github.com/xpose/xpose/internal/protocol"
)

// setAgentConn updates the event-loop-owned agentConn field together with
// its lock-free mirror. Must only be called from the event loop.
func (s *Session) setAgentConn(codec *protocol.Codec) {
	s.agentConn = codec
	s.agentConnAtomic.Store(codec)
}

var controlUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleControlUpgrade serves /_tunnel/connect: validates the Upgrade
// header, accepts the agent's websocket, and runs the auth handshake and
// read loop until the socket closes.
func (s *Session) HandleControlUpgrade(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		w.WriteHeader(http.StatusUpgradeRequired)
		_, _ = w.Write([]byte("Expected WebSocket upgrade"))
		return
	}

	conn, err := controlUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("control upgrade failed", "subdomain", s.subdomain, "err", err)
		return
	}

	s.attachAgent(conn)
	s.runAgentReadLoop(conn)
}

// attachAgent replaces any existing agent socket with conn: at most one
// agent socket is ever live; a replaced socket is closed with
// code 1000, reason "Replaced by a newer connection".
func (s *Session) attachAgent(conn *websocket.Conn) {
	done := make(chan struct{})
	s.post(func() {
		defer close(done)
		if s.agentSocket != nil {
			_ = s.agentSocket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Replaced by a newer connection"),
				time.Now().Add(time.Second))
			_ = s.agentSocket.Close()
		}
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		s.agentSocket = conn
		s.setAgentConn(protocol.NewCodec(conn))
		s.closed = false
	})
	<-done
}

// runAgentReadLoop reads frames from conn until it errors/closes, then
// schedules the disconnect grace period. It must be called on the
// goroutine that owns conn (the HTTP handler goroutine), not the event
// loop, since ReadMessage blocks.
func (s *Session) runAgentReadLoop(conn *websocket.Conn) {
	codec := protocol.NewCodec(conn)

	for {
		res, err := codec.ReadFrame()
		if err != nil {
			break
		}
		if res.IsText {
			if res.Message == nil {
				continue // malformed/unknown frame: dropped silently
			}
			s.handleAgentTextMessage(res.Message)
			continue
		}
		// Binary frame: either an http-response body chunk (id matches a
		// pendingHTTP entry) or a ws-frame payload (id matches a pendingWS
		// stream); lookups disambiguate since the two id spaces are kept
		// in separate maps.
		s.handleAgentBinaryFrame(res.ID, res.Payload)
	}

	s.onAgentDisconnected(conn)
}

// onAgentDisconnected starts the reconnect grace timer: if no new agent
// attaches before it fires, all pending
// HTTP entries resolve 502 and all browser sockets close 1001.
func (s *Session) onAgentDisconnected(conn *websocket.Conn) {
	s.post(func() {
		if s.agentSocket != conn {
			// already replaced; nothing to do
			return
		}
		s.agentSocket = nil
		s.setAgentConn(nil)
		if s.graceTimer != nil {
			s.graceTimer.Stop()
		}
		s.graceTimer = time.AfterFunc(s.disconnectGrace, func() {
			s.post(func() { s.onGraceExpired() })
		})
	})
}

func (s *Session) onGraceExpired() {
	if s.agentSocket != nil {
		return // a new agent attached within the grace window
	}
	for id, p := range s.pendingHTTP {
		s.resolvePendingLocked(id, p, httpResult{
			status:  http.StatusBadGateway,
			headers: map[string]string{"Content-Type": "text/html; charset=utf-8"},
			body:    []byte(brandedErrorPage("Tunnel disconnected")),
		})
	}
	for id, ws := range s.pendingWS {
		_ = ws.browser.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(1001, "Agent disconnected"),
			time.Now().Add(time.Second))
		_ = ws.browser.Close()
		delete(s.pendingWS, id)
	}
}

// handleAgentTextMessage dispatches one decoded text-frame message from
// the agent. Runs on whichever goroutine calls it; state mutation is
// deferred onto the event loop.
func (s *Session) handleAgentTextMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.AuthMessage:
		s.handleAuth(m)
	case protocol.HTTPResponseMetaMessage:
		s.handleResponseMeta(m)
	case protocol.HTTPResponseEndMessage:
		s.handleResponseEnd(m)
	case protocol.WSUpgradeAckMessage:
		s.handleWSUpgradeAck(m)
	case protocol.WSCloseMessage:
		s.handleAgentWSClose(m)
	case protocol.WSFrameMessage:
		s.handleWSFrameHeader(m)
	case protocol.ErrorMessage:
		s.handleAgentError(m)
	case protocol.PongMessage:
		// keepalive, nothing to do
	default:
		slog.Warn("unexpected message from agent", "subdomain", s.subdomain, "kind", msg.Kind())
	}
}

// handleAuth implements the agent's auth handshake: subdomain validation,
// TTL clamping and alarm scheduling (or resume), and the auth-ack reply.
func (s *Session) handleAuth(m protocol.AuthMessage) {
	if err := idgen.ValidateSubdomain(m.Subdomain); err != nil {
		s.sendAgent(protocol.ErrorMessage{Message: fmt.Sprintf("invalid subdomain: %v", err)})
		s.closeAgent(1008, "invalid subdomain")
		return
	}

	requested := m.TTL
	if requested <= 0 {
		requested = protocol.DefaultTTLSeconds
	}
	requestedTTL := clampTTL(time.Duration(requested) * time.Second)

	done := make(chan protocol.AuthAckMessage, 1)
	s.post(func() {
		now := time.Now()
		if s.alarmTimer == nil || s.alarmDeadline.Before(now) {
			// No live alarm: either none was ever scheduled, or the
			// previous one already fired. Treat both the same way and
			// schedule fresh rather than resuming a deadline that's past.
			s.scheduleAlarm(requestedTTL)
		}
		remaining := time.Until(s.alarmDeadline)
		if remaining < 0 {
			remaining = 0
		}

		if m.Config != nil {
			s.config = *m.Config
		}
		s.sessionID = uuid.NewString()
		s.maxBodyBytes = DefaultMaxBodyBytes
		if s.config.RateLimit >= 0 {
			s.rateLimiter = newRateLimiterFor(s.config.RateLimit)
		}

		done <- protocol.AuthAckMessage{
			Subdomain:        s.subdomain,
			URL:              "https://" + s.subdomain + "." + s.publicDomain,
			TTL:              int(requestedTTL / time.Second),
			RemainingTTL:     int(remaining / time.Second),
			SessionID:        s.sessionID,
			MaxBodySizeBytes: s.maxBodyBytes,
		}
	})

	ack := <-done
	s.sendAgent(ack)
}

func clampTTL(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	if d > MaxTTL {
		return MaxTTL
	}
	return d
}

// scheduleAlarm sets a fresh TTL deadline. Must run on the event loop.
func (s *Session) scheduleAlarm(ttl time.Duration) {
	if s.alarmTimer != nil {
		s.alarmTimer.Stop()
	}
	s.alarmDeadline = time.Now().Add(ttl)
	s.alarmTimer = time.AfterFunc(ttl, func() {
		s.post(func() { s.onAlarmFired() })
	})
}

// onAlarmFired tears the session down when its TTL alarm fires.
func (s *Session) onAlarmFired() {
	if s.agentSocket != nil {
		s.sendAgentLocked(protocol.ErrorMessage{Message: "Tunnel TTL expired"})
	}
	s.teardown(http.StatusBadGateway, "Tunnel expired", websocket.CloseNormalClosure, "TTL expired")
}

func (s *Session) handleAgentError(m protocol.ErrorMessage) {
	slog.Warn("agent reported error", "subdomain", s.subdomain, "message", m.Message)
}

// closeAgent closes the current agent socket with the given code/reason.
func (s *Session) closeAgent(code int, reason string) {
	s.post(func() {
		if s.agentSocket == nil {
			return
		}
		_ = s.agentSocket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = s.agentSocket.Close()
		s.agentSocket = nil
		s.setAgentConn(nil)
	})
}

// sendAgent serializes a write to the agent socket from any goroutine. It
// reads the current codec off the lock-free mirror rather than posting onto
// the event loop, so it can never deadlock against a closure the loop is
// itself running (e.g. onAlarmFired, which also takes agentWriteMu).
func (s *Session) sendAgent(msg protocol.Message) {
	s.agentWriteMu.Lock()
	defer s.agentWriteMu.Unlock()
	conn := s.currentAgentConn()
	if conn == nil {
		return
	}
	if err := conn.WriteText(msg); err != nil {
		slog.Warn("failed writing to agent", "subdomain", s.subdomain, "err", err)
	}
}

// sendAgentLocked is the event-loop-internal equivalent of sendAgent; kept
// as a distinct name at call sites (e.g. onAlarmFired) to mark that it runs
// on the loop goroutine, though it now shares sendAgent's implementation.
func (s *Session) sendAgentLocked(msg protocol.Message) {
	s.sendAgent(msg)
}

// currentAgentConn reads the lock-free mirror of the event-loop-owned
// agentConn field. Safe to call from any goroutine, including from within
// the event loop itself, without risk of deadlocking against agentWriteMu.
func (s *Session) currentAgentConn() *protocol.Codec {
	return s.agentConnAtomic.Load()
}
