package edgesession

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xpose/xpose/internal/access"
	"github.com/xpose/xpose/internal/protocol"
)

var publicUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS implements the public, browser-initiated WebSocket path: access
// control and rate limiting run exactly as they do for ServeHTTP, then a
// missing agent is rejected with the branded 502 before any upgrade is
// attempted, and only then is the handshake accepted and the stream
// announced to the agent over the control connection.
func (s *Session) ServeWS(w http.ResponseWriter, r *http.Request) {
	clientIP := access.ClientIP(r.Header.Get("Cf-Connecting-Ip"), r.Header.Get("X-Forwarded-For"), r.RemoteAddr)
	cfg, rateLimiter := s.snapshotConfig()

	if !access.IsIPAllowed(clientIP, cfg.AllowedIPs) {
		s.writeBranded(w, http.StatusForbidden, "Access Denied", nil)
		return
	}
	if res := rateLimiter.Check(clientIP); !res.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
		s.writeBranded(w, http.StatusForbidden, "Access Denied", nil)
		return
	}

	if !s.HasAgent() {
		w.Header().Set("Retry-After", "5")
		s.writeBranded(w, http.StatusBadGateway, "Tunnel not connected", nil)
		return
	}

	var responseHeader http.Header
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		first, _, _ := strings.Cut(proto, ",")
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {strings.TrimSpace(first)}}
	}

	browser, err := publicUpgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		slog.Error("public websocket upgrade failed", "subdomain", s.subdomain, "err", err)
		return
	}

	id := s.allocateRequestID()
	ws := &pendingWS{streamID: id, browser: browser, browserWriteMu: &sync.Mutex{}}

	registered := make(chan bool, 1)
	s.post(func() {
		s.pendingWS[id] = ws
		registered <- true
	})
	<-registered

	if err := s.sendAgentErr(protocol.WSUpgradeMessage{
		StreamID: id, Path: r.URL.RequestURI(), Headers: flattenHeaders(r.Header),
	}); err != nil {
		s.post(func() { delete(s.pendingWS, id) })
		_ = browser.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(1011, "Tunnel disconnected"), time.Now().Add(time.Second))
		_ = browser.Close()
		return
	}

	s.runBrowserReadLoop(id, ws)
}

// runBrowserReadLoop relays frames from the browser socket to the agent
// until the socket closes. It must run on the goroutine owning the
// connection (the HTTP handler goroutine), since ReadMessage blocks.
func (s *Session) runBrowserReadLoop(id string, ws *pendingWS) {
	for {
		msgType, data, err := ws.browser.ReadMessage()
		if err != nil {
			break
		}
		frameType := protocol.FrameTypeBinary
		if msgType == websocket.TextMessage {
			frameType = protocol.FrameTypeText
		}
		if err := s.sendAgentErr(protocol.WSFrameMessage{StreamID: id, FrameType: frameType}); err != nil {
			break
		}
		if err := s.sendAgentBinary(id, data); err != nil {
			break
		}
	}

	s.post(func() {
		if _, ok := s.pendingWS[id]; !ok {
			return // already torn down by handleAgentWSClose or teardown
		}
		delete(s.pendingWS, id)
		s.sendAgent(protocol.WSCloseMessage{StreamID: id, Code: websocket.CloseNormalClosure, Reason: "Browser disconnected"})
	})
}

// handleWSUpgradeAck processes ws-upgrade-ack from the agent: ok=false
// closes the browser socket with 1011 and drops the stream; ok=true is a
// no-op, since frames already flow as they arrive.
func (s *Session) handleWSUpgradeAck(m protocol.WSUpgradeAckMessage) {
	s.post(func() {
		ws, ok := s.pendingWS[m.StreamID]
		if !ok {
			return
		}
		if m.OK {
			return
		}
		delete(s.pendingWS, m.StreamID)
		reason := m.Error
		if reason == "" {
			reason = "Upgrade rejected by loopback service"
		}
		_ = ws.browser.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(1011, reason), time.Now().Add(time.Second))
		_ = ws.browser.Close()
	})
}

// handleAgentWSClose processes ws-close sent by the agent: close the
// browser socket with the supplied code and reason.
func (s *Session) handleAgentWSClose(m protocol.WSCloseMessage) {
	s.post(func() {
		ws, ok := s.pendingWS[m.StreamID]
		if !ok {
			return
		}
		delete(s.pendingWS, m.StreamID)
		code := m.Code
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		_ = ws.browser.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, m.Reason), time.Now().Add(time.Second))
		_ = ws.browser.Close()
	})
}

// relayToBrowser writes one binary frame's payload to the browser socket
// for a pending WS stream, honoring the frame_type latch set by the most
// recent ws-frame header. Must be called from the event loop; it does the
// actual browser write itself since browser-socket writes are per-stream,
// not shared like the agent control socket, so no cross-goroutine
// serialization beyond browserWriteMu is required.
func (s *Session) relayToBrowser(id string, payload []byte) {
	ws, ok := s.pendingWS[id]
	if !ok {
		return
	}
	msgType := websocket.BinaryMessage
	if ws.nextFrameIsText {
		msgType = websocket.TextMessage
	}
	ws.browserWriteMu.Lock()
	err := ws.browser.WriteMessage(msgType, payload)
	ws.browserWriteMu.Unlock()
	if err != nil {
		slog.Debug("failed writing to browser socket", "subdomain", s.subdomain, "stream_id", id, "err", err)
	}
}

// handleWSFrameHeader records the frame_type latch for the next binary
// frame on this stream. Called from handleAgentTextMessage.
func (s *Session) handleWSFrameHeader(m protocol.WSFrameMessage) {
	s.post(func() {
		ws, ok := s.pendingWS[m.StreamID]
		if !ok {
			return
		}
		ws.nextFrameIsText = m.FrameType == protocol.FrameTypeText
	})
}
