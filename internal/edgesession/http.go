package edgesession

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/xpose/xpose/internal/access"
	"github.com/xpose/xpose/internal/idgen"
	"github.com/xpose/xpose/internal/protocol"
)

const corsAllowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS, HEAD"

func newRateLimiterFor(perMinute int) *access.RateLimiter {
	return access.NewRateLimiter(perMinute)
}

// ServeHTTP implements the public HTTP path: access control, rate
// limiting, request buffering, and the loopback round-trip over the
// agent control connection.
func (s *Session) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := access.ClientIP(r.Header.Get("Cf-Connecting-Ip"), r.Header.Get("X-Forwarded-For"), r.RemoteAddr)

	cfg, rateLimiter := s.snapshotConfig()

	isPreflight := r.Method == http.MethodOptions && r.Header.Get("Origin") != ""
	if isPreflight && cfg.CORS {
		s.writeCORSPreflight(w)
		return
	}

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

	maxBody := s.currentMaxBodyBytes()
	if cl := r.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > int64(maxBody) {
			s.writePlainTooLarge(w, "request", maxBody)
			return
		}
	}

	body, truncated, err := readBodyLimited(r.Body, maxBody)
	if err != nil {
		s.writeBranded(w, http.StatusInternalServerError, "Internal Error", nil)
		return
	}
	if truncated {
		s.writePlainTooLarge(w, "request", maxBody)
		return
	}

	id := s.allocateRequestID()
	headers := flattenHeaders(r.Header)

	pending := &pendingHTTP{resolve: make(chan httpResult, 1)}
	registered := make(chan bool, 1)
	s.post(func() {
		s.pendingHTTP[id] = pending
		pending.timer = time.AfterFunc(s.requestTimeout, func() {
			s.post(func() {
				s.resolvePendingLocked(id, pending, httpResult{
					status:  http.StatusGatewayTimeout,
					headers: map[string]string{"Content-Type": "text/html; charset=utf-8"},
					body:    []byte(brandedErrorPage("Gateway Timeout")),
				})
			})
		})
		registered <- true
	})
	<-registered

	if err := s.sendRequestToAgent(id, r.Method, r.URL.RequestURI(), headers, body); err != nil {
		s.post(func() {
			s.resolvePendingLocked(id, pending, httpResult{
				status:  http.StatusBadGateway,
				headers: map[string]string{"Content-Type": "text/html; charset=utf-8"},
				body:    []byte(brandedErrorPage("Tunnel disconnected")),
			})
		})
	}

	result := <-pending.resolve
	s.writeResult(w, result, cfg)
}

func (s *Session) snapshotConfig() (protocol.TunnelConfig, *access.RateLimiter) {
	cfgCh := make(chan protocol.TunnelConfig, 1)
	rlCh := make(chan *access.RateLimiter, 1)
	s.post(func() {
		cfgCh <- s.config
		rlCh <- s.rateLimiter
	})
	return <-cfgCh, <-rlCh
}

func (s *Session) currentMaxBodyBytes() int {
	reply := make(chan int, 1)
	if !s.post(func() { reply <- s.maxBodyBytes }) {
		return DefaultMaxBodyBytes
	}
	v := <-reply
	if v == 0 {
		return DefaultMaxBodyBytes
	}
	return v
}

func (s *Session) allocateRequestID() string {
	reply := make(chan string, 1)
	s.post(func() {
		for {
			id := idgen.MustNew()
			if _, httpTaken := s.pendingHTTP[id]; httpTaken {
				continue
			}
			if _, wsTaken := s.pendingWS[id]; wsTaken {
				continue
			}
			reply <- id
			return
		}
	})
	return <-reply
}

func readBodyLimited(r io.Reader, max int) (data []byte, truncated bool, err error) {
	limited := io.LimitReader(r, int64(max)+1)
	data, err = io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	if len(data) > max {
		return nil, true, nil
	}
	return data, false, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

func (s *Session) sendRequestToAgent(id, method, path string, headers map[string]string, body []byte) error {
	hasBody := len(body) > 0
	if err := s.sendAgentErr(protocol.HTTPRequestMessage{
		ID: id, Method: method, Path: path, Headers: headers, HasBody: hasBody,
	}); err != nil {
		return err
	}
	if hasBody {
		const chunkSize = 64 * 1024
		for offset := 0; offset < len(body); offset += chunkSize {
			end := offset + chunkSize
			if end > len(body) {
				end = len(body)
			}
			if err := s.sendAgentErr(protocol.HTTPBodyChunkMessage{ID: id, Done: false}); err != nil {
				return err
			}
			if err := s.sendAgentBinary(id, body[offset:end]); err != nil {
				return err
			}
		}
	}
	return s.sendAgentErr(protocol.HTTPRequestEndMessage{ID: id})
}

// sendAgentErr is like sendAgent but reports a write failure to the
// caller instead of just logging it, so the pending entry can resolve
// 502 immediately rather than waiting out the full request timeout.
func (s *Session) sendAgentErr(msg protocol.Message) error {
	s.agentWriteMu.Lock()
	defer s.agentWriteMu.Unlock()
	conn := s.currentAgentConn()
	if conn == nil {
		return errNoAgent
	}
	return conn.WriteText(msg)
}

func (s *Session) sendAgentBinary(id string, payload []byte) error {
	s.agentWriteMu.Lock()
	defer s.agentWriteMu.Unlock()
	conn := s.currentAgentConn()
	if conn == nil {
		return errNoAgent
	}
	return conn.WriteBinary(id, payload)
}

var errNoAgent = &noAgentError{}

type noAgentError struct{}

func (*noAgentError) Error() string { return "no agent socket attached" }

// handleResponseMeta processes http-response-meta from the agent.
func (s *Session) handleResponseMeta(m protocol.HTTPResponseMetaMessage) {
	s.post(func() {
		p, ok := s.pendingHTTP[m.ID]
		if !ok {
			return
		}
		p.status = m.Status
		p.headers = m.Headers
		p.body = nil
		if !m.HasBody {
			s.resolvePendingLocked(m.ID, p, httpResult{status: p.status, headers: p.headers, body: nil})
		}
	})
}

// handleResponseEnd processes http-response-end from the agent.
func (s *Session) handleResponseEnd(m protocol.HTTPResponseEndMessage) {
	s.post(func() {
		p, ok := s.pendingHTTP[m.ID]
		if !ok {
			return
		}
		s.resolvePendingLocked(m.ID, p, httpResult{status: p.status, headers: p.headers, body: p.body})
	})
}

// handleAgentBinaryFrame appends a response body chunk (if id matches a
// pending HTTP request) or relays a WebSocket payload to the browser (if
// id matches a pending WS stream).
func (s *Session) handleAgentBinaryFrame(id string, payload []byte) {
	s.post(func() {
		if p, ok := s.pendingHTTP[id]; ok {
			maxBody := s.maxBodyBytes
			if maxBody == 0 {
				maxBody = DefaultMaxBodyBytes
			}
			p.body = append(p.body, payload...)
			if len(p.body) > maxBody {
				s.resolvePendingLocked(id, p, httpResult{
					status:  http.StatusRequestEntityTooLarge,
					headers: map[string]string{"Content-Type": "text/plain; charset=utf-8"},
					body:    []byte(plainTooLargeBody("response", maxBody)),
				})
			}
			return
		}
		s.relayToBrowser(id, payload)
	})
}

func (s *Session) writeResult(w http.ResponseWriter, result httpResult, cfg protocol.TunnelConfig) {
	for k, v := range result.headers {
		w.Header().Set(k, v)
	}
	applyCustomHeaders(w.Header(), cfg.CustomHeaders)
	if cfg.CORS {
		applyCORSHeaders(w.Header())
	}
	w.WriteHeader(result.status)
	if len(result.body) > 0 {
		_, _ = w.Write(result.body)
	}
}

func applyCustomHeaders(h http.Header, custom map[string]string) {
	for k, v := range custom {
		if httpguts.ValidHeaderFieldName(k) && httpguts.ValidHeaderFieldValue(v) {
			h.Set(k, v)
		}
	}
}

func applyCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", corsAllowMethods)
	h.Set("Access-Control-Allow-Headers", "*")
}

func (s *Session) writeCORSPreflight(w http.ResponseWriter) {
	applyCORSHeaders(w.Header())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Session) writeBranded(w http.ResponseWriter, status int, message string, extra map[string]string) {
	for k, v := range extra {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(brandedErrorPage(message)))
	slog.Debug("branded error response", "subdomain", s.subdomain, "status", status, "message", message)
}

func plainTooLargeBody(noun string, max int) string {
	return "Payload Too Large: " + noun + " exceeds " + strconv.Itoa(max) + " byte limit"
}

func (s *Session) writePlainTooLarge(w http.ResponseWriter, noun string, max int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusRequestEntityTooLarge)
	_, _ = w.Write([]byte(plainTooLargeBody(noun, max)))
}
