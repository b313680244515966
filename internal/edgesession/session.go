// Package edgesession implements the edge session: a per-subdomain
// runtime object that accepts the agent's control connection, terminates
// public HTTP and WebSocket traffic for its subdomain, enforces TTL and
// body limits, and multiplexes requests over the control connection.
//
// A Session serializes all of its state transitions through a single
// internal event loop goroutine, observing every event (public HTTP,
// public WS, agent frames, alarm, grace timer) as a single serialized
// stream, rather than guarding state with a mutex directly; callers post
// closures onto the loop and, where they need a result, block on a reply
// channel embedded in the closure.
package edgesession

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xpose/xpose/internal/access"
	"github.com/xpose/xpose/internal/protocol"
)

// Defaults for a freshly created session.
const (
	DefaultMaxBodyBytes    = protocol.DefaultMaxBodySizeBytes
	DefaultRequestTimeout  = time.Duration(protocol.DefaultRequestTimeout) * time.Second
	DefaultTTL             = protocol.DefaultTTLSeconds * time.Second
	MaxTTL                 = protocol.MaxTTLSeconds * time.Second
	DefaultDisconnectGrace = time.Duration(protocol.DefaultReconnectGrace) * time.Second
)

// pendingHTTP is the edge-side bookkeeping for one in-flight public HTTP
// request awaiting a response from the agent.
type pendingHTTP struct {
	resolve   chan httpResult
	timer     *time.Timer
	status    int
	headers   map[string]string
	body      []byte
	resolved  bool
}

type httpResult struct {
	status  int
	headers map[string]string
	body    []byte
}

// pendingWS is the edge-side bookkeeping for one relayed WebSocket stream.
type pendingWS struct {
	streamID          string
	browser           *websocket.Conn
	browserWriteMu    *sync.Mutex
	nextFrameIsText   bool
}

// Session is one per-subdomain edge runtime object.
type Session struct {
	subdomain    string
	publicDomain string
	maxBodyBytes int
	requestTimeout time.Duration
	disconnectGrace time.Duration

	rateLimiter *access.RateLimiter

	events chan func()
	done   chan struct{}
	closeOnce sync.Once

	onClosed func(subdomain string)

	// agentConnAtomic mirrors agentConn for lock-free reads from writer
	// goroutines; agentWriteMu serializes the actual socket writes so a
	// ws-frame/binary or http-body-chunk/binary pair is never interleaved
	// with another writer.
	agentConnAtomic atomic.Pointer[protocol.Codec]
	agentWriteMu    sync.Mutex

	// --- fields below are only ever touched from the events loop goroutine ---
	agentConn   *protocol.Codec
	agentSocket *websocket.Conn

	config       protocol.TunnelConfig
	sessionID    string

	pendingHTTP map[string]*pendingHTTP
	pendingWS   map[string]*pendingWS

	alarmDeadline time.Time
	alarmTimer    *time.Timer

	graceTimer *time.Timer

	closed bool
}

// NewSession creates a Session for subdomain and starts its event loop.
// onClosed, if non-nil, is invoked exactly once (from the loop goroutine,
// after teardown) when the session tears itself down.
func NewSession(subdomain, publicDomain string, onClosed func(string)) *Session {
	s := &Session{
		subdomain:       subdomain,
		publicDomain:    publicDomain,
		maxBodyBytes:    DefaultMaxBodyBytes,
		requestTimeout:  DefaultRequestTimeout,
		disconnectGrace: DefaultDisconnectGrace,
		rateLimiter:     access.NewRateLimiter(0),
		events:          make(chan func(), 64),
		done:            make(chan struct{}),
		onClosed:        onClosed,
		pendingHTTP:     make(map[string]*pendingHTTP),
		pendingWS:       make(map[string]*pendingWS),
	}
	go s.loop()
	return s
}

// Subdomain returns the session's subdomain label.
func (s *Session) Subdomain() string { return s.subdomain }

// HasAgent reports (synchronously) whether an agent socket is attached.
func (s *Session) HasAgent() bool {
	reply := make(chan bool, 1)
	if !s.post(func() { reply <- s.agentSocket != nil }) {
		return false
	}
	return <-reply
}

// loop is the session's serialized event stream.
func (s *Session) loop() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			s.drainRemaining()
			return
		}
	}
}

// drainRemaining runs any events still queued at shutdown so that posted
// reply channels are never left blocked forever.
func (s *Session) drainRemaining() {
	for {
		select {
		case fn := <-s.events:
			fn()
		default:
			return
		}
	}
}

// post enqueues fn to run on the event loop. It returns false if the
// session has already torn down and fn was dropped.
func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// Destroy stops the session's event loop; later posts are dropped. It does
// not close sockets, resolve pending entries or call onClosed; teardown
// does those and then calls Destroy. Idempotent.
func (s *Session) Destroy() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// teardown runs on the event loop: closes the agent socket (if any),
// closes all browser sockets, resolves all pending HTTP entries with the
// given status/message, and clears state. Must only be called from the
// loop goroutine.
func (s *Session) teardown(httpStatus int, httpMessage string, closeCode int, closeReason string) {
	if s.closed {
		return
	}
	s.closed = true

	if s.alarmTimer != nil {
		s.alarmTimer.Stop()
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}

	if s.agentSocket != nil {
		_ = s.agentSocket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, closeReason),
			time.Now().Add(time.Second))
		_ = s.agentSocket.Close()
		s.agentSocket = nil
		s.setAgentConn(nil)
	}

	for id, p := range s.pendingHTTP {
		s.resolvePendingLocked(id, p, httpResult{
			status:  httpStatus,
			headers: map[string]string{"Content-Type": "text/html; charset=utf-8"},
			body:    []byte(brandedErrorPage(httpMessage)),
		})
	}

	for id, ws := range s.pendingWS {
		_ = ws.browser.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, closeReason),
			time.Now().Add(time.Second))
		_ = ws.browser.Close()
		delete(s.pendingWS, id)
	}

	if s.onClosed != nil {
		s.onClosed(s.subdomain)
	}
	s.Destroy()
	slog.Info("edge session torn down", "subdomain", s.subdomain, "reason", httpMessage)
}

func (s *Session) resolvePendingLocked(id string, p *pendingHTTP, res httpResult) {
	if p.resolved {
		return
	}
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(s.pendingHTTP, id)
	select {
	case p.resolve <- res:
	default:
	}
}
