package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/xpose/xpose/internal/idgen"
	"github.com/xpose/xpose/internal/inspect"
	"github.com/xpose/xpose/internal/protocol"
)

// errTunnelExpired is returned by Run when the edge session reports TTL
// expiry, letting the reconnect loop distinguish "stop trying" from a
// transient disconnect, since an expired tunnel must never reconnect.
var errTunnelExpired = errors.New("agent: tunnel TTL expired")

// wsDialer is overridden in tests to redirect control and loopback dials
// without relying on real DNS resolution.
var wsDialer = websocket.DefaultDialer

// Tunnel manages one agent-side control connection to the edge gateway,
// dispatching http-request and ws-upgrade frames to the loopback backend
// and streaming responses back. A single read loop dispatches frames by
// kind; HTTP and WebSocket streams are multiplexed over one connection
// by request/stream id.
type Tunnel struct {
	subdomain string
	codec     *protocol.Codec
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once

	handler *RequestHandler
	sink    inspect.Sink

	writeMu sync.Mutex

	httpMu   sync.Mutex
	httpBufs map[string]*httpBuffer

	wsMu sync.Mutex
	wsStreams map[string]*wsStream

	requestStarted map[string]time.Time

	expired atomic.Bool

	// group is set by Run and used by spawn to route per-request
	// goroutines through the same errgroup Run waits on, so a write
	// failure on one inflight request cancels the tunnel's context and
	// is visible on Run's return instead of being silently dropped.
	group *errgroup.Group
}

type httpBuffer struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

type wsStream struct {
	conn            *websocket.Conn
	writeMu         sync.Mutex
	nextFrameIsText bool
}

// ConnectTunnel dials the gateway, completes the auth handshake, and
// returns a ready Tunnel. The subdomain used is cfg.Tunnel.Subdomain if
// set, otherwise a freshly generated identifier.
func ConnectTunnel(ctx context.Context, cfg *Config, sink inspect.Sink) (*Tunnel, error) {
	subdomain := cfg.Tunnel.Subdomain
	if subdomain == "" {
		var err error
		subdomain, err = idgen.New()
		if err != nil {
			return nil, fmt.Errorf("generating subdomain: %w", err)
		}
	} else if err := idgen.ValidateSubdomain(subdomain); err != nil {
		return nil, fmt.Errorf("invalid configured subdomain: %w", err)
	}

	url := cfg.Gateway.ConnectURL(subdomain)
	slog.Info("connecting to gateway", "url", url)

	conn, _, err := wsDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialling gateway: %w", err)
	}

	t := &Tunnel{
		subdomain:      subdomain,
		codec:          protocol.NewCodec(conn),
		conn:           conn,
		done:           make(chan struct{}),
		sink:           sink,
		httpBufs:       make(map[string]*httpBuffer),
		wsStreams:      make(map[string]*wsStream),
		requestStarted: make(map[string]time.Time),
	}

	ttl := cfg.Tunnel.TTLSeconds
	if ttl <= 0 {
		ttl = protocol.DefaultTTLSeconds
	}
	if err := t.send(protocol.AuthMessage{
		Subdomain: subdomain,
		TTL:       ttl,
		Config: &protocol.TunnelConfig{
			AllowedIPs:    cfg.Tunnel.AllowedIPs,
			RateLimit:     cfg.Tunnel.RateLimit,
			CORS:          cfg.Tunnel.CORS,
			CustomHeaders: cfg.Tunnel.CustomHeaders,
		},
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending auth: %w", err)
	}

	res, err := t.codec.ReadFrame()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading auth-ack: %w", err)
	}
	ack, ok := res.Message.(protocol.AuthAckMessage)
	if !res.IsText || !ok {
		conn.Close()
		return nil, fmt.Errorf("expected auth-ack, got %T", res.Message)
	}

	t.handler = NewRequestHandler(cfg.Backend.Addr(), ack.MaxBodySizeBytes)
	slog.Info("tunnel established", "url", ack.URL, "ttl", ack.TTL, "remaining_ttl", ack.RemainingTTL)
	return t, nil
}

// Subdomain returns the subdomain this tunnel authenticated as.
func (t *Tunnel) Subdomain() string { return t.subdomain }

// Run processes frames from the gateway until the connection closes or an
// unrecoverable error occurs. Per-request loopback work is dispatched
// through the same errgroup (see spawn), so a fatal write error on any
// inflight request cancels ctx and is returned here alongside a read-loop
// failure, rather than only ever surfacing the read loop's own error.
func (t *Tunnel) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	t.group = g

	g.Go(func() error { return t.readLoop(ctx) })
	go func() {
		<-ctx.Done()
		t.Close()
	}()

	err := g.Wait()
	if t.expired.Load() {
		return errTunnelExpired
	}
	return err
}

// spawn runs fn as a tracked goroutine when Run has started an errgroup,
// so its error (if any) is reported through Run's return value and
// cancels the other inflight work. Falls back to a bare goroutine when
// called before Run assigns the group, which only happens if dispatch is
// driven directly in a test without going through Run.
func (t *Tunnel) spawn(fn func() error) {
	if t.group != nil {
		t.group.Go(fn)
		return
	}
	go func() { _ = fn() }()
}

// Close shuts down the tunnel connection. Idempotent.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.codec.Close()
		slog.Info("agent tunnel closed", "subdomain", t.subdomain)
	})
}

// Done returns a channel that closes when the tunnel shuts down.
func (t *Tunnel) Done() <-chan struct{} {
	return t.done
}

func (t *Tunnel) send(msg protocol.Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.codec.WriteText(msg)
}

func (t *Tunnel) sendBinary(id string, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.codec.WriteBinary(id, payload)
}

// readLoop reads frames from the gateway and dispatches them; outbound
// loopback work (HTTP calls, WS relays) is spawned as its own goroutine so
// the read loop never blocks on backend latency: one goroutine reads
// frames, one goroutine per inflight loopback call does the work.
func (t *Tunnel) readLoop(ctx context.Context) error {
	defer t.Close()
	for {
		res, err := t.codec.ReadFrame()
		if err != nil {
			select {
			case <-t.done:
				return nil
			default:
				return fmt.Errorf("reading frame: %w", err)
			}
		}

		if res.IsText {
			if res.Message == nil {
				continue // malformed/unknown frame: dropped silently
			}
			t.dispatchText(ctx, res.Message)
			continue
		}
		t.dispatchBinary(res.ID, res.Payload)
	}
}

func (t *Tunnel) dispatchText(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.PingMessage:
		if err := t.send(protocol.PongMessage{}); err != nil {
			slog.Warn("failed sending pong", "err", err)
		}
	case protocol.HTTPRequestMessage:
		t.onHTTPRequest(m)
	case protocol.HTTPBodyChunkMessage:
		// header only; the accompanying binary frame is handled by
		// dispatchBinary, which appends into httpBufs.
	case protocol.HTTPRequestEndMessage:
		id := m.ID
		t.spawn(func() error { return t.handleCompleteRequest(id) })
	case protocol.WSUpgradeMessage:
		t.spawn(func() error { return t.onWSUpgrade(ctx, m) })
	case protocol.WSFrameMessage:
		t.setWSFrameLatch(m)
	case protocol.WSCloseMessage:
		t.onWSCloseFromEdge(m)
	case protocol.ErrorMessage:
		slog.Warn("edge reported error", "message", m.Message)
		if m.Message == "Tunnel TTL expired" {
			t.expired.Store(true)
		}
	default:
		slog.Warn("unexpected message from edge", "kind", msg.Kind())
	}
}

func (t *Tunnel) dispatchBinary(id string, payload []byte) {
	t.httpMu.Lock()
	buf, isHTTP := t.httpBufs[id]
	if isHTTP {
		buf.body = append(buf.body, payload...)
	}
	t.httpMu.Unlock()
	if isHTTP {
		return
	}

	t.wsMu.Lock()
	stream, ok := t.wsStreams[id]
	t.wsMu.Unlock()
	if ok {
		t.relayToLoopback(id, stream, payload)
	}
}

// onHTTPRequest starts buffering a request, or (for bodyless requests)
// executes it immediately.
func (t *Tunnel) onHTTPRequest(m protocol.HTTPRequestMessage) {
	t.httpMu.Lock()
	t.httpBufs[m.ID] = &httpBuffer{method: m.Method, path: m.Path, headers: m.Headers}
	t.requestStarted[m.ID] = time.Now()
	t.httpMu.Unlock()

	if !m.HasBody {
		id := m.ID
		t.spawn(func() error { return t.handleCompleteRequest(id) })
	}
}

// handleCompleteRequest runs once a request's body (if any) is fully
// buffered, executes the loopback call, and streams the response back.
// The returned error is a fatal control-connection write failure, not a
// loopback-side failure (those resolve as a 502/413 error frame and
// return nil); it is what lets spawn's errgroup cancel the rest of the
// tunnel's inflight work when the connection itself has gone bad.
func (t *Tunnel) handleCompleteRequest(id string) error {
	t.httpMu.Lock()
	buf, ok := t.httpBufs[id]
	started := t.requestStarted[id]
	delete(t.httpBufs, id)
	delete(t.requestStarted, id)
	t.httpMu.Unlock()
	if !ok {
		return nil
	}

	result := t.handler.Execute(buf.method, buf.path, buf.headers, buf.body)
	duration := time.Since(started)

	if result.errMsg != "" {
		status := http.StatusBadGateway
		if strings.Contains(result.errMsg, "exceeds") {
			status = http.StatusRequestEntityTooLarge
		}
		if err := t.send(protocol.ErrorMessage{Message: result.errMsg, RequestID: id, Status: status}); err != nil {
			slog.Error("failed sending error frame", "id", id, "err", err)
			return fmt.Errorf("sending error frame for %s: %w", id, err)
		}
		t.emitInspectEvent(id, buf, status, nil, duration)
		return nil
	}

	t.emitInspectEvent(id, buf, result.status, result, duration)

	if err := t.send(protocol.HTTPResponseMetaMessage{
		ID: id, Status: result.status, Headers: result.headers, HasBody: len(result.body) > 0,
	}); err != nil {
		slog.Error("failed sending response meta", "id", id, "err", err)
		return fmt.Errorf("sending response meta for %s: %w", id, err)
	}

	const chunkSize = 64 * 1024
	for offset := 0; offset < len(result.body); offset += chunkSize {
		end := offset + chunkSize
		if end > len(result.body) {
			end = len(result.body)
		}
		if err := t.send(protocol.HTTPBodyChunkMessage{ID: id, Done: false}); err != nil {
			slog.Error("failed sending body chunk header", "id", id, "err", err)
			return fmt.Errorf("sending body chunk header for %s: %w", id, err)
		}
		if err := t.sendBinary(id, result.body[offset:end]); err != nil {
			slog.Error("failed sending body chunk", "id", id, "err", err)
			return fmt.Errorf("sending body chunk for %s: %w", id, err)
		}
	}

	if err := t.send(protocol.HTTPResponseEndMessage{ID: id}); err != nil {
		slog.Error("failed sending response end", "id", id, "err", err)
		return fmt.Errorf("sending response end for %s: %w", id, err)
	}
	return nil
}

func (t *Tunnel) emitInspectEvent(id string, buf *httpBuffer, status int, result interface{}, duration time.Duration) {
	if t.sink == nil {
		return
	}
	ev := inspect.Event{
		ID:        id,
		Method:    buf.method,
		Path:      buf.path,
		Status:    status,
		Duration:  duration,
		Timestamp: time.Now(),
		RequestHeaders: buf.headers,
	}
	if r, ok := result.(loopbackResult); ok {
		ev.ResponseHeaders = r.headers
		ev.Body = r.body
	}
	t.sink.Emit(ev)
}

func (t *Tunnel) setWSFrameLatch(m protocol.WSFrameMessage) {
	t.wsMu.Lock()
	defer t.wsMu.Unlock()
	if stream, ok := t.wsStreams[m.StreamID]; ok {
		stream.nextFrameIsText = m.FrameType == protocol.FrameTypeText
	}
}

var wsHopByHop = map[string]bool{
	"host":       true,
	"upgrade":    true,
	"connection": true,
}

// onWSUpgrade dials the loopback WebSocket endpoint and, on success,
// begins relaying frames bidirectionally until either side closes. A
// failed loopback dial is reported to the edge as a rejected upgrade and
// returns nil, since the tunnel connection itself is still healthy; only
// a control-connection write failure is returned as an error.
func (t *Tunnel) onWSUpgrade(ctx context.Context, m protocol.WSUpgradeMessage) error {
	header := http.Header{}
	for k, v := range m.Headers {
		lk := strings.ToLower(k)
		if wsHopByHop[lk] || strings.HasPrefix(lk, "sec-websocket-") {
			continue
		}
		header.Set(k, v)
	}
	if proto, ok := m.Headers["sec-websocket-protocol"]; ok && proto != "" {
		header.Set("Sec-WebSocket-Protocol", proto)
	}

	url := "ws://" + t.handler.backendAddr + m.Path
	conn, _, err := wsDialer.DialContext(ctx, url, header)
	if err != nil {
		_ = t.send(protocol.WSUpgradeAckMessage{StreamID: m.StreamID, OK: false, Error: err.Error()})
		return nil
	}

	stream := &wsStream{conn: conn}
	t.wsMu.Lock()
	t.wsStreams[m.StreamID] = stream
	t.wsMu.Unlock()

	if err := t.send(protocol.WSUpgradeAckMessage{StreamID: m.StreamID, OK: true}); err != nil {
		conn.Close()
		t.wsMu.Lock()
		delete(t.wsStreams, m.StreamID)
		t.wsMu.Unlock()
		return fmt.Errorf("sending ws-upgrade-ack for %s: %w", m.StreamID, err)
	}

	t.runLoopbackWSReadLoop(m.StreamID, stream)
	return nil
}

// runLoopbackWSReadLoop relays frames read from the loopback WebSocket
// back to the edge until it closes.
func (t *Tunnel) runLoopbackWSReadLoop(streamID string, stream *wsStream) {
	for {
		msgType, data, err := stream.conn.ReadMessage()
		if err != nil {
			break
		}
		frameType := protocol.FrameTypeBinary
		if msgType == websocket.TextMessage {
			frameType = protocol.FrameTypeText
		}
		if err := t.send(protocol.WSFrameMessage{StreamID: streamID, FrameType: frameType}); err != nil {
			break
		}
		if err := t.sendBinary(streamID, data); err != nil {
			break
		}
	}

	t.wsMu.Lock()
	_, stillOpen := t.wsStreams[streamID]
	delete(t.wsStreams, streamID)
	t.wsMu.Unlock()
	if stillOpen {
		_ = t.send(protocol.WSCloseMessage{StreamID: streamID, Code: websocket.CloseNormalClosure, Reason: "Local WebSocket closed"})
	}
}

// relayToLoopback writes one payload to the loopback WebSocket, honoring
// the frame_type latch set by the preceding ws-frame header.
func (t *Tunnel) relayToLoopback(id string, stream *wsStream, payload []byte) {
	msgType := websocket.BinaryMessage
	if stream.nextFrameIsText {
		msgType = websocket.TextMessage
	}
	stream.writeMu.Lock()
	err := stream.conn.WriteMessage(msgType, payload)
	stream.writeMu.Unlock()
	if err != nil {
		slog.Debug("failed writing to loopback websocket", "stream_id", id, "err", err)
	}
}

// onWSCloseFromEdge closes the corresponding loopback socket with the
// code/reason the edge forwarded from the browser's close frame.
func (t *Tunnel) onWSCloseFromEdge(m protocol.WSCloseMessage) {
	t.wsMu.Lock()
	stream, ok := t.wsStreams[m.StreamID]
	delete(t.wsStreams, m.StreamID)
	t.wsMu.Unlock()
	if !ok {
		return
	}
	code := m.Code
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = stream.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, m.Reason), time.Now().Add(time.Second))
	_ = stream.conn.Close()
}
