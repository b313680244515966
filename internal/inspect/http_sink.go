package inspect

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// HTTPSink posts each event as JSON to a configured sidecar URL. It is the
// only concrete Sink besides NoopSink, since the sidecar's own server is
// an external collaborator this module does not implement.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink creates a Sink that POSTs events to url.
func NewHTTPSink(url string) *HTTPSink {
	return &HTTPSink{url: url, client: &http.Client{Timeout: 5 * time.Second}}
}

// Emit implements Sink. Delivery failures are logged, never fatal to the
// caller, since the sidecar is optional.
func (s *HTTPSink) Emit(ev Event) {
	ev.Finalize()
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("inspect: failed marshalling event", "err", err)
		return
	}
	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(data))
	if err != nil {
		slog.Warn("inspect: failed posting event", "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("inspect: sidecar rejected event", "status", resp.StatusCode)
	}
}
