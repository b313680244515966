// Package inspect defines the event contract the agent emits to an
// optional local inspection sidecar after each completed request. The
// sidecar itself (a browser-facing HTTP/WS server) is an external
// collaborator and is not implemented here; only the event shape and the
// agent-side emission path are core.
package inspect

import (
	"mime"
	"strings"
	"time"
)

// BodyCaptureLimit is the maximum body size captured for inspection,
// independent of the tunnel's own max-body-size limit.
const BodyCaptureLimit = 128 * 1024

// Event is one completed request/response pair, as reported to the
// inspection sidecar.
type Event struct {
	ID              string            `json:"id"`
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	Status          int               `json:"status"`
	Duration        time.Duration     `json:"-"`
	DurationMS      int64             `json:"duration_ms"`
	Timestamp       time.Time         `json:"timestamp"`
	RequestHeaders  map[string]string `json:"request_headers"`
	ResponseHeaders map[string]string `json:"response_headers"`
	Body            []byte            `json:"-"`
	CapturedBody    string            `json:"captured_body,omitempty"`
}

// textualContentTypes lists the content-type families whose bodies are
// captured for inspection.
var textualContentTypeSuffixes = []string{"+json", "+xml"}

var textualContentTypePrefixes = []string{"text/"}

var textualContentTypes = map[string]bool{
	"application/json":                  true,
	"application/xml":                   true,
	"application/x-www-form-urlencoded": true,
	"image/svg+xml":                     true,
}

// isTextualContentType reports whether a Content-Type value qualifies for
// body capture.
func isTextualContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	mediaType = strings.ToLower(mediaType)
	if textualContentTypes[mediaType] {
		return true
	}
	for _, prefix := range textualContentTypePrefixes {
		if strings.HasPrefix(mediaType, prefix) {
			return true
		}
	}
	for _, suffix := range textualContentTypeSuffixes {
		if strings.HasSuffix(mediaType, suffix) {
			return true
		}
	}
	return false
}

// Finalize derives DurationMS and CapturedBody from Duration and Body,
// applying the textual-content-type and size-limit rules. HTTPSink.Emit
// calls it before serializing an Event.
func (e *Event) Finalize() {
	e.DurationMS = e.Duration.Milliseconds()
	if len(e.Body) == 0 || len(e.Body) > BodyCaptureLimit {
		return
	}
	contentType := e.ResponseHeaders["content-type"]
	if contentType == "" {
		return
	}
	if isTextualContentType(contentType) {
		e.CapturedBody = string(e.Body)
	}
}

// Sink receives completed inspection events.
type Sink interface {
	Emit(Event)
}

// NoopSink discards every event; it is the default when no sidecar is
// configured.
type NoopSink struct{}

// Emit implements Sink.
func (NoopSink) Emit(Event) {}
