package agent

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xpose/xpose/internal/protocol"
)

// hopByHopHeaders are stripped before the request crosses from the
// tunnel's multiplexed representation into a real HTTP request against
// the loopback service.
var hopByHopHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"transfer-encoding": true,
}

// RequestHandler executes tunnelled requests against the local backend.
type RequestHandler struct {
	backendAddr string
	client      *http.Client
	maxBody     int
}

// NewRequestHandler creates a handler targeting the given loopback address.
func NewRequestHandler(backendAddr string, maxBody int) *RequestHandler {
	if maxBody <= 0 {
		maxBody = protocol.DefaultMaxBodySizeBytes
	}
	return &RequestHandler{
		backendAddr: backendAddr,
		maxBody:     maxBody,
		client: &http.Client{
			Timeout: time.Duration(protocol.DefaultRequestTimeout) * time.Second,
		},
	}
}

// loopbackResult is the outcome of one proxied call: either a response
// ready to stream back over the tunnel, or an error frame to send instead.
type loopbackResult struct {
	status  int
	headers map[string]string
	body    []byte
	errMsg  string // non-empty: send protocol.ErrorMessage instead of a response
}

// Execute performs one loopback HTTP call and returns its result. body may
// be nil for bodyless requests.
func (h *RequestHandler) Execute(method, path string, headers map[string]string, body []byte) loopbackResult {
	if len(body) > h.maxBody {
		return loopbackResult{errMsg: fmt.Sprintf("Request body exceeds %d byte limit", h.maxBody)}
	}

	url := "http://" + h.backendAddr + path
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return loopbackResult{errMsg: "invalid request: " + err.Error()}
	}
	for k, v := range headers {
		if hopByHopHeaders[strings.ToLower(k)] {
			continue
		}
		req.Header.Set(k, v)
	}
	req.Host = req.URL.Host

	resp, err := h.client.Do(req)
	if err != nil {
		return loopbackResult{errMsg: "backend unreachable: " + err.Error()}
	}
	defer resp.Body.Close()

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > int64(h.maxBody) {
			return loopbackResult{errMsg: fmt.Sprintf("Response body exceeds %d byte limit", h.maxBody)}
		}
	}

	limited := io.LimitReader(resp.Body, int64(h.maxBody)+1)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return loopbackResult{errMsg: "reading backend response: " + err.Error()}
	}
	if len(respBody) > h.maxBody {
		return loopbackResult{errMsg: fmt.Sprintf("Response body exceeds %d byte limit", h.maxBody)}
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		if len(v) > 0 {
			respHeaders[strings.ToLower(k)] = v[0]
		}
	}

	return loopbackResult{status: resp.StatusCode, headers: respHeaders, body: respBody}
}
