package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/xpose/xpose/internal/edgesession"
	"github.com/xpose/xpose/internal/inspect"
	"github.com/xpose/xpose/internal/protocol"
)

// startGatewayForAgent wires one edgesession.Session behind an
// httptest.TLS server the way internal/gateway would, so the agent's
// Tunnel can be exercised end-to-end against a real (if minimal) edge
// session. TLS is required because ConnectURL always dials wss://.
func startGatewayForAgent(t *testing.T, subdomain string) *httptest.Server {
	t.Helper()
	s := edgesession.NewSession(subdomain, "xpose.dev", nil)
	mux := http.NewServeMux()
	mux.HandleFunc(protocol.TunnelConnectPath, s.HandleControlUpgrade)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			s.ServeWS(w, r)
			return
		}
		s.ServeHTTP(w, r)
	})
	return httptest.NewTLSServer(mux)
}

// withTestGatewayDialer overrides the package-level wsDialer so every
// control-connection dial lands on srv's real listener address instead of
// resolving the synthetic subdomain host, and restores the original
// dialer on cleanup.
func withTestGatewayDialer(t *testing.T, srv *httptest.Server) {
	t.Helper()
	prev := wsDialer
	wsDialer = &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, srv.Listener.Addr().String())
		},
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	t.Cleanup(func() { wsDialer = prev })
}

func backendHostPort(t *testing.T, backendURL string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(backendURL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func Test_tunnel_serves_loopback_request_end_to_end(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/health", r.URL.Path)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	}))
	defer backend.Close()

	gatewaySrv := startGatewayForAgent(t, "abc")
	defer gatewaySrv.Close()
	withTestGatewayDialer(t, gatewaySrv)

	host, port := backendHostPort(t, backend.URL)
	cfg := &Config{
		Gateway: GatewayConfig{Domain: "xpose.dev"},
		Tunnel:  TunnelConfig{Subdomain: "abc", TTLSeconds: 3600},
		Backend: BackendConfig{Host: host, Port: port},
		Resume:  ResumeConfig{Disable: true},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tunnel, err := ConnectTunnel(ctx, cfg, inspect.NoopSink{})
	require.NoError(t, err)
	defer tunnel.Close()

	go func() { _ = tunnel.Run(ctx) }()

	resp, err := gatewaySrv.Client().Get(gatewaySrv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "OK", string(body))
}

func Test_run_returns_error_when_spawned_request_goroutine_fails(t *testing.T) {
	gatewaySrv := startGatewayForAgent(t, "ghi")
	defer gatewaySrv.Close()
	withTestGatewayDialer(t, gatewaySrv)

	cfg := &Config{
		Gateway: GatewayConfig{Domain: "xpose.dev"},
		Tunnel:  TunnelConfig{Subdomain: "ghi", TTLSeconds: 3600},
		Backend: BackendConfig{Host: "127.0.0.1", Port: 1},
		Resume:  ResumeConfig{Disable: true},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tunnel, err := ConnectTunnel(ctx, cfg, inspect.NoopSink{})
	require.NoError(t, err)
	defer tunnel.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- tunnel.Run(ctx) }()

	require.Eventually(t, func() bool { return tunnel.group != nil }, time.Second, 10*time.Millisecond)

	wantErr := errors.New("boom")
	tunnel.spawn(func() error { return wantErr })

	select {
	case err := <-runErr:
		require.ErrorIs(t, err, wantErr)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a spawned goroutine failed")
	}
}

func Test_agent_state_machine_reaches_connected_then_disconnected(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	gatewaySrv := startGatewayForAgent(t, "def")
	defer gatewaySrv.Close()
	withTestGatewayDialer(t, gatewaySrv)

	host, port := backendHostPort(t, backend.URL)
	cfg := &Config{
		Gateway: GatewayConfig{Domain: "xpose.dev"},
		Tunnel:  TunnelConfig{Subdomain: "def", TTLSeconds: 3600},
		Backend: BackendConfig{Host: host, Port: port},
		Resume:  ResumeConfig{Disable: true},
	}

	a, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.State() == StateConnected }, 5*time.Second, 50*time.Millisecond)

	a.Stop()
	require.Eventually(t, func() bool { return a.State() == StateDisconnected }, 5*time.Second, 50*time.Millisecond)
}
