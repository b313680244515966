package edgesession_test

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/xpose/xpose/internal/edgesession"
	"github.com/xpose/xpose/internal/protocol"
)

func Test_ws_relay_text_frame(t *testing.T) {
	s := edgesession.NewSession("abc", "xpose.dev", nil)
	srv := startGateway(t, s)
	defer srv.Close()

	agentCodec, _ := dialFakeAgent(t, srv)
	defer agentCodec.Close()

	// fake agent side: accept the upgrade, then echo whatever text frame
	// it receives back to the browser verbatim.
	go func() {
		for {
			res, err := agentCodec.ReadFrame()
			if err != nil {
				return
			}
			if res.IsText {
				up, ok := res.Message.(protocol.WSUpgradeMessage)
				if !ok {
					continue
				}
				_ = agentCodec.WriteText(protocol.WSUpgradeAckMessage{StreamID: up.StreamID, OK: true})
				continue
			}
			// relay binary payload straight back as a text frame.
			_ = agentCodec.WriteText(protocol.WSFrameMessage{StreamID: res.ID, FrameType: protocol.FrameTypeText})
			_ = agentCodec.WriteBinary(res.ID, res.Payload)
		}
	}()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"
	browser, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer browser.Close()

	require.NoError(t, browser.WriteMessage(websocket.TextMessage, []byte("hi")))

	_ = browser.SetReadDeadline(timeNowPlus(5 * time.Second))
	msgType, data, err := browser.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	require.Equal(t, "hi", string(data))
}

func Test_ws_upgrade_rejected_by_agent_closes_browser(t *testing.T) {
	s := edgesession.NewSession("abc", "xpose.dev", nil)
	srv := startGateway(t, s)
	defer srv.Close()

	agentCodec, _ := dialFakeAgent(t, srv)
	defer agentCodec.Close()

	go func() {
		res, err := agentCodec.ReadFrame()
		if err != nil || !res.IsText {
			return
		}
		up, ok := res.Message.(protocol.WSUpgradeMessage)
		if !ok {
			return
		}
		_ = agentCodec.WriteText(protocol.WSUpgradeAckMessage{StreamID: up.StreamID, OK: false, Error: "loopback refused"})
	}()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"
	browser, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer browser.Close()

	_ = browser.SetReadDeadline(timeNowPlus(5 * time.Second))
	_, _, err = browser.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, 1011, closeErr.Code)
}

func Test_ws_without_agent_rejected_before_upgrade(t *testing.T) {
	s := edgesession.NewSession("abc", "xpose.dev", nil)
	srv := startGateway(t, s)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"
	browser, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Nil(t, browser)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "5", resp.Header.Get("Retry-After"))
}

func Test_ws_blocked_by_ip_allowlist_before_upgrade(t *testing.T) {
	s := edgesession.NewSession("abc", "xpose.dev", nil)
	srv := startGateway(t, s)
	defer srv.Close()

	agentCodec, _ := dialFakeAgentWithConfig(t, srv, &protocol.TunnelConfig{AllowedIPs: []string{"10.0.0.0/8"}})
	defer agentCodec.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"
	hdr := http.Header{"Cf-Connecting-Ip": {"203.0.113.9"}}
	browser, resp, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	require.Error(t, err)
	require.Nil(t, browser)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func Test_ws_subprotocol_echoed(t *testing.T) {
	s := edgesession.NewSession("abc", "xpose.dev", nil)
	srv := startGateway(t, s)
	defer srv.Close()

	agentCodec, _ := dialFakeAgent(t, srv)
	defer agentCodec.Close()

	go func() {
		res, err := agentCodec.ReadFrame()
		if err != nil || !res.IsText {
			return
		}
		up, ok := res.Message.(protocol.WSUpgradeMessage)
		if !ok {
			return
		}
		_ = agentCodec.WriteText(protocol.WSUpgradeAckMessage{StreamID: up.StreamID, OK: true})
	}()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"
	hdr := http.Header{"Sec-WebSocket-Protocol": {"graphql-ws, json"}}
	browser, resp, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	require.NoError(t, err)
	defer browser.Close()
	require.Equal(t, "graphql-ws", resp.Header.Get("Sec-WebSocket-Protocol"))
}

func timeNowPlus(d time.Duration) time.Time {
	return time.Now().Add(d)
}
