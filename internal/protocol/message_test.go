package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_binary_frame_round_trip(t *testing.T) {
	id := "abc123def456"
	payload := []byte("hello world")

	frame := EncodeBinary(id, payload)
	gotID, gotPayload, err := DecodeBinary(frame)
	require.NoError(t, err)
	require.Equal(t, id, gotID)
	require.Equal(t, payload, gotPayload)
}

func Test_binary_frame_empty_payload(t *testing.T) {
	id := "zzzzzzzzzzzz"
	frame := EncodeBinary(id, nil)
	require.Len(t, frame, RequestIDLength)

	gotID, gotPayload, err := DecodeBinary(frame)
	require.NoError(t, err)
	require.Equal(t, id, gotID)
	require.Empty(t, gotPayload)
}

func Test_decode_binary_rejects_truncated_data(t *testing.T) {
	_, _, err := DecodeBinary([]byte{0x01, 0x02})
	require.Error(t, err)
}

func Test_text_frame_round_trip_all_kinds(t *testing.T) {
	cases := []Message{
		AuthMessage{Subdomain: "abc", TTL: 3600},
		AuthAckMessage{Subdomain: "abc", URL: "https://abc.xpose.dev", TTL: 3600, RemainingTTL: 3600, SessionID: "sid", MaxBodySizeBytes: 5242880},
		HTTPRequestMessage{ID: "abc123def456", Method: "GET", Path: "/api/health", Headers: map[string]string{"x": "y"}, HasBody: false},
		HTTPBodyChunkMessage{ID: "abc123def456", Done: false},
		HTTPRequestEndMessage{ID: "abc123def456"},
		HTTPResponseMetaMessage{ID: "abc123def456", Status: 200, Headers: map[string]string{"content-type": "text/plain"}, HasBody: true},
		HTTPResponseEndMessage{ID: "abc123def456"},
		WSUpgradeMessage{StreamID: "stream123456", Path: "/socket", Headers: map[string]string{}},
		WSUpgradeAckMessage{StreamID: "stream123456", OK: true},
		WSFrameMessage{StreamID: "stream123456", FrameType: FrameTypeText},
		WSCloseMessage{StreamID: "stream123456", Code: 1000, Reason: "bye"},
		PingMessage{},
		PongMessage{},
		ErrorMessage{Message: "boom", RequestID: "abc123def456", Status: 502},
	}

	for _, original := range cases {
		data, err := EncodeText(original)
		require.NoError(t, err)

		decoded, err := DecodeText(data)
		require.NoError(t, err)
		require.Equal(t, original, decoded)
	}
}

func Test_decode_text_drops_unknown_type_silently(t *testing.T) {
	decoded, err := DecodeText([]byte(`{"type":"not-a-real-type"}`))
	require.NoError(t, err)
	require.Nil(t, decoded)
}

func Test_decode_text_drops_non_json_silently(t *testing.T) {
	decoded, err := DecodeText([]byte(`not json at all`))
	require.NoError(t, err)
	require.Nil(t, decoded)
}
