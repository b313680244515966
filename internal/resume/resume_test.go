package resume

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_save_and_load_round_trip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.json")
	entries := []Entry{{Subdomain: "abc", Port: 3000, Domain: "xpose.dev"}}

	require.NoError(t, Save(path, entries))

	loaded, ok := Load(path, 600)
	require.True(t, ok)
	require.Equal(t, entries, loaded)
}

func Test_load_expired_record_returns_none(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.json")
	rec := Record{
		Tunnels:   []Entry{{Subdomain: "abc", Port: 3000, Domain: "xpose.dev"}},
		CreatedAt: time.Now().Add(-700 * time.Second),
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, ok := Load(path, 600)
	require.False(t, ok)
}

func Test_load_malformed_json_returns_none(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, ok := Load(path, 600)
	require.False(t, ok)
}

func Test_load_missing_tunnels_field_returns_none(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"createdAt":"2026-01-01T00:00:00Z"}`), 0o600))

	_, ok := Load(path, 600)
	require.False(t, ok)
}

func Test_load_missing_file_returns_none(t *testing.T) {
	_, ok := Load(filepath.Join(t.TempDir(), "nope.json"), 600)
	require.False(t, ok)
}
