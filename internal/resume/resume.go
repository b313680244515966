// Package resume persists and loads the agent's local resume record: the
// list of tunnels the agent last ran, valid for a bounded window after
// creation.
package resume

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xpose/xpose/internal/protocol"
)

// TunnelConfig mirrors protocol.TunnelConfig for the resume record's
// optional per-tunnel config.
type TunnelConfig = protocol.TunnelConfig

// DefaultWindowSeconds is the resume record's default validity window.
const DefaultWindowSeconds = protocol.DefaultSessionResumeSecs

// Entry is one resumable tunnel.
type Entry struct {
	Subdomain string        `json:"subdomain"`
	Port      int           `json:"port"`
	Domain    string        `json:"domain"`
	Config    *TunnelConfig `json:"config,omitempty"`
}

// Record is the resume record file's JSON shape.
type Record struct {
	Tunnels   []Entry   `json:"tunnels"`
	CreatedAt time.Time `json:"createdAt"`
}

// DefaultPath returns the per-user config path for the resume record.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating user config dir: %w", err)
	}
	return filepath.Join(dir, "xpose", "resume.json"), nil
}

// Save writes entries to path as a fresh resume record.
func Save(path string, entries []Entry) error {
	rec := Record{Tunnels: entries, CreatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling resume record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating resume dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing resume record: %w", err)
	}
	return nil
}

// Load reads path and returns its entries if the record is well-formed
// and still within windowSeconds of its createdAt timestamp. A missing
// file, malformed JSON, a record with no "tunnels" field, or an expired
// record all load as (nil, false) with no error: these are all "nothing
// to resume", not failures worth surfacing to the caller.
func Load(path string, windowSeconds int) ([]Entry, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}
	if _, ok := raw["tunnels"]; !ok {
		return nil, false
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}

	age := time.Since(rec.CreatedAt)
	if age < 0 || age > time.Duration(windowSeconds)*time.Second {
		return nil, false
	}

	return rec.Tunnels, true
}
