package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xpose/xpose/internal/protocol"
)

// Config holds the agent configuration, loaded from the user-authored YAML
// file passed to cmd/agent.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Backend BackendConfig `yaml:"backend"`
	Resume  ResumeConfig  `yaml:"resume"`
	Inspect InspectConfig `yaml:"inspect"`
}

// GatewayConfig specifies the public domain the edge gateway serves.
// ConnectURL composes the actual per-subdomain control endpoint.
type GatewayConfig struct {
	Domain string `yaml:"domain"`
}

// ConnectURL returns wss://<subdomain>.<domain>/_tunnel/connect.
func (g GatewayConfig) ConnectURL(subdomain string) string {
	domain := g.Domain
	if domain == "" {
		domain = protocol.DefaultPublicDomain
	}
	return "wss://" + subdomain + "." + domain + protocol.TunnelConnectPath
}

// TunnelConfig describes the tunnel being requested: the subdomain label
// (empty makes the agent generate a random one), its TTL, and the public-facing
// access policy forwarded to the edge session on auth.
type TunnelConfig struct {
	Subdomain     string            `yaml:"subdomain"`
	TTLSeconds    int               `yaml:"ttl_seconds"`
	AllowedIPs    []string          `yaml:"allowed_ips"`
	RateLimit     int               `yaml:"rate_limit"`
	CORS          bool              `yaml:"cors"`
	CustomHeaders map[string]string `yaml:"custom_headers"`
}

// BackendConfig specifies the loopback service the agent proxies to.
type BackendConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ResumeConfig controls the local resume record.
type ResumeConfig struct {
	Path    string `yaml:"path"`
	Disable bool   `yaml:"disable"`
}

// InspectConfig points the agent at the optional local inspection sidecar.
type InspectConfig struct {
	URL string `yaml:"url"`
}

// Addr returns the loopback host:port the agent proxies requests to.
func (b BackendConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// LoadConfig reads and parses an agent configuration file, applying the
// same defaults-then-override style used throughout this package.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Backend: BackendConfig{Host: "127.0.0.1", Port: 8080},
		Tunnel:  TunnelConfig{TTLSeconds: 14400},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Backend.Port <= 0 || cfg.Backend.Port > 65535 {
		return nil, fmt.Errorf("backend.port must be in 1..65535")
	}
	return cfg, nil
}

// The backoff constants below are the agent's reconnect parameters; unlike
// the rest of Config these are not user-configurable: reconnect behavior
// is a fixed schedule.
const (
	backoffBase       = time.Second
	backoffMultiplier = 2
	backoffCap        = 30 * time.Second
	backoffMaxAttempts = 15
	backoffJitterMin  = 0.10
	backoffJitterMax  = 0.20
)
