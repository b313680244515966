package gateway

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway's configuration: listen address plus
// optional TLS.
type Config struct {
	Domain string       `yaml:"domain"`
	Listen ListenConfig `yaml:"listen"`
	TLS    TLSConfig    `yaml:"tls"`
}

// ListenConfig specifies the address to bind on.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// TLSConfig controls TLS termination at the gateway.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoadConfig reads and parses a gateway configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Domain: "xpose.dev",
		Listen: ListenConfig{Addr: ":8080"},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	return cfg, nil
}
