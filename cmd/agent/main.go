package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xpose/xpose/internal/agent"
)

var (
	configPath    string
	gatewayDomain string
	subdomain     string
	ttlSeconds    int
	backendHost   string
	backendPort   int
	allowedIPs    []string
	rateLimit     int
	cors          bool
	customHeaders []string
	noResume      bool
	resumePath    string
	inspectURL    string
)

var rootCmd = &cobra.Command{
	Use:   "xpose-agent",
	Short: "Run the xpose tunnel agent",
	Long: `Connects a local service to the xpose edge gateway over a persistent
WebSocket control tunnel. All settings can come from --config, from flags,
or both: any flag explicitly passed on the command line overrides the
matching config field.`,
	RunE: runAgent,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to agent configuration file")
	flags.StringVar(&gatewayDomain, "domain", "", "public gateway domain (default: xpose.dev)")
	flags.StringVar(&subdomain, "subdomain", "", "requested subdomain label (default: randomly generated)")
	flags.IntVar(&ttlSeconds, "ttl", 0, "requested tunnel TTL in seconds (default: 14400)")
	flags.StringVar(&backendHost, "host", "", "loopback host the agent proxies to (default: 127.0.0.1)")
	flags.IntVar(&backendPort, "port", 0, "loopback port the agent proxies to (required)")
	flags.StringSliceVar(&allowedIPs, "allow", nil, "CIDR or exact IP allowed to reach the tunnel (repeatable)")
	flags.IntVar(&rateLimit, "rate-limit", 0, "requests per minute per client IP (0 disables)")
	flags.BoolVar(&cors, "cors", false, "emit permissive CORS headers on the public side")
	flags.StringSliceVar(&customHeaders, "header", nil, "extra response header as key=value (repeatable)")
	flags.BoolVar(&noResume, "no-resume", false, "disable writing the local resume record")
	flags.StringVar(&resumePath, "resume-path", "", "resume record path")
	flags.StringVar(&inspectURL, "inspect-url", "", "inspection sidecar URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, _ []string) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := buildConfig(cmd)
	if err != nil {
		slog.Error("failed to build config", "err", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(cfg)
	if err != nil {
		slog.Error("failed to create agent", "err", err)
		return err
	}

	slog.Info("agent starting", "subdomain", cfg.Tunnel.Subdomain, "backend", cfg.Backend.Addr())
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("agent exited with error", "err", err)
		return err
	}
	slog.Info("agent stopped")
	return nil
}

// buildConfig loads --config if given, then layers any flag the caller
// explicitly set on top, so a bare `xpose-agent --port 3000` works with
// no config file at all while a saved config can still be fine-tuned
// per invocation.
func buildConfig(cmd *cobra.Command) (*agent.Config, error) {
	cfg := &agent.Config{
		Backend: agent.BackendConfig{Host: "127.0.0.1"},
		Tunnel:  agent.TunnelConfig{TTLSeconds: 14400},
	}
	if configPath != "" {
		loaded, err := agent.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("domain") {
		cfg.Gateway.Domain = gatewayDomain
	}
	if flags.Changed("subdomain") {
		cfg.Tunnel.Subdomain = subdomain
	}
	if flags.Changed("ttl") {
		cfg.Tunnel.TTLSeconds = ttlSeconds
	}
	if flags.Changed("host") {
		cfg.Backend.Host = backendHost
	}
	if flags.Changed("port") {
		cfg.Backend.Port = backendPort
	}
	if flags.Changed("allow") {
		cfg.Tunnel.AllowedIPs = allowedIPs
	}
	if flags.Changed("rate-limit") {
		cfg.Tunnel.RateLimit = rateLimit
	}
	if flags.Changed("cors") {
		cfg.Tunnel.CORS = cors
	}
	if flags.Changed("header") {
		headers, err := parseHeaderFlags(customHeaders)
		if err != nil {
			return nil, err
		}
		cfg.Tunnel.CustomHeaders = headers
	}
	if flags.Changed("no-resume") {
		cfg.Resume.Disable = noResume
	}
	if flags.Changed("resume-path") {
		cfg.Resume.Path = resumePath
	}
	if flags.Changed("inspect-url") {
		cfg.Inspect.URL = inspectURL
	}

	if cfg.Backend.Port <= 0 || cfg.Backend.Port > 65535 {
		return nil, fmt.Errorf("backend port must be set via --port or --config (1..65535)")
	}
	return cfg, nil
}

func parseHeaderFlags(raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --header %q: expected key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}
