package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/xpose/xpose/internal/edgesession"
)

// Server owns the listening socket and the Router that handles every
// request landing on it.
type Server struct {
	cfg    *Config
	store  *edgesession.Store
	router *Router
	http   *http.Server
}

// NewServer creates a gateway server for the given configuration.
// external handles bare-domain requests; it may be nil.
func NewServer(cfg *Config, external http.Handler) *Server {
	store := edgesession.NewStore(cfg.Domain)
	router := NewRouter(cfg.Domain, store, external)
	return &Server{
		cfg:    cfg,
		store:  store,
		router: router,
		http:   &http.Server{Addr: cfg.Listen.Addr, Handler: router},
	}
}

// Run starts the gateway server and blocks until it exits or Shutdown is
// called, in which case it returns http.ErrServerClosed.
func (s *Server) Run() error {
	slog.Info("gateway starting", "addr", s.cfg.Listen.Addr, "domain", s.cfg.Domain, "tls", s.cfg.TLS.Enabled)

	if s.cfg.TLS.Enabled {
		return s.http.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops accepting new connections and waits for
// inflight requests to finish or ctx to expire, whichever comes first.
// Hijacked connections, i.e. the WebSocket control and relay connections
// held open by agents and browsers, are neither waited for nor closed.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Sessions returns the store backing this server's subdomain sessions,
// for tests and operational tooling that need to inspect live tunnels.
func (s *Server) Sessions() *edgesession.Store {
	return s.store
}
