// Package gateway implements the edge-facing HTTP entrypoint: it resolves
// the subdomain label from the Host header, forwards bare-domain requests
// to the external handler, redirects www, and otherwise dispatches to the
// subdomain's edge session.
package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/xpose/xpose/internal/edgesession"
	"github.com/xpose/xpose/internal/idgen"
	"github.com/xpose/xpose/internal/protocol"
)

type ctxKey int

const sessionCtxKey ctxKey = 0

// Router is the gateway's http.Handler entrypoint. Host-label resolution
// runs as hand-written middleware ahead of a chi mux, since chi has no
// native way to route on Host; the mux itself only ever carries the two
// fixed routes a resolved session exposes (the control upgrade and
// everything else).
type Router struct {
	domain   string
	store    *edgesession.Store
	external http.Handler
	mux      chi.Router
}

// NewRouter builds a gateway router for the given public domain. store
// lazily creates edge sessions by subdomain; external handles requests to
// the bare domain (the "external web-application fetcher" collaborator)
// and may be nil, in which case bare-domain requests 404.
func NewRouter(domain string, store *edgesession.Store, external http.Handler) *Router {
	rt := &Router{domain: domain, store: store, external: external}

	mux := chi.NewRouter()
	mux.HandleFunc(protocol.TunnelConnectPath, rt.handleControlUpgrade)
	mux.HandleFunc("/*", rt.handleTunnelTraffic)
	rt.mux = mux

	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := strings.ToLower(stripPort(r.Host))

	if strings.EqualFold(host, rt.domain) {
		if rt.external == nil {
			http.NotFound(w, r)
			return
		}
		rt.external.ServeHTTP(w, r)
		return
	}

	if strings.EqualFold(host, "www."+rt.domain) {
		target := "https://" + rt.domain + r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}

	suffix := "." + strings.ToLower(rt.domain)
	if !strings.HasSuffix(host, suffix) {
		http.NotFound(w, r)
		return
	}
	subdomain := host[:len(host)-len(suffix)]
	if err := idgen.ValidateSubdomain(subdomain); err != nil {
		http.Error(w, "unknown host", http.StatusNotFound)
		return
	}

	session := rt.store.GetOrCreate(subdomain)
	ctx := context.WithValue(r.Context(), sessionCtxKey, session)
	rt.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (rt *Router) handleControlUpgrade(w http.ResponseWriter, r *http.Request) {
	sessionFrom(r).HandleControlUpgrade(w, r)
}

// handleTunnelTraffic dispatches every non-control-upgrade path on a
// subdomain host: a WebSocket upgrade relays to the agent's loopback
// service, anything else is a regular public HTTP request.
func (rt *Router) handleTunnelTraffic(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		session.ServeWS(w, r)
		return
	}
	session.ServeHTTP(w, r)
}

func sessionFrom(r *http.Request) *edgesession.Session {
	return r.Context().Value(sessionCtxKey).(*edgesession.Session)
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
