package edgesession

import (
	"log/slog"
	"sync"

	"github.com/xpose/xpose/internal/protocol"
)

// Store is the gateway-wide session registry: one Session per subdomain,
// created lazily on first control upgrade or first public request and
// removed once its Session tears itself down.
//
// Unlike a round-robin pool of interchangeable workers, each subdomain
// owns exactly one session for its lifetime.
type Store struct {
	publicDomain string

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates an empty session registry for publicDomain.
func NewStore(publicDomain string) *Store {
	if publicDomain == "" {
		publicDomain = protocol.DefaultPublicDomain
	}
	return &Store{
		publicDomain: publicDomain,
		sessions:     make(map[string]*Session),
	}
}

// GetOrCreate returns the existing Session for subdomain, or creates and
// registers a new one. The new Session removes itself from the Store when
// its TTL alarm fires and it tears down. A session whose reconnect grace
// has run out, or one stopped with Destroy, stays registered.
func (st *Store) GetOrCreate(subdomain string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[subdomain]; ok {
		return s
	}

	s := NewSession(subdomain, st.publicDomain, st.remove)
	st.sessions[subdomain] = s
	slog.Info("edge session created", "subdomain", subdomain, "active_sessions", len(st.sessions))
	return s
}

// Lookup returns the existing Session for subdomain, if any, without
// creating one.
func (st *Store) Lookup(subdomain string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[subdomain]
	return s, ok
}

// remove is the Session's onClosed callback; it deregisters subdomain so a
// later request lazily creates a fresh Session rather than reusing a torn
// down one.
func (st *Store) remove(subdomain string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, subdomain)
	slog.Info("edge session removed", "subdomain", subdomain, "active_sessions", len(st.sessions))
}

// Size reports the number of active sessions.
func (st *Store) Size() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
