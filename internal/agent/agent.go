package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xpose/xpose/internal/inspect"
	"github.com/xpose/xpose/internal/resume"
)

// errIntentionalDisconnect marks a Stop()-initiated shutdown so the
// reconnect loop can distinguish it from a network failure and suppress
// further reconnect attempts.
var errIntentionalDisconnect = errors.New("agent: intentional disconnect")

// Agent manages the lifecycle of the tunnel connection to the gateway,
// including the connection state machine, reconnect backoff, and the
// local resume record.
type Agent struct {
	cfg   *Config
	sink  inspect.Sink
	state *stateMachine

	stopping atomic.Bool
	current  atomic.Pointer[Tunnel]
}

// New creates a new agent from the given configuration.
func New(cfg *Config) (*Agent, error) {
	var sink inspect.Sink = inspect.NoopSink{}
	if cfg.Inspect.URL != "" {
		sink = inspect.NewHTTPSink(cfg.Inspect.URL)
	}
	return &Agent{cfg: cfg, sink: sink, state: newStateMachine()}, nil
}

// State returns the agent's current connection state.
func (a *Agent) State() State { return a.state.get() }

// OnStateChange registers fn to be called on every state transition; used
// by the TTY renderer and other front-ends.
func (a *Agent) OnStateChange(fn func(State)) {
	a.state.subscribe(fn)
}

// Stop requests a graceful, non-reconnecting shutdown. If a tunnel is
// currently connected its control connection is closed, which unblocks
// the reconnect loop's call to tunnel.Run so it can observe the stopping
// flag instead of waiting on a connection Stop has no further use for.
func (a *Agent) Stop() {
	a.stopping.Store(true)
	if t := a.current.Load(); t != nil {
		t.Close()
	}
	a.state.set(StateDisconnected)
}

// Run starts the agent: loads the resume record (if one exists) to log
// prior tunnel state, then enters the reconnect loop. Blocks until the
// context is cancelled or the agent transitions to a terminal state.
func (a *Agent) Run(ctx context.Context) error {
	if !a.cfg.Resume.Disable {
		if path, err := a.resumePath(); err == nil {
			if entries, ok := resume.Load(path, resume.DefaultWindowSeconds); ok {
				slog.Info("resume record found", "tunnels", len(entries))
			}
		}
	}
	return a.reconnectLoop(ctx)
}

func (a *Agent) resumePath() (string, error) {
	if a.cfg.Resume.Path != "" {
		return a.cfg.Resume.Path, nil
	}
	return resume.DefaultPath()
}

// reconnectLoop drives the connection lifecycle and reconnect backoff
// schedule.
func (a *Agent) reconnectLoop(ctx context.Context) error {
	attempt := 0
	for {
		if a.stopping.Load() {
			a.state.set(StateDisconnected)
			return nil
		}

		err := a.runTunnel(ctx)
		if ctx.Err() != nil {
			a.state.set(StateDisconnected)
			return ctx.Err()
		}
		if errors.Is(err, errIntentionalDisconnect) {
			a.state.set(StateDisconnected)
			return nil
		}
		if errors.Is(err, errTunnelExpired) {
			a.state.set(StateExpired)
			return err
		}

		attempt++
		if attempt > backoffMaxAttempts {
			slog.Warn("reconnect attempts exhausted, giving up", "attempts", attempt-1)
			a.state.set(StateDisconnected)
			return err
		}

		a.state.set(StateReconnecting)
		delay := backoffDelay(attempt - 1)
		slog.Warn("tunnel disconnected, reconnecting", "err", err, "attempt", attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			a.state.set(StateDisconnected)
			return ctx.Err()
		}
	}
}

// runTunnel connects, persists a resume record on success, and blocks
// until the tunnel disconnects or errors.
func (a *Agent) runTunnel(ctx context.Context) error {
	a.state.set(StateConnecting)

	tunnel, err := ConnectTunnel(ctx, a.cfg, a.sink)
	if err != nil {
		return err
	}
	defer tunnel.Close()
	a.current.Store(tunnel)
	defer a.current.CompareAndSwap(tunnel, nil)

	a.state.set(StateConnected)
	a.saveResume(tunnel.Subdomain())

	err = tunnel.Run(ctx)
	if err == nil && a.stopping.Load() {
		return errIntentionalDisconnect
	}
	return err
}

func (a *Agent) saveResume(subdomain string) {
	if a.cfg.Resume.Disable {
		return
	}
	path, err := a.resumePath()
	if err != nil {
		return
	}
	entry := resume.Entry{Subdomain: subdomain, Port: a.cfg.Backend.Port, Domain: a.cfg.Gateway.Domain}
	if err := resume.Save(path, []resume.Entry{entry}); err != nil {
		slog.Warn("failed saving resume record", "err", err)
	}
}
