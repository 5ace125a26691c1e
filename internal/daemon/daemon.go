// SPDX-License-Identifier: MIT

// Package daemon is the shared process lifecycle of the dalston binaries.
// A Manager serves the registered HTTP listeners, drives the registered
// background loops, and turns the first component failure or the run
// context ending into one ordered shutdown: drain hooks, listener
// shutdown, loop cancellation, then cleanup hooks in reverse
// registration order.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dalstonhq/dalston/internal/log"
)

// DefaultShutdownTimeout bounds graceful shutdown when config leaves it
// unset.
const DefaultShutdownTimeout = 30 * time.Second

// RunFunc is a background loop owned by the manager. It must return once
// ctx ends; a non-nil error brings the whole process down.
type RunFunc func(ctx context.Context) error

// Hook is one shutdown step. Drain hooks run while listeners still
// accept, cleanup hooks run after everything else has stopped.
type Hook func(ctx context.Context) error

// Manager owns the process lifecycle. Register listeners, loops and
// hooks, then call Run exactly once.
type Manager struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	started bool
	servers []namedServer
	runners []namedRunner
	drains  []namedHook
	cleanup []namedHook
}

type namedServer struct {
	name string
	srv  *http.Server
	ln   net.Listener
}

type namedRunner struct {
	name string
	run  RunFunc
}

type namedHook struct {
	name string
	hook Hook
}

// NewManager builds a manager. shutdownTimeout bounds the whole shutdown
// sequence; zero picks the default.
func NewManager(shutdownTimeout time.Duration) *Manager {
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}
	return &Manager{
		timeout: shutdownTimeout,
		logger:  log.WithComponent("daemon"),
	}
}

// AddServer registers an HTTP listener. The manager owns Serve and
// Shutdown; srv.Addr and srv.Handler must be set.
func (m *Manager) AddServer(name string, srv *http.Server) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers = append(m.servers, namedServer{name: name, srv: srv})
}

// AddListener is AddServer on an already bound listener, for callers
// that need the bound address before serving starts.
func (m *Manager) AddListener(name string, srv *http.Server, ln net.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers = append(m.servers, namedServer{name: name, srv: srv, ln: ln})
}

// AddRunner registers a background loop.
func (m *Manager) AddRunner(name string, run RunFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners = append(m.runners, namedRunner{name: name, run: run})
}

// OnDrain registers a hook that runs at shutdown before listeners stop
// accepting. Intake flags flip here so load balancers move traffic off
// the process first.
func (m *Manager) OnDrain(name string, hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drains = append(m.drains, namedHook{name: name, hook: hook})
}

// OnShutdown registers a cleanup hook. Cleanup runs last, in reverse
// registration order.
func (m *Manager) OnShutdown(name string, hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanup = append(m.cleanup, namedHook{name: name, hook: hook})
}

// Run serves every registered component until ctx ends or one of them
// fails, then walks the shutdown sequence. It returns the component
// failure joined with any shutdown errors, or nil after a clean
// signal-driven exit.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("daemon: manager already ran")
	}
	m.started = true
	servers := m.servers
	runners := m.runners
	m.mu.Unlock()

	// Loops get a context detached from ctx: they stop by explicit cancel
	// after the listeners have drained, not at the first signal.
	runCtx, cancelRunners := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRunners()

	errChan := make(chan error, len(servers)+len(runners))
	var wg sync.WaitGroup

	for _, s := range servers {
		addr := s.srv.Addr
		if s.ln != nil {
			addr = s.ln.Addr().String()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.logger.Info().Str("server", s.name).Str("addr", addr).Msg("listener started")
			var err error
			if s.ln != nil {
				err = s.srv.Serve(s.ln)
			} else {
				err = s.srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("%s server: %w", s.name, err)
			}
		}()
	}

	for _, r := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", r.name, err)
			}
		}()
	}

	var cause error
	select {
	case cause = <-errChan:
		m.logger.Error().Err(cause).Msg("component failed, shutting down")
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
	}

	if err := m.shutdown(ctx, cancelRunners, &wg); err != nil {
		if cause != nil {
			return errors.Join(cause, err)
		}
		return err
	}
	return cause
}

// shutdown walks the ordered exit: drain, stop listeners, cancel loops,
// wait for goroutines, cleanup. The sequence shares one bounded context
// detached from the caller's, so an already dead parent cannot cut the
// grace window short.
func (m *Manager) shutdown(ctx context.Context, cancelRunners context.CancelFunc, wg *sync.WaitGroup) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	m.mu.Lock()
	servers := m.servers
	drains := m.drains
	cleanup := m.cleanup
	m.mu.Unlock()

	var errs []error

	for _, d := range drains {
		if err := d.hook(shutdownCtx); err != nil {
			m.logger.Warn().Err(err).Str("hook", d.name).Msg("drain hook failed")
			errs = append(errs, fmt.Errorf("drain %s: %w", d.name, err))
		}
	}

	for _, s := range servers {
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("%s server shutdown: %w", s.name, err))
		}
	}

	cancelRunners()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		errs = append(errs, errors.New("daemon: components still running at shutdown deadline"))
	}

	for i := len(cleanup) - 1; i >= 0; i-- {
		h := cleanup[i]
		if err := h.hook(shutdownCtx); err != nil {
			m.logger.Warn().Err(err).Str("hook", h.name).Msg("cleanup hook failed")
			errs = append(errs, fmt.Errorf("cleanup %s: %w", h.name, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	m.logger.Info().Msg("daemon stopped cleanly")
	return nil
}
