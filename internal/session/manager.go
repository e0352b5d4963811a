package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/pulsegate/internal/governance"
	"github.com/hyperengineering/pulsegate/internal/zones"
)

// ErrSessionNotFound is returned for operations on an unknown session id.
var ErrSessionNotFound = errors.New("session not found")

type managed struct {
	session *Session
	cancel  context.CancelFunc
}

// Manager owns the lifecycle of all active session loops.
type Manager struct {
	catalog *zones.Catalog
	opts    Options

	mu       sync.RWMutex
	sessions map[string]*managed
}

// NewManager creates a manager constructing sessions over the given catalog
// with the given options.
func NewManager(catalog *zones.Catalog, opts Options) *Manager {
	return &Manager{
		catalog:  catalog,
		opts:     opts,
		sessions: make(map[string]*managed),
	}
}

// Create starts a new session loop governed by the policy (nil = ungoverned)
// and returns the session. The loop's lifetime is owned by the manager: it
// stops only on End or Shutdown, never with the caller's context. Callers on
// a request path must not be able to tear the loop down by returning.
func (m *Manager) Create(policy *governance.Policy) *Session {
	id := ulid.Make().String()
	s := New(id, m.catalog, policy, m.opts)

	loopCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.sessions[id] = &managed{session: s, cancel: cancel}
	m.mu.Unlock()

	go s.Run(loopCtx)

	slog.Info("session created",
		"component", "session",
		"action", "session_created",
		"session_id", id,
		"governed", policy != nil,
	)
	return s
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mg, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return mg.session, true
}

// End tears down a session loop and waits for it to drain.
func (m *Manager) End(id string) error {
	m.mu.Lock()
	mg, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	mg.cancel()
	<-mg.session.done

	slog.Info("session ended",
		"component", "session",
		"action", "session_ended",
		"session_id", id,
	)
	return nil
}

// Shutdown ends every active session. Used on process shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*managed, 0, len(m.sessions))
	for id, mg := range m.sessions {
		all = append(all, mg)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, mg := range all {
		mg.cancel()
		<-mg.session.done
	}
}

// Active returns the number of running sessions.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
