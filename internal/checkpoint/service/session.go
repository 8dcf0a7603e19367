package service

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/store"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
)

// Session is one operator's binding to a controller and its current gate.
// It is passed explicitly into the scan pipeline; nothing about it is global.
type Session struct {
	store store.SessionStore
	now   func() time.Time

	mu         sync.Mutex
	controller types.Controller

	inFlight atomic.Bool
	lastSeen atomic.Int64 // unix nanos
}

// NewSession binds c to a session that persists gate changes through st.
func NewSession(c types.Controller, st store.SessionStore) *Session {
	return newSession(c, st, time.Now)
}

func newSession(c types.Controller, st store.SessionStore, now func() time.Time) *Session {
	s := &Session{store: st, now: now, controller: c}
	s.touch()
	return s
}

// Controller returns a copy of the bound controller.
func (s *Session) Controller() types.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller
}

func (s *Session) Gate() types.Gate { return s.Controller().Gate }

// ChangeGate rebinds the session to gate after the store accepts the write.
// On failure the previous gate stays in effect and a *SessionError matching
// ErrPersistFailed is returned. Changing to the current gate does nothing.
func (s *Session) ChangeGate(ctx context.Context, gate types.Gate) (types.Controller, error) {
	if !gate.Valid() {
		return s.Controller(), ErrInvalidGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if s.controller.Gate == gate {
		return s.controller, nil
	}
	if err := s.store.UpdateControllerGate(ctx, s.controller.ID, gate); err != nil {
		return s.controller, &SessionError{ControllerID: s.controller.ID, Gate: gate, Err: err}
	}
	s.controller.Gate = gate
	return s.controller, nil
}

// TryBegin claims the session for one scan. It reports false while another
// scan on the same session is unresolved.
func (s *Session) TryBegin() bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		return false
	}
	s.touch()
	return true
}

// End releases the claim taken by TryBegin.
func (s *Session) End() {
	s.touch()
	s.inFlight.Store(false)
}

// Busy reports whether a scan is in flight.
func (s *Session) Busy() bool { return s.inFlight.Load() }

// LastSeen is the last time the session was used.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

func (s *Session) touch() { s.lastSeen.Store(s.now().UnixNano()) }

// SessionManager keeps one Session per controller identity (email).
type SessionManager struct {
	dir   *Directory
	store store.SessionStore

	// Now is the clock used for idle tracking.
	Now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionManager(dir *Directory, st store.SessionStore) *SessionManager {
	return &SessionManager{
		dir:      dir,
		store:    st,
		Now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

func sessionKey(identity string) string { return strings.ToLower(strings.TrimSpace(identity)) }

// Open returns the session for identity, resolving the controller through
// the directory the first time.
func (m *SessionManager) Open(ctx context.Context, identity string) (*Session, error) {
	key := sessionKey(identity)
	if s, ok := m.Get(key); ok {
		s.touch()
		return s, nil
	}

	c, err := m.dir.GetController(ctx, key)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s, nil
	}
	s := newSession(c, m.store, m.Now)
	m.sessions[key] = s
	return s, nil
}

// Refresh re-reads the session's controller from the directory so a gate
// rebind written by another path takes effect. On error the session keeps
// its current binding.
func (m *SessionManager) Refresh(ctx context.Context, s *Session) (types.Controller, error) {
	c, err := m.dir.GetController(ctx, s.Controller().Email)
	if err != nil {
		return s.Controller(), err
	}
	s.mu.Lock()
	s.controller = c
	s.mu.Unlock()
	s.touch()
	return c, nil
}

func (m *SessionManager) Get(identity string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionKey(identity)]
	return s, ok
}

// Close forgets the session for identity. It reports whether one existed.
func (m *SessionManager) Close(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey(identity)
	_, ok := m.sessions[key]
	delete(m.sessions, key)
	return ok
}

func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep drops sessions unused for longer than idle. Sessions with a scan in
// flight are kept. It returns how many were dropped.
func (m *SessionManager) Sweep(idle time.Duration) int {
	cutoff := m.Now().Add(-idle)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, s := range m.sessions {
		if s.Busy() || s.LastSeen().After(cutoff) {
			continue
		}
		delete(m.sessions, key)
		n++
	}
	return n
}
