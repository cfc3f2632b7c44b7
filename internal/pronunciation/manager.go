package pronunciation

import (
	"errors"
	"strings"
	"sync"

	"github.com/rs/xid"
)

// Defaults fill request fields the caller left empty. Miscue detection has
// no default here: a false EnableMiscue is indistinguishable from an unset
// one, so callers resolve it before Begin.
type Defaults struct {
	Granularity          Granularity
	CompletenessFallback float64
	MaxAlignmentCells    int
}

type managedSession struct {
	mu sync.Mutex
	s  *Session
}

// Manager owns the sessions of one process, keyed by caller session id.
// At most one request is current per session: starting a new request
// invalidates the previous one, and events tagged with any other request id
// are discarded. Events of one session are processed one at a time.
type Manager struct {
	defaults Defaults

	mu       sync.Mutex
	sessions map[string]*managedSession
}

// NewManager returns an empty manager.
func NewManager(defaults Defaults) *Manager {
	if !defaults.Granularity.Valid() {
		defaults.Granularity = GranularityPhoneme
	}
	return &Manager{
		defaults: defaults,
		sessions: make(map[string]*managedSession),
	}
}

// Begin starts req, replacing whatever request the session had in flight.
// A missing request id is generated. It returns the normalized request and
// the id of the request it replaced, if any.
func (m *Manager) Begin(req Request) (Request, string, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return Request{}, "", errors.New("session id must not be empty")
	}
	if req.RequestID == "" {
		req.RequestID = xid.New().String()
	}
	if req.Mode == "" {
		req.Mode = ModeSingle
	}
	if req.Mode != ModeSingle && req.Mode != ModeContinuous {
		return Request{}, "", errors.New("mode must be one of single|continuous")
	}
	if req.Granularity == "" {
		req.Granularity = m.defaults.Granularity
	}
	if !req.Granularity.Valid() {
		return Request{}, "", errors.New("granularity must be one of phoneme|word|text")
	}
	if req.CompletenessFallback == 0 {
		req.CompletenessFallback = m.defaults.CompletenessFallback
	}
	if req.MaxAlignmentCells <= 0 {
		req.MaxAlignmentCells = m.defaults.MaxAlignmentCells
	}

	next := &managedSession{s: NewSession(req)}

	m.mu.Lock()
	prev := m.sessions[req.SessionID]
	m.sessions[req.SessionID] = next
	m.mu.Unlock()

	var replaced string
	if prev != nil {
		prev.mu.Lock()
		if !prev.s.Closed() {
			replaced = prev.s.Request().RequestID
		}
		prev.s.Stop()
		prev.mu.Unlock()
	}
	return req, replaced, nil
}

// Dispatch routes ev to its session. Events for unknown sessions or stale
// requests come back Discarded. A session that finishes is forgotten.
func (m *Manager) Dispatch(ev Event) Result {
	m.mu.Lock()
	ms := m.sessions[ev.SessionID]
	m.mu.Unlock()
	if ms == nil {
		return Result{Outcome: Discarded}
	}

	ms.mu.Lock()
	res := ms.s.Accept(ev)
	ms.mu.Unlock()

	if res.Done {
		m.forget(ev.SessionID, ms)
	}
	return res
}

// Stop ends the session's current request and discards its state. An empty
// requestID stops whatever request is current. It reports whether a
// request was stopped.
func (m *Manager) Stop(sessionID, requestID string) (SessionStatus, bool) {
	m.mu.Lock()
	ms := m.sessions[sessionID]
	if ms == nil {
		m.mu.Unlock()
		return SessionStatus{SessionID: sessionID}, false
	}
	m.mu.Unlock()

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if requestID != "" && ms.s.Request().RequestID != requestID {
		return ms.s.Status(), false
	}
	status := ms.s.Status()
	ms.s.Stop()
	m.forget(sessionID, ms)
	status.Active = false
	return status, true
}

// Status reports the state of a session's current request.
func (m *Manager) Status(sessionID string) SessionStatus {
	m.mu.Lock()
	ms := m.sessions[sessionID]
	m.mu.Unlock()
	if ms == nil {
		return SessionStatus{SessionID: sessionID}
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.s.Status()
}

// Current rebuilds the latest report of a session, if it has one.
func (m *Manager) Current(sessionID string) (Report, bool) {
	m.mu.Lock()
	ms := m.sessions[sessionID]
	m.mu.Unlock()
	if ms == nil {
		return Report{}, false
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.s.Current()
}

// Active returns the number of sessions with a request in flight.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StopAll discards every session.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*managedSession)
	m.mu.Unlock()
	for _, ms := range sessions {
		ms.mu.Lock()
		ms.s.Stop()
		ms.mu.Unlock()
	}
}

func (m *Manager) forget(sessionID string, ms *managedSession) {
	m.mu.Lock()
	if m.sessions[sessionID] == ms {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
}
