package collab

import (
	"context"
	"sync"
	"time"
)

// Manager is the session arena: at most one live Session per documentId in
// this process, reference-counted by active connections. Multi-process
// deployments must shard documents to one owning process; within a process
// this invariant is what makes snapshot writes race-free.
type Manager struct {
	bridge   *Bridge
	debounce time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(bridge *Bridge, debounce time.Duration) *Manager {
	return &Manager{
		bridge:   bridge,
		debounce: debounce,
		sessions: make(map[string]*Session),
	}
}

// Join returns the live session for a document, creating and hydrating it
// on first join. The returned session's reference count includes the caller,
// which must pair this with Leave. A session whose last participant just
// left stays in the arena until its final snapshot write completes; joiners
// arriving in that window wait for it, so the replacement session hydrates
// from the flushed row and never coexists with the draining one.
func (m *Manager) Join(documentID string) *Session {
	for {
		m.mu.Lock()
		session, exists := m.sessions[documentID]
		if exists && session.draining {
			m.mu.Unlock()
			<-session.drained
			continue
		}
		if !exists {
			session = newSession(documentID, m.bridge, m.debounce)
			m.sessions[documentID] = session
		}
		session.refs++
		m.mu.Unlock()

		// Outside the arena lock: hydration does store I/O and other
		// documents must not wait on it. The session's own once-guard makes
		// this safe for concurrent first joiners.
		session.hydrate()
		return session
	}
}

// Leave drops one reference. When the last participant leaves, the session
// drains: one final snapshot write, then eviction from the arena. The
// session is marked draining while still in the map so Join cannot spawn a
// second live session for the document mid-drain.
func (m *Manager) Leave(session *Session) {
	m.mu.Lock()
	session.refs--
	last := session.refs <= 0
	if last {
		session.draining = true
	}
	m.mu.Unlock()
	if !last {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	session.drain(ctx)

	m.mu.Lock()
	if m.sessions[session.documentID] == session {
		delete(m.sessions, session.documentID)
	}
	m.mu.Unlock()
	close(session.drained)
}

// SessionCount reports how many documents currently have live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown drains every live session, flushing converged state. Sessions
// already mid-drain from a last Leave are waited on rather than drained
// twice.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	var toDrain []*Session
	var inFlight []chan struct{}
	for _, s := range m.sessions {
		if s.draining {
			inFlight = append(inFlight, s.drained)
			continue
		}
		s.draining = true
		toDrain = append(toDrain, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range toDrain {
		s.drain(ctx)
		close(s.drained)
	}
	for _, ch := range inFlight {
		<-ch
	}
}
