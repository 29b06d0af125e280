package collab

import (
	"context"
	"log"
	"time"

	"sync"

	"coscribe/api/internal/crdt"
)

// serverNode is the replica identity used for ops the server itself
// produces (hydration seeding).
const serverNode = crdt.NodeID("server")

// Session is the per-document singleton: one replicated document shared by
// every connection to that document. Sessions are created by the Manager on
// first join and drained when the reference count reaches zero.
type Session struct {
	documentID string
	doc        *crdt.Doc
	bridge     *Bridge
	debounce   time.Duration

	mu    sync.Mutex
	conns map[*Conn]struct{}

	// Guarded by the Manager's lock, not s.mu.
	refs     int
	draining bool

	hydrateOnce sync.Once

	dirty   chan struct{}
	closed  chan struct{}
	drained chan struct{}
	saved   sync.WaitGroup
}

func newSession(documentID string, bridge *Bridge, debounce time.Duration) *Session {
	s := &Session{
		documentID: documentID,
		doc:        crdt.NewDoc(serverNode),
		bridge:     bridge,
		debounce:   debounce,
		conns:      make(map[*Conn]struct{}),
		dirty:      make(chan struct{}, 1),
		closed:     make(chan struct{}),
		drained:    make(chan struct{}),
	}
	s.saved.Add(1)
	go s.saveLoop()
	return s
}

// hydrate seeds the replica from storage exactly once per session;
// concurrent first joiners block until it is done so nobody syncs against a
// half-seeded replica. The context intentionally ignores the joining
// connection's cancellation: hydration populates shared state, so a client
// that disconnects mid-load must not abort it for everyone else.
func (s *Session) hydrate() {
	s.hydrateOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.bridge.Hydrate(ctx, s.documentID, s.doc); err != nil {
			// Availability over perfect initial content: the session goes
			// live empty and edits will repopulate the row.
			log.Printf("collab: hydration failed for %s (continuing empty): %v", s.documentID, err)
		}
	})
}

// Apply integrates ops from one connection, relays them to the others, and
// schedules a persistence write. Only ops the replica accepted are relayed;
// peers never see ops the server itself rejected.
func (s *Session) Apply(from *Conn, ops []crdt.Op) {
	if len(ops) == 0 {
		return
	}
	applied, err := s.doc.ApplyAll(ops)
	if err != nil {
		log.Printf("collab: apply on %s: %v", s.documentID, err)
	}
	if len(applied) == 0 {
		return
	}
	s.broadcast(from, Frame{Type: FrameUpdate, Ops: applied})
	s.markDirty()
}

// markDirty coalesces change signals: any number of triggers while a write
// is pending or in flight collapse into one more write.
func (s *Session) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Session) saveLoop() {
	defer s.saved.Done()
	for {
		select {
		case <-s.closed:
			return
		case <-s.dirty:
		}

		timer := time.NewTimer(s.debounce)
		select {
		case <-s.closed:
			timer.Stop()
			return
		case <-timer.C:
		}

		// Collapse triggers that arrived during the quiet period.
		select {
		case <-s.dirty:
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.bridge.Write(ctx, s.documentID, s.doc); err != nil {
			// Non-fatal: the next change schedules another attempt.
			log.Printf("collab: persist failed for %s: %v", s.documentID, err)
		}
		cancel()
	}
}

// drain stops the save loop and attempts one final write of converged state.
func (s *Session) drain(ctx context.Context) {
	close(s.closed)
	s.saved.Wait()
	if err := s.bridge.Write(ctx, s.documentID, s.doc); err != nil {
		log.Printf("collab: final persist failed for %s: %v", s.documentID, err)
	}
}

// addConn registers a connection, sends it the full op log, and announces
// the updated presence list to everyone.
func (s *Session) addConn(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	c.enqueue(Frame{Type: FrameSync, Ops: s.doc.Ops()})
	s.broadcastPresence()
}

// removeConn drops a connection's presence entry and notifies the rest.
func (s *Session) removeConn(c *Conn) {
	s.mu.Lock()
	_, present := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if present {
		s.broadcastPresence()
	}
}

// setTyping updates one connection's ephemeral typing flag.
func (s *Session) setTyping(c *Conn, isTyping bool) {
	s.mu.Lock()
	c.typing = isTyping
	s.mu.Unlock()
	s.broadcastPresence()
}

// Collaborators returns the current deduplicated presence list.
func (s *Session) Collaborators() []Collaborator {
	s.mu.Lock()
	defer s.mu.Unlock()
	sources := make([]presenceSource, 0, len(s.conns))
	for c := range s.conns {
		sources = append(sources, c)
	}
	return collaborators(sources)
}

func (s *Session) broadcastPresence() {
	s.broadcast(nil, Frame{Type: FramePresence, Collaborators: s.Collaborators()})
}

// broadcast enqueues a frame on every connection except the sender.
func (s *Session) broadcast(from *Conn, frame Frame) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		if c != from {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.enqueue(frame)
	}
}

// Text renders the session document as plain text (used by tests and
// diagnostics).
func (s *Session) Text() string {
	return s.doc.Text()
}

// Doc exposes the shared replica. Mutation goes through the replica's own
// merge-safe API only.
func (s *Session) Doc() *crdt.Doc {
	return s.doc
}
