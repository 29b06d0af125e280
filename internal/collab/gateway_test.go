package collab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coscribe/api/internal/auth"
	"coscribe/api/internal/crdt"
)

var testSecret = []byte("gateway-test-secret")

type denyListFunc func(ctx context.Context, documentID, userID string) (bool, error)

func (f denyListFunc) IsCollabDenied(ctx context.Context, documentID, userID string) (bool, error) {
	return f(ctx, documentID, userID)
}

func issueTestToken(t *testing.T, documentID, userID, name, role string, ttl time.Duration) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.CollabClaims{
		DocumentID: documentID,
		UserID:     userID,
		Name:       name,
		Email:      userID + "@example.com",
		Role:       role,
		Exp:        time.Now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func newTestGateway(t *testing.T, snapshots *memSnapshots, denyList DenyList) (*httptest.Server, *Manager) {
	t.Helper()
	manager := NewManager(NewBridge(snapshots), 20*time.Millisecond)
	server := httptest.NewServer(NewGateway(testSecret, manager, denyList))
	t.Cleanup(server.Close)
	return server, manager
}

func wsURL(server *httptest.Server, documentID, token string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/collab/" + documentID + "?token=" + token
}

func dialCollab(t *testing.T, server *httptest.Server, documentID, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(server, documentID, token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readUntil reads frames until one matches, failing on timeout. Frames the
// predicate rejects (interleaved presence updates, mostly) are discarded.
func readUntil(t *testing.T, ws *websocket.Conn, match func(Frame) bool) Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame Frame
		if err := ws.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(frame) {
			return frame
		}
	}
}

func TestGatewayRejectsBeforeUpgrade(t *testing.T) {
	snapshots := newMemSnapshots()
	snapshots.put("doc-1", `{"type":"doc"}`)
	server, manager := newTestGateway(t, snapshots, nil)

	valid := issueTestToken(t, "doc-1", "user-a", "Ada", "editor", time.Minute)
	expired := issueTestToken(t, "doc-1", "user-a", "Ada", "editor", -time.Minute)
	otherDoc := issueTestToken(t, "doc-2", "user-a", "Ada", "editor", time.Minute)

	cases := []struct {
		name   string
		url    string
		status int
	}{
		{"missing token", wsURL(server, "doc-1", ""), http.StatusUnauthorized},
		{"garbage token", wsURL(server, "doc-1", "not.a.token"), http.StatusUnauthorized},
		{"expired token", wsURL(server, "doc-1", expired), http.StatusUnauthorized},
		{"token for another document", wsURL(server, "doc-1", otherDoc), http.StatusForbidden},
		{"tampered token", wsURL(server, "doc-1", valid+"x"), http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(tc.url, nil)
			if err == nil {
				t.Fatal("dial succeeded, want rejection")
			}
			if resp == nil || resp.StatusCode != tc.status {
				t.Fatalf("status = %v, want %d", resp, tc.status)
			}
		})
	}

	// A rejected request must never have created a session.
	if got := manager.SessionCount(); got != 0 {
		t.Fatalf("SessionCount() after rejections = %d, want 0", got)
	}
}

func TestGatewayConsultsDenyList(t *testing.T) {
	snapshots := newMemSnapshots()
	snapshots.put("doc-1", `{"type":"doc"}`)
	denied := denyListFunc(func(_ context.Context, documentID, userID string) (bool, error) {
		return documentID == "doc-1" && userID == "user-banned", nil
	})
	server, _ := newTestGateway(t, snapshots, denied)

	token := issueTestToken(t, "doc-1", "user-banned", "Mallory", "editor", time.Minute)
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "doc-1", token), nil)
	if err == nil {
		t.Fatal("dial succeeded for revoked user")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %v, want 403", resp)
	}

	// Other users on the same document connect normally.
	ok := issueTestToken(t, "doc-1", "user-a", "Ada", "editor", time.Minute)
	ws := dialCollab(t, server, "doc-1", ok)
	readUntil(t, ws, func(f Frame) bool { return f.Type == FrameSync })
}

func TestGatewayFailsOpenOnDenyListError(t *testing.T) {
	snapshots := newMemSnapshots()
	snapshots.put("doc-1", `{"type":"doc"}`)
	broken := denyListFunc(func(context.Context, string, string) (bool, error) {
		return false, context.DeadlineExceeded
	})
	server, _ := newTestGateway(t, snapshots, broken)

	token := issueTestToken(t, "doc-1", "user-a", "Ada", "editor", time.Minute)
	ws := dialCollab(t, server, "doc-1", token)
	readUntil(t, ws, func(f Frame) bool { return f.Type == FrameSync })
}

func TestTwoClientsConvergeAndPersist(t *testing.T) {
	snapshots := newMemSnapshots()
	snapshots.put("doc-1", `{"type":"doc"}`)
	server, manager := newTestGateway(t, snapshots, nil)

	tokenA := issueTestToken(t, "doc-1", "user-a", "Ada", "editor", time.Minute)
	tokenB := issueTestToken(t, "doc-1", "user-b", "Brendan", "editor", time.Minute)

	// First client joins an empty document and types.
	wsA := dialCollab(t, server, "doc-1", tokenA)
	syncA := readUntil(t, wsA, func(f Frame) bool { return f.Type == FrameSync })
	if len(syncA.Ops) != 0 {
		t.Fatalf("empty document sync carried %d ops", len(syncA.Ops))
	}

	replicaA := crdt.NewDoc("client-a")
	blockOp, err := replicaA.InsertBlock(0, crdt.BlockParagraph, 0)
	if err != nil {
		t.Fatalf("InsertBlock() error = %v", err)
	}
	textOp, err := replicaA.InsertText(blockOp.BlockID, 0, "Hello")
	if err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	if err := wsA.WriteJSON(Frame{Type: FrameUpdate, Ops: []crdt.Op{blockOp, textOp}}); err != nil {
		t.Fatalf("write update: %v", err)
	}

	// Second client joins late and must receive the full state in its sync.
	waitUntil(t, 2*time.Second, func() bool {
		session := manager.Join("doc-1")
		defer manager.Leave(session)
		return session.Text() == "Hello"
	})

	wsB := dialCollab(t, server, "doc-1", tokenB)
	syncB := readUntil(t, wsB, func(f Frame) bool { return f.Type == FrameSync })
	replicaB := crdt.NewDoc("client-b")
	if _, err := replicaB.ApplyAll(syncB.Ops); err != nil {
		t.Fatalf("ApplyAll(sync) error = %v", err)
	}
	if got := replicaB.Text(); got != "Hello" {
		t.Fatalf("late joiner text = %q, want %q", got, "Hello")
	}

	// Second client edits; first client receives the relayed update.
	moreText, err := replicaB.InsertText(blockOp.BlockID, 5, ", world")
	if err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	if err := wsB.WriteJSON(Frame{Type: FrameUpdate, Ops: []crdt.Op{moreText}}); err != nil {
		t.Fatalf("write update: %v", err)
	}
	update := readUntil(t, wsA, func(f Frame) bool { return f.Type == FrameUpdate })
	if _, err := replicaA.ApplyAll(update.Ops); err != nil {
		t.Fatalf("ApplyAll(update) error = %v", err)
	}
	if replicaA.Text() != "Hello, world" || replicaA.Text() != replicaB.Text() {
		t.Fatalf("replicas diverged: %q vs %q", replicaA.Text(), replicaB.Text())
	}

	// Both disconnect; the drained session must leave the converged snapshot
	// behind and evict itself.
	_ = wsA.Close()
	_ = wsB.Close()
	waitUntil(t, 2*time.Second, func() bool {
		if manager.SessionCount() != 0 {
			return false
		}
		stored, err := parseStored(snapshots.content("doc-1"))
		return err == nil && stored == "Hello, world"
	})
}

func TestGatewayRelaysOnlyAcceptedOps(t *testing.T) {
	snapshots := newMemSnapshots()
	snapshots.put("doc-1", `{"type":"doc"}`)
	server, _ := newTestGateway(t, snapshots, nil)

	tokenA := issueTestToken(t, "doc-1", "user-a", "Ada", "editor", time.Minute)
	tokenB := issueTestToken(t, "doc-1", "user-b", "Brendan", "editor", time.Minute)

	wsA := dialCollab(t, server, "doc-1", tokenA)
	readUntil(t, wsA, func(f Frame) bool { return f.Type == FrameSync })
	wsB := dialCollab(t, server, "doc-1", tokenB)
	readUntil(t, wsB, func(f Frame) bool { return f.Type == FrameSync })

	replicaA := crdt.NewDoc("client-a")
	blockOp, err := replicaA.InsertBlock(0, crdt.BlockParagraph, 0)
	if err != nil {
		t.Fatalf("InsertBlock() error = %v", err)
	}
	textOp, err := replicaA.InsertText(blockOp.BlockID, 0, "Hello")
	if err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	orphan, err := replicaA.InsertText(blockOp.BlockID, 5, "!")
	if err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}
	orphan.BlockID = uuid.New()

	batch := []crdt.Op{blockOp, textOp, orphan}
	if err := wsA.WriteJSON(Frame{Type: FrameUpdate, Ops: batch}); err != nil {
		t.Fatalf("write update: %v", err)
	}

	// The peer receives only the ops the session's replica accepted.
	update := readUntil(t, wsB, func(f Frame) bool { return f.Type == FrameUpdate })
	if len(update.Ops) != 2 {
		t.Fatalf("relayed %d ops, want 2", len(update.Ops))
	}
	for _, op := range update.Ops {
		if op.ID == orphan.ID {
			t.Fatal("rejected op was relayed to a peer")
		}
	}

	replicaB := crdt.NewDoc("client-b")
	if _, err := replicaB.ApplyAll(update.Ops); err != nil {
		t.Fatalf("ApplyAll(update) error = %v", err)
	}
	if got := replicaB.Text(); got != "Hello" {
		t.Fatalf("peer text = %q, want %q", got, "Hello")
	}
}

func TestPresenceDeduplicatesUserTabs(t *testing.T) {
	snapshots := newMemSnapshots()
	snapshots.put("doc-1", `{"type":"doc"}`)
	server, _ := newTestGateway(t, snapshots, nil)

	tokenA := issueTestToken(t, "doc-1", "user-a", "Ada", "editor", time.Minute)
	tokenB := issueTestToken(t, "doc-1", "user-b", "Brendan", "viewer", time.Minute)

	observer := dialCollab(t, server, "doc-1", tokenB)
	readUntil(t, observer, func(f Frame) bool { return f.Type == FrameSync })

	// The same user opens two tabs; the observer still sees two people.
	tab1 := dialCollab(t, server, "doc-1", tokenA)
	readUntil(t, tab1, func(f Frame) bool { return f.Type == FrameSync })
	tab2 := dialCollab(t, server, "doc-1", tokenA)
	readUntil(t, tab2, func(f Frame) bool { return f.Type == FrameSync })

	presence := readUntil(t, observer, func(f Frame) bool {
		return f.Type == FramePresence && len(f.Collaborators) == 2
	})
	for _, c := range presence.Collaborators {
		if c.IsTyping {
			t.Fatalf("user %s typing before any awareness frame", c.User.ID)
		}
	}

	// One tab starts typing; the merged entry reports typing.
	typing := true
	if err := tab1.WriteJSON(Frame{Type: FrameAwareness, IsTyping: &typing}); err != nil {
		t.Fatalf("write awareness: %v", err)
	}
	presence = readUntil(t, observer, func(f Frame) bool {
		if f.Type != FramePresence {
			return false
		}
		for _, c := range f.Collaborators {
			if c.User.ID == "user-a" && c.IsTyping {
				return true
			}
		}
		return false
	})
	if len(presence.Collaborators) != 2 {
		t.Fatalf("presence entries = %d, want 2", len(presence.Collaborators))
	}

	// The typing tab leaves; the idle tab keeps the user present, not typing.
	_ = tab1.Close()
	readUntil(t, observer, func(f Frame) bool {
		if f.Type != FramePresence || len(f.Collaborators) != 2 {
			return false
		}
		for _, c := range f.Collaborators {
			if c.User.ID == "user-a" {
				return !c.IsTyping
			}
		}
		return false
	})
}

func TestGatewayHydratesFromStoredSnapshot(t *testing.T) {
	snapshots := newMemSnapshots()
	snapshots.put("doc-1", storedHello)
	server, _ := newTestGateway(t, snapshots, nil)

	token := issueTestToken(t, "doc-1", "user-a", "Ada", "editor", time.Minute)
	ws := dialCollab(t, server, "doc-1", token)
	sync := readUntil(t, ws, func(f Frame) bool { return f.Type == FrameSync })

	replica := crdt.NewDoc("client-a")
	if _, err := replica.ApplyAll(sync.Ops); err != nil {
		t.Fatalf("ApplyAll(sync) error = %v", err)
	}
	if got := replica.Text(); got != "Hello" {
		t.Fatalf("hydrated sync text = %q, want %q", got, "Hello")
	}
}
