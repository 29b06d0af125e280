package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"coscribe/api/internal/crdt"
	"coscribe/api/internal/store"
)

// memSnapshots is an in-memory stand-in for the documents table.
type memSnapshots struct {
	mu         sync.Mutex
	rows       map[string]json.RawMessage
	writes     int
	failWrites bool
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{rows: make(map[string]json.RawMessage)}
}

func (m *memSnapshots) put(documentID, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[documentID] = json.RawMessage(content)
}

func (m *memSnapshots) content(documentID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.rows[documentID])
}

func (m *memSnapshots) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memSnapshots) FindDocumentSnapshot(_ context.Context, documentID string) (store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.rows[documentID]
	if !ok {
		return store.Snapshot{}, store.ErrNotFound
	}
	return store.Snapshot{DocumentID: documentID, Content: content, UpdatedAt: time.Now()}, nil
}

func (m *memSnapshots) WriteDocumentSnapshot(_ context.Context, documentID string, content json.RawMessage, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errors.New("disk on fire")
	}
	if _, ok := m.rows[documentID]; !ok {
		return store.ErrNotFound
	}
	m.rows[documentID] = content
	m.writes++
	return nil
}

const storedHello = `{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello"}]}]}`

func TestHydrateSeedsEmptyReplica(t *testing.T) {
	snapshots := newMemSnapshots()
	snapshots.put("doc-1", storedHello)
	bridge := NewBridge(snapshots)

	doc := crdt.NewDoc("server")
	if err := bridge.Hydrate(context.Background(), "doc-1", doc); err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	if got := doc.Text(); got != "Hello" {
		t.Fatalf("hydrated text = %q", got)
	}
}

func TestHydrateIsIdempotentAcrossSessions(t *testing.T) {
	snapshots := newMemSnapshots()
	snapshots.put("doc-1", storedHello)
	bridge := NewBridge(snapshots)

	first := crdt.NewDoc("server")
	second := crdt.NewDoc("server")
	if err := bridge.Hydrate(context.Background(), "doc-1", first); err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	if err := bridge.Hydrate(context.Background(), "doc-1", second); err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	if first.Text() != second.Text() {
		t.Fatalf("independent hydrations diverged: %q vs %q", first.Text(), second.Text())
	}
}

func TestHydrateSkipsNonEmptyReplica(t *testing.T) {
	snapshots := newMemSnapshots()
	snapshots.put("doc-1", storedHello)
	bridge := NewBridge(snapshots)

	doc := crdt.NewDoc("server")
	blockOp, err := doc.InsertBlock(0, crdt.BlockParagraph, 0)
	if err != nil {
		t.Fatalf("InsertBlock() error = %v", err)
	}
	if _, err := doc.InsertText(blockOp.BlockID, 0, "existing edits"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}

	// A second, late hydration attempt must not clobber collaborative state.
	if err := bridge.Hydrate(context.Background(), "doc-1", doc); err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	if got := doc.Text(); got != "existing edits" {
		t.Fatalf("hydration clobbered live replica: %q", got)
	}
}

func TestHydrateEmptySnapshotIsNoOp(t *testing.T) {
	snapshots := newMemSnapshots()
	snapshots.put("doc-1", `{"type":"doc"}`)
	bridge := NewBridge(snapshots)

	doc := crdt.NewDoc("server")
	if err := bridge.Hydrate(context.Background(), "doc-1", doc); err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}
	if !doc.Empty() {
		t.Fatal("empty snapshot must not create blocks")
	}
}

func TestHydrateReportsDecodeAndMissingRowErrors(t *testing.T) {
	snapshots := newMemSnapshots()
	snapshots.put("doc-1", `{not json`)
	bridge := NewBridge(snapshots)

	doc := crdt.NewDoc("server")
	if err := bridge.Hydrate(context.Background(), "doc-1", doc); err == nil {
		t.Fatal("expected decode error")
	}
	if !doc.Empty() {
		t.Fatal("failed hydration must leave the replica empty")
	}

	err := bridge.Hydrate(context.Background(), "doc-missing", crdt.NewDoc("server"))
	if err == nil || !IsMissingDocument(err) {
		t.Fatalf("missing row error = %v", err)
	}
}

func TestWriteIsIdempotent(t *testing.T) {
	snapshots := newMemSnapshots()
	snapshots.put("doc-1", `{"type":"doc"}`)
	bridge := NewBridge(snapshots)

	doc := crdt.NewDoc("server")
	blockOp, err := doc.InsertBlock(0, crdt.BlockParagraph, 0)
	if err != nil {
		t.Fatalf("InsertBlock() error = %v", err)
	}
	if _, err := doc.InsertText(blockOp.BlockID, 0, "Hello"); err != nil {
		t.Fatalf("InsertText() error = %v", err)
	}

	if err := bridge.Write(context.Background(), "doc-1", doc); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	first := snapshots.content("doc-1")
	if err := bridge.Write(context.Background(), "doc-1", doc); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := snapshots.content("doc-1"); got != first {
		t.Fatalf("repeated write changed content: %q vs %q", got, first)
	}
}
