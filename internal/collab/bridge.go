package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coscribe/api/internal/crdt"
	"coscribe/api/internal/store"
)

// SnapshotStore is the slice of the relational store the bridge consumes.
type SnapshotStore interface {
	FindDocumentSnapshot(ctx context.Context, documentID string) (store.Snapshot, error)
	WriteDocumentSnapshot(ctx context.Context, documentID string, content json.RawMessage, updatedAt time.Time) error
}

// Bridge converts between the replicated document and the stored snapshot
// row. It holds no per-document state; coalescing of write triggers lives in
// the session.
type Bridge struct {
	store SnapshotStore
}

func NewBridge(snapshots SnapshotStore) *Bridge {
	return &Bridge{store: snapshots}
}

// Hydrate seeds a session's replica from the stored snapshot. It is a no-op
// when the replica already has content or the stored snapshot is empty.
// Decode failures and a missing row are reported to the caller, which treats
// them as "no initial content" rather than fatal.
func (b *Bridge) Hydrate(ctx context.Context, documentID string, doc *crdt.Doc) error {
	if !doc.Empty() {
		return nil
	}

	snap, err := b.store.FindDocumentSnapshot(ctx, documentID)
	if err != nil {
		return fmt.Errorf("hydrate %s: %w", documentID, err)
	}
	if len(snap.Content) == 0 {
		return nil
	}

	tree, err := crdt.ParseSnapshot(snap.Content)
	if err != nil {
		return fmt.Errorf("hydrate %s: decode snapshot: %w", documentID, err)
	}
	if crdt.EmptySnapshot(tree) {
		return nil
	}

	// Re-check: a concurrent joiner may have seeded while we loaded.
	if !doc.Empty() {
		return nil
	}
	if _, err := doc.Seed(tree); err != nil {
		return fmt.Errorf("hydrate %s: seed: %w", documentID, err)
	}
	return nil
}

// Write converts the replica's converged state to the canonical snapshot and
// overwrites the stored row. Writing the same state twice has no additional
// effect.
func (b *Bridge) Write(ctx context.Context, documentID string, doc *crdt.Doc) error {
	content, err := json.Marshal(doc.Snapshot())
	if err != nil {
		return fmt.Errorf("persist %s: encode snapshot: %w", documentID, err)
	}
	if err := b.store.WriteDocumentSnapshot(ctx, documentID, content, time.Now().UTC()); err != nil {
		return fmt.Errorf("persist %s: %w", documentID, err)
	}
	return nil
}

// IsMissingDocument reports whether a hydration error means the document row
// does not exist.
func IsMissingDocument(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
