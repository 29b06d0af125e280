// Package access derives a caller's capability on a document. It is the
// sole authority for roles; nothing else re-derives them.
package access

import (
	"context"
	"errors"
	"fmt"

	"coscribe/api/internal/rbac"
	"coscribe/api/internal/store"
)

// ErrNoAccess covers both "document does not exist" and "caller is neither
// owner nor member". Callers surface it as 403 so document existence is not
// leaked.
var ErrNoAccess = errors.New("no access")

// Access is derived, never stored.
type Access struct {
	Role    rbac.Role
	IsOwner bool
}

type DocumentStore interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetMembership(ctx context.Context, documentID, userID string) (store.DocumentMember, error)
}

type Resolver struct {
	store DocumentStore
}

func NewResolver(documents DocumentStore) *Resolver {
	return &Resolver{store: documents}
}

// Resolve computes the caller's access: ownership implies editor, otherwise
// the membership role applies. No side effects; safe for concurrent use.
func (r *Resolver) Resolve(ctx context.Context, documentID, userID string) (Access, error) {
	doc, err := r.store.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return Access{}, ErrNoAccess
	}
	if err != nil {
		return Access{}, fmt.Errorf("resolve access: %w", err)
	}

	if doc.OwnerID == userID {
		return Access{Role: rbac.RoleEditor, IsOwner: true}, nil
	}

	member, err := r.store.GetMembership(ctx, documentID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Access{}, ErrNoAccess
	}
	if err != nil {
		return Access{}, fmt.Errorf("resolve access: %w", err)
	}
	return Access{Role: rbac.Normalize(member.Role), IsOwner: false}, nil
}
