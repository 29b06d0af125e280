package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist. Callers decide whether
// that surfaces as 403 or 404; the store does not leak that policy.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	const insert = `
		INSERT INTO users (id, display_name, email, password_hash, avatar_url)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.ExecContext(ctx, insert, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.AvatarURL); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `
		SELECT id, display_name, email, password_hash, avatar_url
		FROM users WHERE email = $1
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, email).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `
		SELECT id, display_name, email, password_hash, avatar_url
		FROM users WHERE id = $1
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) error {
	const insert = `
		INSERT INTO documents (id, owner_id, title, content, is_public, public_token)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	content := doc.Content
	if len(content) == 0 {
		content = json.RawMessage(`{"type":"doc"}`)
	}
	if _, err := s.db.ExecContext(ctx, insert, doc.ID, doc.OwnerID, doc.Title, content, doc.IsPublic, doc.PublicToken); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	const query = `
		SELECT id, owner_id, title, content, is_public, public_token, trashed_at, created_at, updated_at
		FROM documents WHERE id = $1
	`
	var doc Document
	err := s.db.QueryRowContext(ctx, query, documentID).Scan(
		&doc.ID, &doc.OwnerID, &doc.Title, &doc.Content,
		&doc.IsPublic, &doc.PublicToken, &doc.TrashedAt, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("lookup document: %w", err)
	}
	return doc, nil
}

// ListDocumentsForUser returns non-trashed documents the user owns or is a
// member of, most recently updated first.
func (s *PostgresStore) ListDocumentsForUser(ctx context.Context, userID string) ([]Document, error) {
	const query = `
		SELECT DISTINCT d.id, d.owner_id, d.title, d.content, d.is_public, d.public_token, d.trashed_at, d.created_at, d.updated_at
		FROM documents d
		LEFT JOIN document_members m ON m.document_id = d.id
		WHERE d.trashed_at IS NULL AND (d.owner_id = $1 OR m.user_id = $1)
		ORDER BY d.updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(
			&doc.ID, &doc.OwnerID, &doc.Title, &doc.Content,
			&doc.IsPublic, &doc.PublicToken, &doc.TrashedAt, &doc.CreatedAt, &doc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) UpdateDocumentTitle(ctx context.Context, documentID, title string) error {
	const update = `UPDATE documents SET title = $2, updated_at = NOW() WHERE id = $1`
	result, err := s.db.ExecContext(ctx, update, documentID, title)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindDocumentSnapshot(ctx context.Context, documentID string) (Snapshot, error) {
	const query = `SELECT id, content, updated_at FROM documents WHERE id = $1`
	var snap Snapshot
	err := s.db.QueryRowContext(ctx, query, documentID).Scan(&snap.DocumentID, &snap.Content, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, nil
}

// WriteDocumentSnapshot overwrites the full content column. Writes are
// idempotent snapshots of converged state, so last-writer-wins at the row
// level is safe.
func (s *PostgresStore) WriteDocumentSnapshot(ctx context.Context, documentID string, content json.RawMessage, updatedAt time.Time) error {
	const update = `UPDATE documents SET content = $2, updated_at = $3 WHERE id = $1`
	result, err := s.db.ExecContext(ctx, update, documentID, content, updatedAt)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetMembership(ctx context.Context, documentID, userID string) (DocumentMember, error) {
	const query = `
		SELECT document_id, user_id, role, invited_by, created_at
		FROM document_members WHERE document_id = $1 AND user_id = $2
	`
	var member DocumentMember
	err := s.db.QueryRowContext(ctx, query, documentID, userID).
		Scan(&member.DocumentID, &member.UserID, &member.Role, &member.InvitedBy, &member.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentMember{}, ErrNotFound
	}
	if err != nil {
		return DocumentMember{}, fmt.Errorf("lookup membership: %w", err)
	}
	return member, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, documentID string) ([]DocumentMember, error) {
	const query = `
		SELECT document_id, user_id, role, invited_by, created_at
		FROM document_members WHERE document_id = $1 ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []DocumentMember
	for rows.Next() {
		var member DocumentMember
		if err := rows.Scan(&member.DocumentID, &member.UserID, &member.Role, &member.InvitedBy, &member.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

func (s *PostgresStore) UpsertMember(ctx context.Context, member DocumentMember) error {
	const upsert = `
		INSERT INTO document_members (document_id, user_id, role, invited_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id, user_id) DO UPDATE SET role = EXCLUDED.role
	`
	if _, err := s.db.ExecContext(ctx, upsert, member.DocumentID, member.UserID, member.Role, member.InvitedBy); err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, documentID, userID string) error {
	const del = `DELETE FROM document_members WHERE document_id = $1 AND user_id = $2`
	result, err := s.db.ExecContext(ctx, del, documentID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}
