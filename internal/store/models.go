package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	AvatarURL    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Document struct {
	ID          string
	OwnerID     string
	Title       string
	Content     json.RawMessage
	IsPublic    bool
	PublicToken *string
	TrashedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DocumentMember grants a non-owner a role on one document.
type DocumentMember struct {
	DocumentID string
	UserID     string
	Role       string
	InvitedBy  string
	CreatedAt  time.Time
}

// Snapshot is the slice of a document row the persistence bridge touches.
type Snapshot struct {
	DocumentID string
	Content    json.RawMessage
	UpdatedAt  time.Time
}
