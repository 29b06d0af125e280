package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"coscribe/api/internal/access"
	"coscribe/api/internal/auth"
	"coscribe/api/internal/authpw"
	"coscribe/api/internal/collab"
	"coscribe/api/internal/rbac"
	"coscribe/api/internal/session"
	"coscribe/api/internal/store"
	"coscribe/api/internal/util"
)

// Session is an authenticated REST caller, resolved from the opaque cookie
// token on every request.
type Session struct {
	Token     string
	User      store.User
	ExpiresAt time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)

	CreateDocument(ctx context.Context, doc store.Document) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	ListDocumentsForUser(ctx context.Context, userID string) ([]store.Document, error)
	UpdateDocumentTitle(ctx context.Context, documentID, title string) error

	GetMembership(ctx context.Context, documentID, userID string) (store.DocumentMember, error)
	ListMembers(ctx context.Context, documentID string) ([]store.DocumentMember, error)
	UpsertMember(ctx context.Context, member store.DocumentMember) error
	RemoveMember(ctx context.Context, documentID, userID string) error
}

type sessionStore interface {
	Ping(ctx context.Context) error
	SaveSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupSession(ctx context.Context, tokenHash string) (string, error)
	RevokeSession(ctx context.Context, tokenHash string) error
	DenyCollab(ctx context.Context, documentID, userID string, ttl time.Duration) error
	AllowCollab(ctx context.Context, documentID, userID string) error
}

// Service is the REST application core: authentication, document CRUD,
// membership, and collaboration-token issuance.
type Service struct {
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	access    *access.Resolver

	collabSecret []byte
	collabTTL    time.Duration
	sessionTTL   time.Duration
}

func NewService(
	dataStore dataStore,
	sessions sessionStore,
	passwords *authpw.Service,
	resolver *access.Resolver,
	collabSecret []byte,
	collabTTL time.Duration,
	sessionTTL time.Duration,
) *Service {
	return &Service{
		store:        dataStore,
		sessions:     sessions,
		passwords:    passwords,
		access:       resolver,
		collabSecret: collabSecret,
		collabTTL:    collabTTL,
		sessionTTL:   sessionTTL,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// SignUp creates the account and signs the new user straight in.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{
		Email:       strings.TrimSpace(email),
		Password:    password,
		DisplayName: strings.TrimSpace(displayName),
	})
	if err != nil {
		if errors.Is(err, authpw.ErrEmailExists) {
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.createSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{
		Email:    strings.TrimSpace(email),
		Password: password,
	})
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.createSession(ctx, user)
}

func (s *Service) createSession(ctx context.Context, user store.User) (Session, error) {
	token := util.NewID("sess")
	expiresAt := time.Now().Add(s.sessionTTL)
	if err := s.sessions.SaveSession(ctx, session.HashToken(token), user.ID, expiresAt); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	return Session{Token: token, User: user, ExpiresAt: expiresAt}, nil
}

// SessionFromToken resolves the cookie token to a live session. The token
// is stored hashed; a leaked session store dump yields nothing replayable.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, errUnauthorized()
	}
	userID, err := s.sessions.LookupSession(ctx, session.HashToken(token))
	if err != nil {
		return Session{}, errUnauthorized()
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, errUnauthorized()
	}
	return Session{Token: token, User: user}, nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.sessions.RevokeSession(ctx, session.HashToken(token))
}

// CreateDocument makes the caller the owner of a new empty document.
func (s *Service) CreateDocument(ctx context.Context, caller Session, title string) (store.Document, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled"
	}
	doc := store.Document{
		ID:      util.NewID("doc"),
		OwnerID: caller.User.ID,
		Title:   title,
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return store.Document{}, fmt.Errorf("create document: %w", err)
	}
	return s.store.GetDocument(ctx, doc.ID)
}

func (s *Service) ListDocuments(ctx context.Context, caller Session) ([]store.Document, error) {
	return s.store.ListDocumentsForUser(ctx, caller.User.ID)
}

// GetDocument returns the document plus the caller's derived access. Both a
// missing document and a document the caller cannot see map to the same
// forbidden error.
func (s *Service) GetDocument(ctx context.Context, caller Session, documentID string) (store.Document, access.Access, error) {
	acc, err := s.access.Resolve(ctx, documentID, caller.User.ID)
	if err != nil {
		return store.Document{}, access.Access{}, mapAccessError(err)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, access.Access{}, fmt.Errorf("get document: %w", err)
	}
	return doc, acc, nil
}

func (s *Service) RenameDocument(ctx context.Context, caller Session, documentID, title string) error {
	acc, err := s.access.Resolve(ctx, documentID, caller.User.ID)
	if err != nil {
		return mapAccessError(err)
	}
	if !rbac.Can(acc.Role, rbac.ActionWrite) {
		return errForbidden()
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if err := s.store.UpdateDocumentTitle(ctx, documentID, title); err != nil {
		return fmt.Errorf("rename document: %w", err)
	}
	return nil
}

// CollabTokenResponse carries the capability token and the caller's own
// collaborator descriptor.
type CollabTokenResponse struct {
	Token string          `json:"token"`
	User  collab.Identity `json:"user"`
}

// CollabToken authorizes the caller for one document and issues a
// short-lived signed capability for the websocket gateway. Authorization
// happens here and at no later point in the token's life.
func (s *Service) CollabToken(ctx context.Context, caller Session, documentID string) (CollabTokenResponse, error) {
	acc, err := s.access.Resolve(ctx, documentID, caller.User.ID)
	if err != nil {
		return CollabTokenResponse{}, mapAccessError(err)
	}

	token, err := auth.IssueToken(s.collabSecret, auth.CollabClaims{
		DocumentID: documentID,
		UserID:     caller.User.ID,
		Name:       caller.User.DisplayName,
		Email:      caller.User.Email,
		AvatarURL:  caller.User.AvatarURL,
		Role:       string(acc.Role),
		Exp:        time.Now().Add(s.collabTTL).UnixMilli(),
	})
	if err != nil {
		return CollabTokenResponse{}, fmt.Errorf("issue collab token: %w", err)
	}

	return CollabTokenResponse{
		Token: token,
		User: collab.Identity{
			ID:        caller.User.ID,
			Name:      caller.User.DisplayName,
			Email:     caller.User.Email,
			AvatarURL: caller.User.AvatarURL,
			Color:     collab.NextColor(),
			Role:      acc.Role,
		},
	}, nil
}

// Member is a membership row joined with its user for API responses.
type Member struct {
	User store.User
	Role string
}

func (s *Service) ListMembers(ctx context.Context, caller Session, documentID string) ([]Member, error) {
	acc, err := s.access.Resolve(ctx, documentID, caller.User.ID)
	if err != nil {
		return nil, mapAccessError(err)
	}
	if !canShare(acc) {
		return nil, errForbidden()
	}

	rows, err := s.store.ListMembers(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	members := make([]Member, 0, len(rows))
	for _, row := range rows {
		user, err := s.store.GetUserByID(ctx, row.UserID)
		if err != nil {
			return nil, fmt.Errorf("list members: %w", err)
		}
		members = append(members, Member{User: user, Role: string(rbac.Normalize(row.Role))})
	}
	return members, nil
}

// AddMember grants a user a role on the document, keyed by email. Changing
// an existing member's role revokes outstanding collaboration tokens via
// the deny-list; a newly added (or re-added) member gets a clean slate.
func (s *Service) AddMember(ctx context.Context, caller Session, documentID, email, role string) (Member, error) {
	acc, err := s.access.Resolve(ctx, documentID, caller.User.ID)
	if err != nil {
		return Member{}, mapAccessError(err)
	}
	if !canShare(acc) {
		return Member{}, errForbidden()
	}

	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, store.ErrNotFound) {
		return Member{}, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No user with that email", nil)
	}
	if err != nil {
		return Member{}, fmt.Errorf("add member: %w", err)
	}
	if user.ID == caller.User.ID {
		return Member{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cannot change your own membership", nil)
	}

	normalized := rbac.Normalize(role)
	existing, err := s.store.GetMembership(ctx, documentID, user.ID)
	roleChanged := err == nil && rbac.Normalize(existing.Role) != normalized

	member := store.DocumentMember{
		DocumentID: documentID,
		UserID:     user.ID,
		Role:       string(normalized),
		InvitedBy:  caller.User.ID,
	}
	if err := s.store.UpsertMember(ctx, member); err != nil {
		return Member{}, fmt.Errorf("add member: %w", err)
	}

	if roleChanged {
		if err := s.sessions.DenyCollab(ctx, documentID, user.ID, s.collabTTL); err != nil {
			return Member{}, fmt.Errorf("deny stale collab tokens: %w", err)
		}
	} else {
		if err := s.sessions.AllowCollab(ctx, documentID, user.ID); err != nil {
			return Member{}, fmt.Errorf("clear collab deny: %w", err)
		}
	}
	return Member{User: user, Role: string(normalized)}, nil
}

// RemoveMember revokes a user's membership and immediately denies their
// outstanding collaboration tokens for the document.
func (s *Service) RemoveMember(ctx context.Context, caller Session, documentID, userID string) error {
	acc, err := s.access.Resolve(ctx, documentID, caller.User.ID)
	if err != nil {
		return mapAccessError(err)
	}
	if !canShare(acc) {
		return errForbidden()
	}

	if err := s.store.RemoveMember(ctx, documentID, userID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if err := s.sessions.DenyCollab(ctx, documentID, userID, s.collabTTL); err != nil {
		return fmt.Errorf("deny revoked collab tokens: %w", err)
	}
	return nil
}

// canShare: ownership carries sharing rights; roles go through rbac so a
// future role with ActionShare works without touching this file.
func canShare(acc access.Access) bool {
	return acc.IsOwner || rbac.Can(acc.Role, rbac.ActionShare)
}

func mapAccessError(err error) error {
	if errors.Is(err, access.ErrNoAccess) {
		return errForbidden()
	}
	return err
}
