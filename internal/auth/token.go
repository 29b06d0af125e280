// Package auth implements the collaboration token codec: short-lived signed
// capability tokens that carry the caller's identity and document role, so
// the streaming layer never has to consult the relational store.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CollabClaims bind an identity and role to a single document. Exp is an
// absolute epoch-millisecond deadline.
type CollabClaims struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	AvatarURL  string `json:"avatarUrl,omitempty"`
	Role       string `json:"role"`
	Exp        int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// IssueToken signs claims as base64url(claims_json) + "." + base64url(sig),
// where sig is HMAC-SHA256 over the claims JSON itself.
func IssueToken(secret []byte, claims CollabClaims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	signature := sign(secret, payloadBytes)
	return base64.RawURLEncoding.EncodeToString(payloadBytes) + "." + signature, nil
}

// ParseToken verifies the signature in constant time, decodes the claims,
// and rejects malformed or expired tokens.
func ParseToken(secret []byte, token string) (CollabClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return CollabClaims{}, ErrInvalidToken
	}
	decoded, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return CollabClaims{}, ErrInvalidToken
	}

	expected := sign(secret, decoded)
	if !hmac.Equal([]byte(parts[1]), []byte(expected)) {
		return CollabClaims{}, ErrInvalidToken
	}

	var claims CollabClaims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return CollabClaims{}, ErrInvalidToken
	}
	if claims.DocumentID == "" || claims.UserID == "" || claims.Role == "" || claims.Exp == 0 {
		return CollabClaims{}, ErrInvalidToken
	}
	if time.Now().UnixMilli() >= claims.Exp {
		return CollabClaims{}, ErrExpiredToken
	}
	return claims, nil
}

func sign(secret, payload []byte) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write(payload)
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
