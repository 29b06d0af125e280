package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, CollabClaims{
		DocumentID: "doc-1",
		UserID:     "user-1",
		Name:       "Avery",
		Email:      "avery@example.com",
		Role:       "editor",
		Exp:        time.Now().Add(time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.DocumentID != "doc-1" || claims.UserID != "user-1" || claims.Role != "editor" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

// The signature is computed over the claims JSON, not its base64 encoding.
// A token built by an independent signer with that layout must verify.
func TestTokenSignatureCoversClaimsJSON(t *testing.T) {
	secret := []byte("secret")
	claims := CollabClaims{
		DocumentID: "doc-1",
		UserID:     "user-1",
		Name:       "Avery",
		Email:      "avery@example.com",
		Role:       "editor",
		Exp:        time.Now().Add(time.Hour).UnixMilli(),
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	external := base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	if _, err := ParseToken(secret, external); err != nil {
		t.Fatalf("externally signed token should verify, got %v", err)
	}

	issued, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if issued != external {
		t.Fatalf("issued token %q does not match external layout %q", issued, external)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, CollabClaims{
		DocumentID: "doc-1",
		UserID:     "user-1",
		Name:       "Avery",
		Email:      "avery@example.com",
		Role:       "editor",
		Exp:        time.Now().Add(-time.Minute).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	_, err = ParseToken(secret, issued)
	if err == nil {
		t.Fatal("expected ParseToken() to fail for expired token")
	}
}

func TestParseTokenExpiryBoundary(t *testing.T) {
	secret := []byte("secret")
	claims := CollabClaims{
		DocumentID: "doc-1",
		UserID:     "user-1",
		Name:       "Avery",
		Email:      "avery@example.com",
		Role:       "viewer",
	}

	claims.Exp = time.Now().Add(50 * time.Millisecond).UnixMilli()
	issued, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); err != nil {
		t.Fatalf("token just before expiry should verify, got %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if _, err := ParseToken(secret, issued); err == nil {
		t.Fatal("token just after expiry should be rejected")
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, CollabClaims{
		DocumentID: "doc-1",
		UserID:     "user-1",
		Name:       "Avery",
		Email:      "avery@example.com",
		Role:       "viewer",
		Exp:        time.Now().Add(time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	parts := strings.SplitN(issued, ".", 2)
	forged := parts[0] + "x." + parts[1]
	if _, err := ParseToken(secret, forged); err == nil {
		t.Fatal("expected tampered payload to be rejected")
	}

	if _, err := ParseToken([]byte("other-secret"), issued); err == nil {
		t.Fatal("expected wrong secret to be rejected")
	}

	for _, token := range []string{"", "abc", "a.b.c", ".", "a.", ".b"} {
		if _, err := ParseToken(secret, token); err == nil {
			t.Fatalf("expected malformed token %q to be rejected", token)
		}
	}
}
