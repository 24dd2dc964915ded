// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests user tokens, signed-URL tokens, expiry and audience separation

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenTestSecret is a 32-byte secret that meets MinSecretLength requirement.
var tokenTestSecret = []byte("token-verifier-test-secret-32b!!")

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(tokenTestSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return v
}

func TestNewJWTVerifier_WeakSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"))
	if !errors.Is(err, ErrWeakSecret) {
		t.Errorf("NewJWTVerifier() error = %v, want ErrWeakSecret", err)
	}
}

func TestAuthorizeUser_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.GenerateUserToken("user-1", "acme", []string{PermExecutionsRun}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateUserToken() error = %v", err)
	}

	identity, err := verifier.AuthorizeUser(token)
	if err != nil {
		t.Fatalf("AuthorizeUser() error = %v", err)
	}
	if identity.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", identity.UserID, "user-1")
	}
	if identity.TenantSlug != "acme" {
		t.Errorf("TenantSlug = %q, want %q", identity.TenantSlug, "acme")
	}
	if len(identity.Permissions) != 1 || identity.Permissions[0] != PermExecutionsRun {
		t.Errorf("Permissions = %v", identity.Permissions)
	}
}

func TestAuthorizeUser_MissingTenant(t *testing.T) {
	verifier := newTestVerifier(t)

	token, _ := verifier.GenerateUserToken("user-1", "", nil, time.Hour)
	_, err := verifier.AuthorizeUser(token)
	if !errors.Is(err, ErrMissingClaim) {
		t.Errorf("AuthorizeUser() error = %v, want ErrMissingClaim", err)
	}
}

func TestAuthorizeUser_InvalidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	other, err := NewJWTVerifier([]byte("a-completely-different-secret-32"))
	if err != nil {
		t.Fatal(err)
	}
	wrongSecret, _ := other.GenerateUserToken("user-1", "acme", nil, time.Hour)

	// A signed-URL token must not be accepted as a user token
	logToken, _ := verifier.Generate("acme/exec.log", time.Hour)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-1", "tenant": "acme", "aud": AudienceUser})
	noneToken, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: wrongSecret},
		{name: "wrong audience", token: logToken},
		{name: "alg none", token: noneToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.AuthorizeUser(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("AuthorizeUser() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestAuthorizeUser_ExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.GenerateUserToken("user-1", "acme", nil, -time.Hour)
	if err != nil {
		t.Fatalf("GenerateUserToken() error = %v", err)
	}

	_, err = verifier.AuthorizeUser(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("AuthorizeUser() error = %v, want ErrExpiredToken", err)
	}
}

func TestSignedURLToken_RoundTrip(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate("tenant-1/exec-1.log", time.Minute)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	sub, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if sub != "tenant-1/exec-1.log" {
		t.Errorf("Verify() = %q", sub)
	}

	userToken, _ := verifier.GenerateUserToken("user-1", "acme", nil, time.Hour)
	if _, err := verifier.Verify(userToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify(user token) error = %v, want ErrInvalidToken", err)
	}

	expired, _ := verifier.Generate("x", -time.Minute)
	if _, err := verifier.Verify(expired); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify(expired) error = %v, want ErrExpiredToken", err)
	}
}
