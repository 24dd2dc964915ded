// ABOUTME: JWT token verification for authenticating dashboard users and signed URLs
// ABOUTME: Uses HS256 signing with configurable secret; user tokens carry tenant and permission claims

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret too short")
)

// MinSecretLength is the minimum HS256 secret size in bytes
const MinSecretLength = 32

// Audiences separate user tokens from single-purpose tokens signed with the same secret.
const (
	AudienceUser = "fleet-user"
	AudienceLogs = "fleet-logs"
)

// Identity is an authenticated dashboard user.
type Identity struct {
	UserID      string
	TenantSlug  string
	Permissions []string
}

// UserAuthorizer turns a bearer token into an Identity.
type UserAuthorizer interface {
	AuthorizeUser(token string) (*Identity, error)
}

// TokenVerifier defines the interface for subject-only token verification
type TokenVerifier interface {
	Verify(tokenString string) (subject string, err error)
}

// JWTVerifier implements UserAuthorizer and TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
// Returns ErrWeakSecret if the secret is shorter than MinSecretLength.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	return &JWTVerifier{secret: secret}, nil
}

// userClaims is the claim set of a user token
type userClaims struct {
	Tenant      string   `json:"tenant"`
	Permissions []string `json:"perms,omitempty"`
	jwt.RegisteredClaims
}

func (v *JWTVerifier) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return v.secret, nil
}

func mapParseError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpiredToken
	}
	return fmt.Errorf("%w: %v", ErrInvalidToken, err)
}

// AuthorizeUser validates a user token and returns its identity.
// The tenant claim is required.
func (v *JWTVerifier) AuthorizeUser(tokenString string) (*Identity, error) {
	var claims userClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, v.keyFunc,
		jwt.WithAudience(AudienceUser),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, mapParseError(err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.Tenant == "" {
		return nil, fmt.Errorf("%w: tenant", ErrMissingClaim)
	}

	return &Identity{
		UserID:      claims.Subject,
		TenantSlug:  claims.Tenant,
		Permissions: claims.Permissions,
	}, nil
}

// GenerateUserToken issues a user token. Token issuance proper belongs to the
// identity provider; this exists for bootstrap and tests.
func (v *JWTVerifier) GenerateUserToken(userID, tenantSlug string, permissions []string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := userClaims{
		Tenant:      tenantSlug,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{AudienceUser},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify validates a signed-URL token and returns its "sub" claim.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, v.keyFunc,
		jwt.WithAudience(AudienceLogs),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", mapParseError(err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Generate creates a signed-URL token for subject with expiration
func (v *JWTVerifier) Generate(subject string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{AudienceLogs},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

var (
	_ UserAuthorizer = (*JWTVerifier)(nil)
	_ TokenVerifier  = (*JWTVerifier)(nil)
)
