// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for users and WithCredentials for hub connections

package auth

import (
	"context"
	"slices"
)

// Permissions granted by user tokens
const (
	PermAll             = "*"
	PermAgentsManage    = "agents:manage"
	PermExecutionsRun   = "executions:run"
	PermExecutionsView  = "executions:view"
	PermSchedulesManage = "schedules:manage"
)

// AuthContext holds the authenticated user extracted from a request.
type AuthContext struct {
	UserID      string
	TenantSlug  string
	Permissions []string
}

// Can reports whether the user holds perm, directly or through the wildcard.
func (a *AuthContext) Can(perm string) bool {
	return slices.Contains(a.Permissions, PermAll) || slices.Contains(a.Permissions, perm)
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, ok := ctx.Value(authContextKey{}).(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}

// Credentials are what a hub connection presented: a machine key for agents
// or a bearer token for observers, plus an optional tenant slug.
type Credentials struct {
	MachineKey  string
	BearerToken string
	TenantSlug  string
}

type credentialsKey struct{}

// WithCredentials attaches hub connection credentials to ctx.
func WithCredentials(ctx context.Context, c Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, c)
}

// CredentialsFromContext returns the credentials attached by the stream interceptor.
func CredentialsFromContext(ctx context.Context) (Credentials, bool) {
	c, ok := ctx.Value(credentialsKey{}).(Credentials)
	return c, ok
}
