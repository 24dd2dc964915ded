// ABOUTME: Tenant resolution from slugs and IDs backed by the store
// ABOUTME: Maps store.ErrNotFound to ErrUnknownTenant for callers at the edge

package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/fleet-gateway/internal/store"
)

// ErrUnknownTenant is returned when a slug or ID does not name a tenant.
var ErrUnknownTenant = errors.New("unknown tenant")

// Resolver turns tenant slugs into tenants.
type Resolver interface {
	Resolve(ctx context.Context, slug string) (*store.Tenant, error)
	ResolveID(ctx context.Context, id string) (*store.Tenant, error)
}

// StoreResolver resolves tenants from the tenants table.
type StoreResolver struct {
	store store.TenantStore
}

// NewStoreResolver creates a resolver over s.
func NewStoreResolver(s store.TenantStore) *StoreResolver {
	return &StoreResolver{store: s}
}

// Resolve looks a tenant up by slug. Slugs are case-insensitive.
func (r *StoreResolver) Resolve(ctx context.Context, slug string) (*store.Tenant, error) {
	slug = NormalizeSlug(slug)
	if slug == "" {
		return nil, ErrUnknownTenant
	}
	t, err := r.store.GetTenantBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving tenant %q: %w", slug, err)
	}
	return t, nil
}

// ResolveID looks a tenant up by ID.
func (r *StoreResolver) ResolveID(ctx context.Context, id string) (*store.Tenant, error) {
	if id == "" {
		return nil, ErrUnknownTenant
	}
	t, err := r.store.GetTenant(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, id)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving tenant id %q: %w", id, err)
	}
	return t, nil
}

// NormalizeSlug lowercases and trims a slug.
func NormalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

// ValidSlug reports whether slug is a lowercase DNS-label style identifier.
func ValidSlug(slug string) bool {
	if len(slug) == 0 || len(slug) > 63 {
		return false
	}
	for i, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-' && i > 0 && i < len(slug)-1:
		default:
			return false
		}
	}
	return true
}

var _ Resolver = (*StoreResolver)(nil)
