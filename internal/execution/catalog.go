// ABOUTME: Package catalog lookups used to validate and describe executions
// ABOUTME: StoreCatalog reads the tenant's packages table

package execution

import (
	"context"
	"errors"

	"github.com/2389/fleet-gateway/internal/store"
)

// PackageMetadata describes a deployable package.
type PackageMetadata struct {
	ID       string
	Name     string
	Versions []string
}

// LatestVersion returns the newest version, or "" when none is published.
func (p *PackageMetadata) LatestVersion() string {
	if len(p.Versions) == 0 {
		return ""
	}
	return p.Versions[len(p.Versions)-1]
}

// PackageCatalog resolves package metadata for a tenant.
type PackageCatalog interface {
	GetPackageMetadata(ctx context.Context, tenantID, packageID string) (*PackageMetadata, error)
}

// StoreCatalog is a PackageCatalog backed by the store.
type StoreCatalog struct {
	store store.PackageStore
}

// NewStoreCatalog creates a catalog over s.
func NewStoreCatalog(s store.PackageStore) *StoreCatalog {
	return &StoreCatalog{store: s}
}

// GetPackageMetadata returns ErrUnknownPackage for packages outside tenantID.
func (c *StoreCatalog) GetPackageMetadata(ctx context.Context, tenantID, packageID string) (*PackageMetadata, error) {
	p, err := c.store.GetPackage(ctx, tenantID, packageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownPackage
	}
	if err != nil {
		return nil, err
	}
	return &PackageMetadata{
		ID:       p.ID,
		Name:     p.Name,
		Versions: append([]string(nil), p.Versions...),
	}, nil
}

var _ PackageCatalog = (*StoreCatalog)(nil)
