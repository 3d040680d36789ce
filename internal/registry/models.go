package registry

import (
	"time"

	"github.com/abduss/oakregistry/internal/manifest"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RoleAdmin may manage every package regardless of ownership.
const RoleAdmin = "admin"

// Identity is the authenticated caller as supplied by the auth layer.
type Identity struct {
	UserID   string
	Username string
	Role     string
}

// IsAdmin reports whether the identity carries the administrator role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// CanManage reports whether the identity may publish, unpublish or deprecate
// versions of p.
func (i Identity) CanManage(p Package) bool {
	return i.IsAdmin() || (i.UserID != "" && p.OwnerID == i.UserID)
}

// Package is the identity record shared by all versions of a name.
type Package struct {
	ID            uuid.UUID
	Name          string
	Description   string
	Author        string
	License       string
	Homepage      string
	Repository    string
	Keywords      []string
	OwnerID       string
	DownloadCount int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Version is an immutable published archive of a package.
type Version struct {
	ID              uuid.UUID
	PackageID       uuid.UUID
	Version         string
	Dependencies    map[string]string
	DevDependencies map[string]string
	Checksum        string
	SizeBytes       int64
	StorageKey      string
	DownloadCount   int64
	Prerelease      bool
	Deprecated      bool
	PublishedAt     time.Time
}

// PublishTxn is an open reservation of (package, version). Exactly one of
// CommitPublish or AbortPublish ends it; AbortPublish after either is a no-op.
type PublishTxn struct {
	// Package is the existing package row, or the staged one when NewPackage.
	Package    Package
	Version    Version
	NewPackage bool
	Manifest   manifest.Manifest

	tx     pgx.Tx
	res    *reservation
	closed bool
}

// Closed reports whether the transaction was committed or aborted.
func (t *PublishTxn) Closed() bool {
	return t == nil || t.closed
}

// PackageSummary is a listing row.
type PackageSummary struct {
	Package
	LatestVersion string
}

// PackagePage is one page of a listing.
type PackagePage struct {
	Packages []PackageSummary
	Total    int
	Limit    int
	Offset   int
	HasMore  bool
}

// Stats aggregates registry-wide counters.
type Stats struct {
	TotalPackages   int64
	TotalVersions   int64
	TotalDownloads  int64
	TotalPublishers int64
}

// pendingStorageKey marks a staged version row before its bytes are stored.
func pendingStorageKey() string {
	return "pending:" + uuid.NewString()
}

func packageFromManifest(id Identity, m manifest.Manifest, now time.Time) Package {
	return Package{
		ID:          uuid.New(),
		Name:        m.Name,
		Description: m.Description,
		Author:      m.Author,
		License:     m.License,
		Homepage:    m.Homepage,
		Repository:  m.Repository,
		Keywords:    append([]string{}, m.Keywords...),
		OwnerID:     id.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func refreshMetadata(p *Package, m manifest.Manifest, now time.Time) {
	p.Description = m.Description
	p.Author = m.Author
	p.License = m.License
	p.Homepage = m.Homepage
	p.Repository = m.Repository
	p.Keywords = append([]string{}, m.Keywords...)
	p.UpdatedAt = now
}

func stagedVersion(packageID uuid.UUID, m manifest.Manifest) Version {
	return Version{
		ID:              uuid.New(),
		PackageID:       packageID,
		Version:         m.Version,
		Dependencies:    cloneMap(m.Dependencies),
		DevDependencies: cloneMap(m.DevDependencies),
		StorageKey:      pendingStorageKey(),
		Prerelease:      m.Prerelease(),
	}
}

func cloneMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
