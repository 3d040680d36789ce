// Package registry is the transactional metadata store for packages and
// their versions.
package registry

import (
	"context"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/abduss/oakregistry/internal/blobstore"
	"github.com/abduss/oakregistry/internal/manifest"
	"github.com/google/uuid"
)

// Store is implemented by PostgresStore and MemoryStore.
//
// BeginPublish checks version uniqueness first and ownership second, then
// stages the version row. Staged rows are invisible to every read until
// CommitPublish succeeds. Concurrent reservations of the same (name, version)
// are serialized by the store: one wins and the others get
// VersionAlreadyExists.
type Store interface {
	FindPackage(ctx context.Context, name string) (Package, error)
	FindVersion(ctx context.Context, packageID uuid.UUID, version string) (Version, error)
	ListVersions(ctx context.Context, packageID uuid.UUID) ([]Version, error)
	ListPackages(ctx context.Context, q ListQuery) (PackagePage, error)
	Stats(ctx context.Context) (Stats, error)

	BeginPublish(ctx context.Context, id Identity, m manifest.Manifest) (*PublishTxn, error)
	CommitPublish(ctx context.Context, txn *PublishTxn, res blobstore.Result) (Version, error)
	AbortPublish(ctx context.Context, txn *PublishTxn) error

	RecordDownload(ctx context.Context, packageID uuid.UUID, version string) error
	SetDeprecated(ctx context.Context, packageID uuid.UUID, version string, deprecated bool) (Version, error)
	// DeleteVersion reports whether the package row went with its last version.
	// A non-nil purge runs after the row is removed but before the removal is
	// visible, while publishes of the same version are still blocked; an error
	// from it keeps the version.
	DeleteVersion(ctx context.Context, packageID uuid.UUID, version string, purge PurgeFunc) (Version, bool, error)

	Ping(ctx context.Context) error
}

// PurgeFunc removes what a deleted version leaves outside the store.
type PurgeFunc func(ctx context.Context, v Version) error

// Listing sort keys.
const (
	SortName      = "name"
	SortDownloads = "downloads"
	SortCreated   = "created"
	SortUpdated   = "updated"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// ListQuery filters and pages package listings.
type ListQuery struct {
	Query  string
	Sort   string
	Order  string
	Limit  int
	Offset int
}

// Normalize applies defaults and clamps the page window.
func (q ListQuery) Normalize() ListQuery {
	q.Query = strings.TrimSpace(q.Query)
	switch q.Sort {
	case SortName, SortDownloads, SortCreated, SortUpdated:
	default:
		q.Sort = SortDownloads
	}
	q.Order = strings.ToLower(q.Order)
	if q.Order != "asc" && q.Order != "desc" {
		if q.Sort == SortName {
			q.Order = "asc"
		} else {
			q.Order = "desc"
		}
	}
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// LatestVersion picks the highest stable version, falling back to the highest
// pre-release when no stable version exists.
func LatestVersion(versions []string) string {
	var stable, pre *semver.Version
	for _, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if v.Prerelease() == "" {
			if stable == nil || v.GreaterThan(stable) {
				stable = v
			}
			continue
		}
		if pre == nil || v.GreaterThan(pre) {
			pre = v
		}
	}
	switch {
	case stable != nil:
		return stable.Original()
	case pre != nil:
		return pre.Original()
	}
	return ""
}

// SortVersionsDesc orders versions by semantic version, newest first.
func SortVersionsDesc(versions []Version) {
	sort.SliceStable(versions, func(i, j int) bool {
		a, errA := semver.NewVersion(versions[i].Version)
		b, errB := semver.NewVersion(versions[j].Version)
		if errA != nil || errB != nil {
			return versions[i].PublishedAt.After(versions[j].PublishedAt)
		}
		return a.GreaterThan(b)
	})
}
