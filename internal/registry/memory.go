package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/abduss/oakregistry/internal/apperror"
	"github.com/abduss/oakregistry/internal/blobstore"
	"github.com/abduss/oakregistry/internal/manifest"
	"github.com/google/uuid"
)

// reservation is an in-flight publish. done is closed when it commits or
// aborts; waiters then re-check the store.
type reservation struct {
	name       string
	versionKey string
	newPackage bool
	done       chan struct{}
}

type memPackage struct {
	pkg      Package
	versions map[string]Version
}

// MemoryStore is an in-process Store with the same visibility and
// serialization rules as PostgresStore. Data does not survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	packages map[string]*memPackage
	names    map[uuid.UUID]string

	// creating holds reservations that will insert a new package row.
	creating map[string]*reservation
	// reserved holds reservations by "name@version".
	reserved map[string]*reservation
	// inflight counts every open reservation per package name.
	inflight map[string]map[*reservation]struct{}

	now func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		packages: map[string]*memPackage{},
		names:    map[uuid.UUID]string{},
		creating: map[string]*reservation{},
		reserved: map[string]*reservation{},
		inflight: map[string]map[*reservation]struct{}{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func versionKey(name, version string) string {
	return name + "@" + version
}

func (s *MemoryStore) FindPackage(_ context.Context, name string) (Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.packages[name]
	if !ok {
		return Package{}, apperror.New(apperror.KindPackageNotFound, "package %q not found", name)
	}
	return clonePackage(p.pkg), nil
}

func (s *MemoryStore) FindVersion(_ context.Context, packageID uuid.UUID, version string) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.byIDLocked(packageID)
	if err != nil {
		return Version{}, err
	}
	v, ok := p.versions[version]
	if !ok {
		return Version{}, apperror.New(apperror.KindVersionNotFound, "version %s of %q not found", version, p.pkg.Name)
	}
	return cloneVersion(v), nil
}

func (s *MemoryStore) ListVersions(_ context.Context, packageID uuid.UUID) ([]Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.byIDLocked(packageID)
	if err != nil {
		return nil, err
	}
	out := make([]Version, 0, len(p.versions))
	for _, v := range p.versions {
		out = append(out, cloneVersion(v))
	}
	SortVersionsDesc(out)
	return out, nil
}

func (s *MemoryStore) ListPackages(_ context.Context, q ListQuery) (PackagePage, error) {
	q = q.Normalize()
	needle := strings.ToLower(q.Query)

	s.mu.Lock()
	matched := make([]PackageSummary, 0, len(s.packages))
	for _, p := range s.packages {
		if needle != "" && !matchesQuery(p.pkg, needle) {
			continue
		}
		versions := make([]string, 0, len(p.versions))
		for v := range p.versions {
			versions = append(versions, v)
		}
		matched = append(matched, PackageSummary{Package: clonePackage(p.pkg), LatestVersion: LatestVersion(versions)})
	}
	s.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		var less, equal bool
		switch q.Sort {
		case SortName:
			less, equal = a.Name < b.Name, a.Name == b.Name
		case SortCreated:
			less, equal = a.CreatedAt.Before(b.CreatedAt), a.CreatedAt.Equal(b.CreatedAt)
		case SortUpdated:
			less, equal = a.UpdatedAt.Before(b.UpdatedAt), a.UpdatedAt.Equal(b.UpdatedAt)
		default:
			less, equal = a.DownloadCount < b.DownloadCount, a.DownloadCount == b.DownloadCount
		}
		if equal {
			return a.Name < b.Name
		}
		if q.Order == "desc" {
			return !less
		}
		return less
	})

	page := PackagePage{Total: len(matched), Limit: q.Limit, Offset: q.Offset}
	if q.Offset < len(matched) {
		end := q.Offset + q.Limit
		if end > len(matched) {
			end = len(matched)
		}
		page.Packages = matched[q.Offset:end]
	}
	if page.Packages == nil {
		page.Packages = []PackageSummary{}
	}
	page.HasMore = page.Total > q.Offset+q.Limit
	return page, nil
}

func matchesQuery(p Package, needle string) bool {
	if strings.Contains(strings.ToLower(p.Name), needle) || strings.Contains(strings.ToLower(p.Description), needle) {
		return true
	}
	for _, kw := range p.Keywords {
		if strings.Contains(strings.ToLower(kw), needle) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	owners := map[string]struct{}{}
	for _, p := range s.packages {
		st.TotalPackages++
		st.TotalVersions += int64(len(p.versions))
		st.TotalDownloads += p.pkg.DownloadCount
		owners[p.pkg.OwnerID] = struct{}{}
	}
	st.TotalPublishers = int64(len(owners))
	return st, nil
}

func (s *MemoryStore) BeginPublish(ctx context.Context, id Identity, m manifest.Manifest) (*PublishTxn, error) {
	key := versionKey(m.Name, m.Version)
	for {
		s.mu.Lock()
		// An open reservation on the same version or on the creation of this
		// package blocks like a row lock; re-check once it resolves.
		wait := s.reserved[key]
		if wait == nil {
			wait = s.creating[m.Name]
		}
		if wait != nil {
			s.mu.Unlock()
			select {
			case <-wait.done:
				continue
			case <-ctx.Done():
				return nil, apperror.Wrap(apperror.KindInternal, ctx.Err(), "wait for concurrent publish of %s", key)
			}
		}

		txn, err := s.reserveLocked(id, m, key)
		s.mu.Unlock()
		return txn, err
	}
}

func (s *MemoryStore) reserveLocked(id Identity, m manifest.Manifest, key string) (*PublishTxn, error) {
	res := &reservation{name: m.Name, versionKey: key, done: make(chan struct{})}
	txn := &PublishTxn{Manifest: m, res: res}

	if p, ok := s.packages[m.Name]; ok {
		if _, taken := p.versions[m.Version]; taken {
			return nil, apperror.New(apperror.KindVersionAlreadyExists, "version %s of %q already exists", m.Version, m.Name)
		}
		if !id.CanManage(p.pkg) {
			return nil, apperror.New(apperror.KindPermissionDenied, "you do not have permission to publish %q", m.Name)
		}
		txn.Package = clonePackage(p.pkg)
	} else {
		txn.Package = packageFromManifest(id, m, s.now())
		txn.NewPackage = true
		res.newPackage = true
		s.creating[m.Name] = res
	}
	txn.Version = stagedVersion(txn.Package.ID, m)

	s.reserved[key] = res
	if s.inflight[m.Name] == nil {
		s.inflight[m.Name] = map[*reservation]struct{}{}
	}
	s.inflight[m.Name][res] = struct{}{}
	return txn, nil
}

func (s *MemoryStore) releaseLocked(res *reservation) {
	delete(s.reserved, res.versionKey)
	if res.newPackage && s.creating[res.name] == res {
		delete(s.creating, res.name)
	}
	if set := s.inflight[res.name]; set != nil {
		delete(set, res)
		if len(set) == 0 {
			delete(s.inflight, res.name)
		}
	}
	close(res.done)
}

func (s *MemoryStore) CommitPublish(_ context.Context, txn *PublishTxn, result blobstore.Result) (Version, error) {
	if txn == nil || txn.res == nil || txn.closed {
		return Version{}, apperror.New(apperror.KindInternal, "publish transaction is not open")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p, ok := s.packages[txn.Package.Name]
	if txn.NewPackage {
		p = &memPackage{pkg: clonePackage(txn.Package), versions: map[string]Version{}}
		p.pkg.CreatedAt, p.pkg.UpdatedAt = now, now
		s.packages[p.pkg.Name] = p
		s.names[p.pkg.ID] = p.pkg.Name
	} else if !ok {
		// unreachable while DeleteVersion waits for open reservations
		s.releaseLocked(txn.res)
		txn.closed = true
		return Version{}, apperror.New(apperror.KindInternal, "package %q vanished during publish", txn.Package.Name)
	} else {
		refreshMetadata(&p.pkg, txn.Manifest, now)
	}

	v := txn.Version
	v.Checksum = result.Checksum
	v.SizeBytes = result.Size
	v.StorageKey = result.StorageKey
	v.PublishedAt = now
	p.versions[v.Version] = v

	s.releaseLocked(txn.res)
	txn.closed = true
	txn.Version = v
	return cloneVersion(v), nil
}

func (s *MemoryStore) AbortPublish(_ context.Context, txn *PublishTxn) error {
	if txn == nil || txn.res == nil || txn.closed {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(txn.res)
	txn.closed = true
	return nil
}

func (s *MemoryStore) RecordDownload(_ context.Context, packageID uuid.UUID, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.byIDLocked(packageID)
	if err != nil {
		return err
	}
	v, ok := p.versions[version]
	if !ok {
		return apperror.New(apperror.KindVersionNotFound, "version %s of %q not found", version, p.pkg.Name)
	}
	v.DownloadCount++
	p.versions[version] = v
	p.pkg.DownloadCount++
	return nil
}

func (s *MemoryStore) SetDeprecated(_ context.Context, packageID uuid.UUID, version string, deprecated bool) (Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.byIDLocked(packageID)
	if err != nil {
		return Version{}, err
	}
	v, ok := p.versions[version]
	if !ok {
		return Version{}, apperror.New(apperror.KindVersionNotFound, "version %s of %q not found", version, p.pkg.Name)
	}
	v.Deprecated = deprecated
	p.versions[version] = v
	return cloneVersion(v), nil
}

func (s *MemoryStore) DeleteVersion(ctx context.Context, packageID uuid.UUID, version string, purge PurgeFunc) (Version, bool, error) {
	for {
		s.mu.Lock()
		p, err := s.byIDLocked(packageID)
		if err != nil {
			s.mu.Unlock()
			return Version{}, false, err
		}

		var wait *reservation
		for res := range s.inflight[p.pkg.Name] {
			wait = res
			break
		}
		if wait != nil {
			s.mu.Unlock()
			select {
			case <-wait.done:
				continue
			case <-ctx.Done():
				return Version{}, false, apperror.Wrap(apperror.KindInternal, ctx.Err(), "wait for concurrent publish of %q", p.pkg.Name)
			}
		}

		v, ok := p.versions[version]
		if !ok {
			s.mu.Unlock()
			return Version{}, false, apperror.New(apperror.KindVersionNotFound, "version %s of %q not found", version, p.pkg.Name)
		}
		if purge == nil {
			removed := s.removeVersionLocked(p, version)
			s.mu.Unlock()
			return cloneVersion(v), removed, nil
		}

		// Hold the version (and the name, when this is the last version) like
		// a publish reservation until the bytes are gone.
		last := len(p.versions) == 1
		res := &reservation{name: p.pkg.Name, versionKey: versionKey(p.pkg.Name, version), newPackage: last, done: make(chan struct{})}
		s.reserved[res.versionKey] = res
		if last {
			s.creating[res.name] = res
		}
		if s.inflight[res.name] == nil {
			s.inflight[res.name] = map[*reservation]struct{}{}
		}
		s.inflight[res.name][res] = struct{}{}
		s.mu.Unlock()

		purgeErr := purge(ctx, cloneVersion(v))

		s.mu.Lock()
		defer s.mu.Unlock()
		defer s.releaseLocked(res)
		if purgeErr != nil {
			return Version{}, false, purgeErr
		}
		return cloneVersion(v), s.removeVersionLocked(p, version), nil
	}
}

// removeVersionLocked drops the version and reports whether the package row
// went with it.
func (s *MemoryStore) removeVersionLocked(p *memPackage, version string) bool {
	delete(p.versions, version)
	if len(p.versions) > 0 {
		return false
	}
	delete(s.packages, p.pkg.Name)
	delete(s.names, p.pkg.ID)
	return true
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) byIDLocked(id uuid.UUID) (*memPackage, error) {
	name, ok := s.names[id]
	if !ok {
		return nil, apperror.New(apperror.KindPackageNotFound, "package %s not found", id)
	}
	return s.packages[name], nil
}

func clonePackage(p Package) Package {
	p.Keywords = append([]string{}, p.Keywords...)
	return p
}

func cloneVersion(v Version) Version {
	v.Dependencies = cloneMap(v.Dependencies)
	v.DevDependencies = cloneMap(v.DevDependencies)
	return v
}
