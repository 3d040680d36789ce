package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abduss/oakregistry/internal/apperror"
	"github.com/abduss/oakregistry/internal/blobstore"
	"github.com/abduss/oakregistry/internal/manifest"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	repoTimeout = 5 * time.Second

	uniqueViolation = "23505"

	// reservePackageAttempts bounds retries when a package row disappears
	// between the upsert and the lock.
	reservePackageAttempts = 3
)

const packageColumns = `id, name, description, author, license, homepage, repository, keywords, owner_id, download_count, created_at, updated_at`

const versionColumns = `id, package_id, version, dependencies, dev_dependencies, checksum, size_bytes, storage_key, download_count, prerelease, deprecated, published_at`

var sortColumns = map[string]string{
	SortName:      "name",
	SortDownloads: "download_count",
	SortCreated:   "created_at",
	SortUpdated:   "updated_at",
}

// PostgresStore persists registry metadata in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore builds a store over pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func scanPackage(row pgx.Row) (Package, error) {
	var p Package
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Description,
		&p.Author,
		&p.License,
		&p.Homepage,
		&p.Repository,
		&p.Keywords,
		&p.OwnerID,
		&p.DownloadCount,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if p.Keywords == nil {
		p.Keywords = []string{}
	}
	return p, err
}

func scanVersion(row pgx.Row) (Version, error) {
	var v Version
	err := row.Scan(
		&v.ID,
		&v.PackageID,
		&v.Version,
		&v.Dependencies,
		&v.DevDependencies,
		&v.Checksum,
		&v.SizeBytes,
		&v.StorageKey,
		&v.DownloadCount,
		&v.Prerelease,
		&v.Deprecated,
		&v.PublishedAt,
	)
	if v.Dependencies == nil {
		v.Dependencies = map[string]string{}
	}
	if v.DevDependencies == nil {
		v.DevDependencies = map[string]string{}
	}
	return v, err
}

func dbError(err error, action string) error {
	return apperror.Wrap(apperror.KindInternal, err, "%s", action)
}

// FindPackage returns the committed package named name.
func (s *PostgresStore) FindPackage(ctx context.Context, name string) (Package, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	query := `SELECT ` + packageColumns + ` FROM packages WHERE name = $1;`

	p, err := scanPackage(s.pool.QueryRow(ctx, query, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Package{}, apperror.New(apperror.KindPackageNotFound, "package %q not found", name)
		}
		return Package{}, dbError(err, "find package")
	}
	return p, nil
}

// FindVersion returns a committed version of a package.
func (s *PostgresStore) FindVersion(ctx context.Context, packageID uuid.UUID, version string) (Version, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	query := `SELECT ` + versionColumns + ` FROM package_versions WHERE package_id = $1 AND version = $2;`

	v, err := scanVersion(s.pool.QueryRow(ctx, query, packageID, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Version{}, apperror.New(apperror.KindVersionNotFound, "version %s not found", version)
		}
		return Version{}, dbError(err, "find version")
	}
	return v, nil
}

// ListVersions returns every committed version of a package, newest first.
func (s *PostgresStore) ListVersions(ctx context.Context, packageID uuid.UUID) ([]Version, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	query := `SELECT ` + versionColumns + ` FROM package_versions WHERE package_id = $1 ORDER BY published_at DESC;`

	rows, err := s.pool.Query(ctx, query, packageID)
	if err != nil {
		return nil, dbError(err, "list versions")
	}
	defer rows.Close()

	versions := []Version{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, dbError(err, "scan version")
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err, "iterate versions")
	}
	SortVersionsDesc(versions)
	return versions, nil
}

// ListPackages filters by q over name, description and keywords.
func (s *PostgresStore) ListPackages(ctx context.Context, q ListQuery) (PackagePage, error) {
	q = q.Normalize()

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	filter := `($1 = '' OR name ILIKE $1 ESCAPE '\' OR description ILIKE $1 ESCAPE '\'
	OR EXISTS (SELECT 1 FROM unnest(keywords) AS kw WHERE kw ILIKE $1 ESCAPE '\'))`
	pattern := ""
	if q.Query != "" {
		pattern = "%" + escapeLike(q.Query) + "%"
	}

	page := PackagePage{Limit: q.Limit, Offset: q.Offset, Packages: []PackageSummary{}}
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM packages WHERE `+filter+`;`, pattern).Scan(&page.Total); err != nil {
		return PackagePage{}, dbError(err, "count packages")
	}

	order := "ASC"
	if q.Order == "desc" {
		order = "DESC"
	}
	query := fmt.Sprintf(`
SELECT %s FROM packages
WHERE %s
ORDER BY %s %s, name ASC
LIMIT $2 OFFSET $3;`, packageColumns, filter, sortColumns[q.Sort], order)

	rows, err := s.pool.Query(ctx, query, pattern, q.Limit, q.Offset)
	if err != nil {
		return PackagePage{}, dbError(err, "list packages")
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return PackagePage{}, dbError(err, "scan package")
		}
		page.Packages = append(page.Packages, PackageSummary{Package: p})
		ids = append(ids, p.ID)
	}
	if err := rows.Err(); err != nil {
		return PackagePage{}, dbError(err, "iterate packages")
	}

	if len(ids) > 0 {
		latest, err := s.latestVersions(ctx, ids)
		if err != nil {
			return PackagePage{}, err
		}
		for i := range page.Packages {
			page.Packages[i].LatestVersion = latest[page.Packages[i].ID]
		}
	}
	page.HasMore = page.Total > q.Offset+q.Limit
	return page, nil
}

func (s *PostgresStore) latestVersions(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT package_id, version FROM package_versions WHERE package_id = ANY($1);`, ids)
	if err != nil {
		return nil, dbError(err, "list latest versions")
	}
	defer rows.Close()

	byPackage := map[uuid.UUID][]string{}
	for rows.Next() {
		var id uuid.UUID
		var version string
		if err := rows.Scan(&id, &version); err != nil {
			return nil, dbError(err, "scan latest version")
		}
		byPackage[id] = append(byPackage[id], version)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(err, "iterate latest versions")
	}

	latest := make(map[uuid.UUID]string, len(byPackage))
	for id, versions := range byPackage {
		latest[id] = LatestVersion(versions)
	}
	return latest, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Stats aggregates counters across the registry.
func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	query := `
SELECT
    (SELECT count(*) FROM packages),
    (SELECT count(*) FROM package_versions),
    (SELECT coalesce(sum(download_count), 0)::bigint FROM packages),
    (SELECT count(DISTINCT owner_id) FROM packages);`

	var st Stats
	if err := s.pool.QueryRow(ctx, query).Scan(&st.TotalPackages, &st.TotalVersions, &st.TotalDownloads, &st.TotalPublishers); err != nil {
		return Stats{}, dbError(err, "registry stats")
	}
	return st, nil
}

// BeginPublish opens a transaction that holds the package row and a staged
// version row until CommitPublish or AbortPublish. Lock waits on concurrent
// publishes are bounded by ctx only.
func (s *PostgresStore) BeginPublish(ctx context.Context, id Identity, m manifest.Manifest) (*PublishTxn, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, dbError(err, "begin publish transaction")
	}

	reserved := false
	defer func() {
		if !reserved {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	pkg, created, err := s.lockOrCreatePackage(ctx, tx, id, m)
	if err != nil {
		return nil, err
	}

	if !created {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM package_versions WHERE package_id = $1 AND version = $2);`,
			pkg.ID, m.Version,
		).Scan(&exists)
		if err != nil {
			return nil, dbError(err, "check version")
		}
		if exists {
			return nil, apperror.New(apperror.KindVersionAlreadyExists, "version %s of %q already exists", m.Version, m.Name)
		}
		if !id.CanManage(pkg) {
			return nil, apperror.New(apperror.KindPermissionDenied, "you do not have permission to publish %q", m.Name)
		}
	}

	staged := stagedVersion(pkg.ID, m)
	insert := `
INSERT INTO package_versions (id, package_id, version, dependencies, dev_dependencies, storage_key, prerelease)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING published_at;`

	err = tx.QueryRow(ctx, insert,
		staged.ID,
		staged.PackageID,
		staged.Version,
		staged.Dependencies,
		staged.DevDependencies,
		staged.StorageKey,
		staged.Prerelease,
	).Scan(&staged.PublishedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, apperror.New(apperror.KindVersionAlreadyExists, "version %s of %q already exists", m.Version, m.Name)
		}
		return nil, dbError(err, "stage version")
	}

	reserved = true
	return &PublishTxn{
		Package:    pkg,
		Version:    staged,
		NewPackage: created,
		Manifest:   m,
		tx:         tx,
	}, nil
}

// lockOrCreatePackage inserts the package owned by id, or takes a key-share
// lock on the existing row. Downloads update the row with a no-key lock and
// therefore do not wait on it.
func (s *PostgresStore) lockOrCreatePackage(ctx context.Context, tx pgx.Tx, id Identity, m manifest.Manifest) (Package, bool, error) {
	insert := `
INSERT INTO packages (id, name, description, author, license, homepage, repository, keywords, owner_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (name) DO NOTHING
RETURNING ` + packageColumns + `;`
	lock := `SELECT ` + packageColumns + ` FROM packages WHERE name = $1 FOR KEY SHARE;`

	for attempt := 0; attempt < reservePackageAttempts; attempt++ {
		draft := packageFromManifest(id, m, time.Time{})
		p, err := scanPackage(tx.QueryRow(ctx, insert,
			draft.ID,
			draft.Name,
			draft.Description,
			draft.Author,
			draft.License,
			draft.Homepage,
			draft.Repository,
			draft.Keywords,
			draft.OwnerID,
		))
		if err == nil {
			return p, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Package{}, false, dbError(err, "create package")
		}

		p, err = scanPackage(tx.QueryRow(ctx, lock, m.Name))
		if err == nil {
			return p, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Package{}, false, dbError(err, "lock package")
		}
	}
	return Package{}, false, apperror.New(apperror.KindInternal, "package %q changed concurrently", m.Name)
}

// CommitPublish records the stored archive on the staged row, refreshes the
// package metadata and commits.
func (s *PostgresStore) CommitPublish(ctx context.Context, txn *PublishTxn, res blobstore.Result) (Version, error) {
	if txn == nil || txn.tx == nil || txn.closed {
		return Version{}, apperror.New(apperror.KindInternal, "publish transaction is not open")
	}

	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	update := `
UPDATE package_versions
SET checksum = $2, size_bytes = $3, storage_key = $4, published_at = now()
WHERE id = $1
RETURNING ` + versionColumns + `;`

	v, err := scanVersion(txn.tx.QueryRow(ctx, update, txn.Version.ID, res.Checksum, res.Size, res.StorageKey))
	if err != nil {
		return Version{}, dbError(err, "finalize version")
	}

	m := txn.Manifest
	refresh := `
UPDATE packages
SET description = $2, author = $3, license = $4, homepage = $5, repository = $6, keywords = $7, updated_at = now()
WHERE id = $1;`
	if _, err := txn.tx.Exec(ctx, refresh, txn.Package.ID, m.Description, m.Author, m.License, m.Homepage, m.Repository, m.Keywords); err != nil {
		return Version{}, dbError(err, "refresh package metadata")
	}

	if err := txn.tx.Commit(ctx); err != nil {
		return Version{}, dbError(err, "commit publish")
	}
	txn.closed = true
	txn.Version = v
	return v, nil
}

// AbortPublish rolls back the reservation. It is a no-op on nil, committed or
// already aborted transactions.
func (s *PostgresStore) AbortPublish(ctx context.Context, txn *PublishTxn) error {
	if txn == nil || txn.tx == nil || txn.closed {
		return nil
	}
	txn.closed = true
	if err := txn.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return dbError(err, "abort publish")
	}
	return nil
}

// RecordDownload increments the version and package counters in one statement.
func (s *PostgresStore) RecordDownload(ctx context.Context, packageID uuid.UUID, version string) error {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	query := `
WITH v AS (
    UPDATE package_versions SET download_count = download_count + 1
    WHERE package_id = $1 AND version = $2
    RETURNING package_id
)
UPDATE packages SET download_count = download_count + 1
WHERE id IN (SELECT package_id FROM v);`

	tag, err := s.pool.Exec(ctx, query, packageID, version)
	if err != nil {
		return dbError(err, "record download")
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.KindVersionNotFound, "version %s not found", version)
	}
	return nil
}

// SetDeprecated flips the deprecated flag of a committed version.
func (s *PostgresStore) SetDeprecated(ctx context.Context, packageID uuid.UUID, version string, deprecated bool) (Version, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	query := `
UPDATE package_versions SET deprecated = $3
WHERE package_id = $1 AND version = $2
RETURNING ` + versionColumns + `;`

	v, err := scanVersion(s.pool.QueryRow(ctx, query, packageID, version, deprecated))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Version{}, apperror.New(apperror.KindVersionNotFound, "version %s not found", version)
		}
		return Version{}, dbError(err, "set deprecated")
	}
	return v, nil
}

// DeleteVersion removes a version, and the package with its last version, in
// one transaction. The package row lock makes it wait for in-flight publishes
// and keeps new ones out until purge has run and the transaction commits.
func (s *PostgresStore) DeleteVersion(ctx context.Context, packageID uuid.UUID, version string, purge PurgeFunc) (Version, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Version{}, false, dbError(err, "begin unpublish transaction")
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	var locked uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT id FROM packages WHERE id = $1 FOR UPDATE;`, packageID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Version{}, false, apperror.New(apperror.KindPackageNotFound, "package %s not found", packageID)
		}
		return Version{}, false, dbError(err, "lock package")
	}

	query := `DELETE FROM package_versions WHERE package_id = $1 AND version = $2 RETURNING ` + versionColumns + `;`
	v, err := scanVersion(tx.QueryRow(ctx, query, packageID, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Version{}, false, apperror.New(apperror.KindVersionNotFound, "version %s not found", version)
		}
		return Version{}, false, dbError(err, "delete version")
	}

	tag, err := tx.Exec(ctx, `
DELETE FROM packages
WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM package_versions WHERE package_id = $1);`, packageID)
	if err != nil {
		return Version{}, false, dbError(err, "delete empty package")
	}

	if purge != nil {
		if err := purge(ctx, v); err != nil {
			return Version{}, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Version{}, false, dbError(err, "commit unpublish")
	}
	return v, tag.RowsAffected() > 0, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, repoTimeout)
	defer cancel()
	return s.pool.Ping(ctx)
}
