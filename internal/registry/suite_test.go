package registry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abduss/oakregistry/internal/apperror"
	"github.com/abduss/oakregistry/internal/blobstore"
	"github.com/abduss/oakregistry/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var (
	u1    = Identity{UserID: "user-1", Username: "alice"}
	u2    = Identity{UserID: "user-2", Username: "bob"}
	admin = Identity{UserID: "root", Role: RoleAdmin}
)

func mustManifest(t *testing.T, name, version string, extra ...string) manifest.Manifest {
	t.Helper()
	body := fmt.Sprintf(`{"name":%q,"version":%q`, name, version)
	for _, e := range extra {
		body += "," + e
	}
	m, err := manifest.Parse([]byte(body + "}"))
	require.NoError(t, err)
	return m
}

func storeResult(name, version string) blobstore.Result {
	return blobstore.Result{
		Checksum:   blobstore.Checksum([]byte(name + "@" + version)),
		Size:       int64(len(name) + len(version) + 1),
		StorageKey: blobstore.Key(name, version),
	}
}

func publish(t *testing.T, s Store, id Identity, m manifest.Manifest) Version {
	t.Helper()
	ctx := context.Background()
	txn, err := s.BeginPublish(ctx, id, m)
	require.NoError(t, err)
	v, err := s.CommitPublish(ctx, txn, storeResult(m.Name, m.Version))
	require.NoError(t, err)
	return v
}

// runStoreSuite exercises the Store contract. newStore must return an empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("StagedVersionInvisibleUntilCommit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		m := mustManifest(t, "demo-pkg", "1.0.0", `"description":"demo"`, `"dependencies":{"json":"^1.0.0"}`)

		txn, err := s.BeginPublish(ctx, u1, m)
		require.NoError(t, err)
		assert.True(t, txn.NewPackage)
		assert.Contains(t, txn.Version.StorageKey, "pending:")

		_, err = s.FindPackage(ctx, "demo-pkg")
		assert.ErrorIs(t, err, apperror.ErrPackageNotFound)

		v, err := s.CommitPublish(ctx, txn, storeResult("demo-pkg", "1.0.0"))
		require.NoError(t, err)
		assert.True(t, txn.Closed())
		assert.Equal(t, blobstore.Key("demo-pkg", "1.0.0"), v.StorageKey)
		assert.Equal(t, map[string]string{"json": "^1.0.0"}, v.Dependencies)

		p, err := s.FindPackage(ctx, "demo-pkg")
		require.NoError(t, err)
		assert.Equal(t, "user-1", p.OwnerID)
		assert.Equal(t, "demo", p.Description)

		got, err := s.FindVersion(ctx, p.ID, "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, v.Checksum, got.Checksum)
		assert.Equal(t, v.SizeBytes, got.SizeBytes)
	})

	t.Run("AbortDiscardsEverythingAndIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		txn, err := s.BeginPublish(ctx, u1, mustManifest(t, "ghost", "1.0.0"))
		require.NoError(t, err)
		require.NoError(t, s.AbortPublish(ctx, txn))
		require.NoError(t, s.AbortPublish(ctx, txn))
		require.NoError(t, s.AbortPublish(ctx, nil))

		_, err = s.FindPackage(ctx, "ghost")
		assert.ErrorIs(t, err, apperror.ErrPackageNotFound)

		_, err = s.CommitPublish(ctx, txn, storeResult("ghost", "1.0.0"))
		assert.Error(t, err)

		// the name is free again
		publish(t, s, u2, mustManifest(t, "ghost", "1.0.0"))
		p, err := s.FindPackage(ctx, "ghost")
		require.NoError(t, err)
		assert.Equal(t, "user-2", p.OwnerID)
	})

	t.Run("AbortAfterCommitIsNoop", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		txn, err := s.BeginPublish(ctx, u1, mustManifest(t, "kept", "1.0.0"))
		require.NoError(t, err)
		_, err = s.CommitPublish(ctx, txn, storeResult("kept", "1.0.0"))
		require.NoError(t, err)
		require.NoError(t, s.AbortPublish(ctx, txn))

		_, err = s.FindPackage(ctx, "kept")
		assert.NoError(t, err)
	})

	t.Run("OwnershipAndUniqueness", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		publish(t, s, u1, mustManifest(t, "demo-pkg", "1.0.0"))

		_, err := s.BeginPublish(ctx, u1, mustManifest(t, "demo-pkg", "1.0.0"))
		assert.ErrorIs(t, err, apperror.ErrVersionAlreadyExists)

		_, err = s.BeginPublish(ctx, u2, mustManifest(t, "demo-pkg", "1.0.1"))
		assert.ErrorIs(t, err, apperror.ErrPermissionDenied)

		// version existence is checked before ownership
		_, err = s.BeginPublish(ctx, u2, mustManifest(t, "demo-pkg", "1.0.0"))
		assert.ErrorIs(t, err, apperror.ErrVersionAlreadyExists)

		publish(t, s, u1, mustManifest(t, "demo-pkg", "1.0.1"))
		publish(t, s, admin, mustManifest(t, "demo-pkg", "1.1.0"))

		p, err := s.FindPackage(ctx, "demo-pkg")
		require.NoError(t, err)
		assert.Equal(t, "user-1", p.OwnerID, "admin publishes do not transfer ownership")

		versions, err := s.ListVersions(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, versions, 3)
		assert.Equal(t, "1.1.0", versions[0].Version)
	})

	t.Run("MetadataRefreshedOnPublish", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		publish(t, s, u1, mustManifest(t, "meta", "1.0.0", `"description":"old"`, `"keywords":["a"]`))
		publish(t, s, u1, mustManifest(t, "meta", "1.1.0", `"description":"new"`, `"license":"MIT"`, `"keywords":["b","c"]`))

		p, err := s.FindPackage(ctx, "meta")
		require.NoError(t, err)
		assert.Equal(t, "new", p.Description)
		assert.Equal(t, "MIT", p.License)
		assert.Equal(t, []string{"b", "c"}, p.Keywords)
	})

	t.Run("ConcurrentSameVersionOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		identities := []Identity{u1, u2, {UserID: "user-3"}, {UserID: "user-4"}}
		m := mustManifest(t, "race", "1.0.0")

		var wins, conflicts atomic.Int32
		winner := make(chan string, len(identities))
		var g errgroup.Group
		for _, id := range identities {
			id := id
			g.Go(func() error {
				txn, err := s.BeginPublish(ctx, id, m)
				if err != nil {
					if apperror.KindOf(err) == apperror.KindVersionAlreadyExists {
						conflicts.Add(1)
						return nil
					}
					return err
				}
				time.Sleep(20 * time.Millisecond)
				if _, err := s.CommitPublish(ctx, txn, storeResult("race", "1.0.0")); err != nil {
					return err
				}
				wins.Add(1)
				winner <- id.UserID
				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(len(identities)-1), conflicts.Load())

		p, err := s.FindPackage(ctx, "race")
		require.NoError(t, err)
		assert.Equal(t, <-winner, p.OwnerID)
	})

	t.Run("WaiterSeesPermissionDeniedAfterAbort", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		publish(t, s, u1, mustManifest(t, "owned", "1.0.0"))

		txn, err := s.BeginPublish(ctx, u1, mustManifest(t, "owned", "2.0.0"))
		require.NoError(t, err)

		contender := mustManifest(t, "owned", "2.0.0")
		done := make(chan error, 1)
		go func() {
			_, err := s.BeginPublish(ctx, u2, contender)
			done <- err
		}()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, s.AbortPublish(ctx, txn))

		select {
		case err := <-done:
			assert.ErrorIs(t, err, apperror.ErrPermissionDenied)
		case <-time.After(5 * time.Second):
			t.Fatal("concurrent BeginPublish did not resolve")
		}
	})

	t.Run("RecordDownloadIncrementsBothCounters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		publish(t, s, u1, mustManifest(t, "dl", "1.0.0"))
		publish(t, s, u1, mustManifest(t, "dl", "1.1.0"))
		p, err := s.FindPackage(ctx, "dl")
		require.NoError(t, err)

		require.NoError(t, s.RecordDownload(ctx, p.ID, "1.0.0"))
		require.NoError(t, s.RecordDownload(ctx, p.ID, "1.0.0"))
		require.NoError(t, s.RecordDownload(ctx, p.ID, "1.1.0"))
		assert.ErrorIs(t, s.RecordDownload(ctx, p.ID, "9.9.9"), apperror.ErrVersionNotFound)

		p, err = s.FindPackage(ctx, "dl")
		require.NoError(t, err)
		assert.Equal(t, int64(3), p.DownloadCount)
		v, err := s.FindVersion(ctx, p.ID, "1.0.0")
		require.NoError(t, err)
		assert.Equal(t, int64(2), v.DownloadCount)
	})

	t.Run("RecordDownloadDoesNotWaitForPublish", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		publish(t, s, u1, mustManifest(t, "busy", "1.0.0"))
		p, err := s.FindPackage(ctx, "busy")
		require.NoError(t, err)

		txn, err := s.BeginPublish(ctx, u1, mustManifest(t, "busy", "1.1.0"))
		require.NoError(t, err)
		defer s.AbortPublish(ctx, txn)

		dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		require.NoError(t, s.RecordDownload(dctx, p.ID, "1.0.0"))
		assert.ErrorIs(t, s.RecordDownload(dctx, p.ID, "1.1.0"), apperror.ErrVersionNotFound)
	})

	t.Run("DeleteLastVersionRemovesPackage", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		publish(t, s, u1, mustManifest(t, "gone", "1.0.0"))
		publish(t, s, u1, mustManifest(t, "gone", "1.0.1"))
		p, err := s.FindPackage(ctx, "gone")
		require.NoError(t, err)

		v, removed, err := s.DeleteVersion(ctx, p.ID, "1.0.0", nil)
		require.NoError(t, err)
		assert.False(t, removed)
		assert.Equal(t, "1.0.0", v.Version)

		_, _, err = s.DeleteVersion(ctx, p.ID, "1.0.0", nil)
		assert.ErrorIs(t, err, apperror.ErrVersionNotFound)

		_, removed, err = s.DeleteVersion(ctx, p.ID, "1.0.1", nil)
		require.NoError(t, err)
		assert.True(t, removed)

		_, err = s.FindPackage(ctx, "gone")
		assert.ErrorIs(t, err, apperror.ErrPackageNotFound)
		_, _, err = s.DeleteVersion(ctx, p.ID, "1.0.1", nil)
		assert.ErrorIs(t, err, apperror.ErrPackageNotFound)
	})

	t.Run("DeleteVersionKeepsVersionWhenPurgeFails", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		publish(t, s, u1, mustManifest(t, "sticky", "1.0.0"))
		p, err := s.FindPackage(ctx, "sticky")
		require.NoError(t, err)

		boom := errors.New("backend down")
		var purged Version
		_, _, err = s.DeleteVersion(ctx, p.ID, "1.0.0", func(_ context.Context, v Version) error {
			purged = v
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, blobstore.Key("sticky", "1.0.0"), purged.StorageKey)

		_, err = s.FindVersion(ctx, p.ID, "1.0.0")
		require.NoError(t, err, "a failed purge must keep the version")

		// the hold is released, so the name is usable again
		publish(t, s, u1, mustManifest(t, "sticky", "1.0.1"))
		_, removed, err := s.DeleteVersion(ctx, p.ID, "1.0.0", func(context.Context, Version) error { return nil })
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("RepublishWaitsForPurge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		m := mustManifest(t, "phoenix", "1.0.0")
		publish(t, s, u1, m)
		p, err := s.FindPackage(ctx, "phoenix")
		require.NoError(t, err)

		entered := make(chan struct{})
		release := make(chan struct{})
		deleted := make(chan error, 1)
		go func() {
			_, _, err := s.DeleteVersion(ctx, p.ID, "1.0.0", func(context.Context, Version) error {
				close(entered)
				<-release
				return nil
			})
			deleted <- err
		}()
		<-entered

		type begun struct {
			txn *PublishTxn
			err error
		}
		reserved := make(chan begun, 1)
		go func() {
			txn, err := s.BeginPublish(ctx, u2, m)
			reserved <- begun{txn, err}
		}()

		select {
		case <-reserved:
			t.Fatal("publish of the same version must wait until the old bytes are purged")
		case <-time.After(50 * time.Millisecond):
		}

		close(release)
		require.NoError(t, <-deleted)

		r := <-reserved
		require.NoError(t, r.err)
		assert.True(t, r.txn.NewPackage)
		_, err = s.CommitPublish(ctx, r.txn, storeResult("phoenix", "1.0.0"))
		require.NoError(t, err)

		p, err = s.FindPackage(ctx, "phoenix")
		require.NoError(t, err)
		assert.Equal(t, "user-2", p.OwnerID)
	})

	t.Run("SetDeprecated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		publish(t, s, u1, mustManifest(t, "old", "1.0.0"))
		p, err := s.FindPackage(ctx, "old")
		require.NoError(t, err)

		v, err := s.SetDeprecated(ctx, p.ID, "1.0.0", true)
		require.NoError(t, err)
		assert.True(t, v.Deprecated)

		_, err = s.SetDeprecated(ctx, p.ID, "2.0.0", true)
		assert.ErrorIs(t, err, apperror.ErrVersionNotFound)
	})

	t.Run("ListPackagesAndStats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		publish(t, s, u1, mustManifest(t, "http-client", "1.0.0", `"description":"HTTP client"`, `"keywords":["net"]`))
		// every publish refreshes the package metadata, so later versions carry it too
		publish(t, s, u1, mustManifest(t, "http-client", "1.2.0", `"description":"HTTP client"`, `"keywords":["net"]`))
		publish(t, s, u1, mustManifest(t, "http-client", "2.0.0-beta.1", `"description":"HTTP client"`, `"keywords":["net"]`))
		publish(t, s, u2, mustManifest(t, "json_codec", "0.3.0", `"keywords":["encoding","net"]`))
		publish(t, s, u2, mustManifest(t, "yaml", "0.1.0-alpha"))

		p, err := s.FindPackage(ctx, "json_codec")
		require.NoError(t, err)
		require.NoError(t, s.RecordDownload(ctx, p.ID, "0.3.0"))

		page, err := s.ListPackages(ctx, ListQuery{Sort: SortName})
		require.NoError(t, err)
		require.Equal(t, 3, page.Total)
		require.Len(t, page.Packages, 3)
		assert.Equal(t, "http-client", page.Packages[0].Name)
		assert.Equal(t, "1.2.0", page.Packages[0].LatestVersion)
		assert.Equal(t, "0.1.0-alpha", page.Packages[2].LatestVersion)

		page, err = s.ListPackages(ctx, ListQuery{Query: "NET", Sort: SortDownloads, Order: "desc"})
		require.NoError(t, err)
		require.Len(t, page.Packages, 2)
		assert.Equal(t, "json_codec", page.Packages[0].Name)

		page, err = s.ListPackages(ctx, ListQuery{Sort: SortName, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page.Packages, 1)
		assert.Equal(t, "json_codec", page.Packages[0].Name)
		assert.True(t, page.HasMore)

		page, err = s.ListPackages(ctx, ListQuery{Query: "100%_"})
		require.NoError(t, err)
		assert.Zero(t, page.Total)
		assert.NotNil(t, page.Packages)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{TotalPackages: 3, TotalVersions: 5, TotalDownloads: 1, TotalPublishers: 2}, st)
	})
}
