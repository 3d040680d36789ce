// Package publish sequences extraction, validation, reservation, storage and
// commit of an uploaded package archive as one logical operation.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/abduss/oakregistry/internal/apperror"
	"github.com/abduss/oakregistry/internal/archive"
	"github.com/abduss/oakregistry/internal/blobstore"
	"github.com/abduss/oakregistry/internal/config"
	"github.com/abduss/oakregistry/internal/httpx"
	"github.com/abduss/oakregistry/internal/manifest"
	"github.com/abduss/oakregistry/internal/metrics"
	"github.com/abduss/oakregistry/internal/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// OutcomeCommitted labels successful publishes in metrics.
const OutcomeCommitted = "committed"

// Upload is a single archive submitted for publishing.
type Upload struct {
	Filename    string
	ContentType string
	Body        io.Reader
	// BaseURL prefixes the returned download URL when no public base URL is configured.
	BaseURL string
}

// Result describes a committed version.
type Result struct {
	Name        string
	Version     string
	Checksum    string
	Size        int64
	DownloadURL string
	NewPackage  bool
}

// UnpublishResult reports what an unpublish removed.
type UnpublishResult struct {
	Version        registry.Version
	PackageRemoved bool
}

// Service runs the publish pipeline.
type Service struct {
	store     registry.Store
	blobs     *blobstore.Writer
	inspector *archive.Inspector
	cfg       config.RegistryConfig
	slots     *semaphore.Weighted
	nowFunc   func() time.Time
}

// NewService creates a Service with dependencies.
func NewService(store registry.Store, blobs *blobstore.Writer, cfg config.RegistryConfig) *Service {
	slots := cfg.MaxConcurrentPublishes
	if slots <= 0 {
		slots = 1
	}
	return &Service{
		store: store,
		blobs: blobs,
		inspector: archive.NewInspector(archive.Options{
			ScratchRoot:       cfg.ScratchRoot,
			MaxArchiveBytes:   cfg.MaxArchiveBytes,
			MaxExtractedBytes: cfg.MaxExtractedBytes,
			MaxEntries:        cfg.MaxArchiveEntries,
			ManifestName:      cfg.ManifestName,
		}),
		cfg:     cfg,
		slots:   semaphore.NewWeighted(slots),
		nowFunc: time.Now,
	}
}

// Publish validates the archive in up and commits it as a new version owned
// by id. On failure nothing stays visible: no metadata, no archive bytes and
// no scratch files.
func (s *Service) Publish(ctx context.Context, id registry.Identity, up Upload) (res Result, err error) {
	start := s.nowFunc()
	defer func() {
		outcome := OutcomeCommitted
		if err != nil {
			outcome = string(apperror.KindOf(err))
		}
		metrics.ObservePublish(outcome, s.nowFunc().Sub(start))
	}()

	if id.UserID == "" {
		return Result{}, apperror.New(apperror.KindUnauthorized, "authentication required")
	}
	if up.Body == nil {
		return Result{}, apperror.New(apperror.KindInvalidRequest, "no package file was uploaded")
	}

	if err := s.slots.Acquire(ctx, 1); err != nil {
		return Result{}, apperror.Wrap(apperror.KindUnavailable, err, "wait for a publish slot")
	}
	defer s.slots.Release(1)
	metrics.PublishStarted()
	defer metrics.PublishFinished()

	ws := newWorkspace(s.store, s.blobs)
	// cleanup must survive a client disconnect
	defer ws.close(context.WithoutCancel(ctx))

	log := zap.L().With(zap.String("user_id", id.UserID), zap.String("filename", up.Filename))

	procCtx, cancel := context.WithTimeout(ctx, s.cfg.ProcessingTimeout())
	defer cancel()

	// Received
	size, err := ws.spool(procCtx, s.cfg.ScratchRoot, up.Body, s.cfg.MaxArchiveBytes)
	if err != nil {
		return Result{}, err
	}

	// Extracted
	if _, err := ws.upload.Seek(0, io.SeekStart); err != nil {
		return Result{}, apperror.Wrap(apperror.KindInternal, err, "rewind upload")
	}
	ws.extraction, err = s.inspector.Extract(procCtx, ws.upload)
	if err != nil {
		return Result{}, err
	}

	// Validated
	data, err := ws.extraction.ReadManifest()
	if err != nil {
		return Result{}, err
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return Result{}, err
	}
	log = log.With(zap.String("package", m.Name), zap.String("version", m.Version))

	// AuthorizedAndReserved
	ws.txn, err = s.store.BeginPublish(ctx, id, m)
	if err != nil {
		return Result{}, err
	}

	// Stored
	if _, err := ws.upload.Seek(0, io.SeekStart); err != nil {
		return Result{}, apperror.Wrap(apperror.KindInternal, err, "rewind upload")
	}
	// The reservation makes the key ours until commit, so anything left at it
	// on failure is safe to delete.
	ws.orphan = blobstore.Key(m.Name, m.Version)
	stored, err := s.blobs.Store(procCtx, m.Name, m.Version, ws.upload, size)
	if err != nil {
		log.Error("store archive failed", zap.Error(err))
		return Result{}, err
	}

	// Committed
	v, err := s.store.CommitPublish(ctx, ws.txn, stored)
	if err != nil {
		log.Error("commit publish failed", zap.Error(err))
		return Result{}, err
	}
	ws.orphan = ""

	log.Info("package published",
		zap.String("checksum", v.Checksum),
		zap.Int64("size", v.SizeBytes),
		zap.Bool("new_package", ws.txn.NewPackage),
	)

	return Result{
		Name:        m.Name,
		Version:     v.Version,
		Checksum:    v.Checksum,
		Size:        v.SizeBytes,
		DownloadURL: httpx.DownloadURL(s.baseURL(up.BaseURL), m.Name, v.Version),
		NewPackage:  ws.txn.NewPackage,
	}, nil
}

// Unpublish removes one version. The package goes with its last version.
// The archive bytes are deleted while the store still holds the version, so
// a republish cannot land between the two; if the delete fails the version
// stays published.
func (s *Service) Unpublish(ctx context.Context, id registry.Identity, name, version string) (UnpublishResult, error) {
	p, v, err := s.authorize(ctx, id, name, version, "unpublish")
	if err != nil {
		return UnpublishResult{}, err
	}

	purge := func(ctx context.Context, v registry.Version) error {
		if err := s.blobs.Delete(ctx, v.StorageKey); err != nil {
			zap.L().Error("delete unpublished archive failed",
				zap.String("package", name),
				zap.String("version", version),
				zap.String("storage_key", v.StorageKey),
				zap.Error(err),
			)
			return apperror.Wrap(apperror.KindStoreWriteError, err, "delete archive of %s@%s", name, version)
		}
		return nil
	}
	removed, packageRemoved, err := s.store.DeleteVersion(ctx, p.ID, v.Version, purge)
	if err != nil {
		return UnpublishResult{}, err
	}

	zap.L().Info("package version unpublished",
		zap.String("package", name),
		zap.String("version", version),
		zap.String("user_id", id.UserID),
		zap.Bool("package_removed", packageRemoved),
	)
	return UnpublishResult{Version: removed, PackageRemoved: packageRemoved}, nil
}

// Deprecate sets or clears the deprecated flag of a version.
func (s *Service) Deprecate(ctx context.Context, id registry.Identity, name, version string, deprecated bool) (registry.Version, error) {
	p, v, err := s.authorize(ctx, id, name, version, "deprecate")
	if err != nil {
		return registry.Version{}, err
	}
	return s.store.SetDeprecated(ctx, p.ID, v.Version, deprecated)
}

func (s *Service) authorize(ctx context.Context, id registry.Identity, name, version, action string) (registry.Package, registry.Version, error) {
	if id.UserID == "" {
		return registry.Package{}, registry.Version{}, apperror.New(apperror.KindUnauthorized, "authentication required")
	}
	p, err := s.store.FindPackage(ctx, name)
	if err != nil {
		return registry.Package{}, registry.Version{}, err
	}
	// ownership before the version lookup keeps versions of foreign
	// packages from being probed
	if !id.CanManage(p) {
		return registry.Package{}, registry.Version{}, apperror.New(apperror.KindPermissionDenied, "you do not have permission to %s %q", action, name)
	}
	v, err := s.store.FindVersion(ctx, p.ID, version)
	if err != nil {
		return registry.Package{}, registry.Version{}, err
	}
	return p, v, nil
}

func (s *Service) baseURL(requestBase string) string {
	if s.cfg.PublicBaseURL != "" {
		return s.cfg.PublicBaseURL
	}
	return requestBase
}

// workspace owns every temporary resource of one publish. close releases them
// in reverse order and is safe to call repeatedly.
type workspace struct {
	store registry.Store
	blobs *blobstore.Writer

	upload     *os.File
	extraction *archive.Extraction
	txn        *registry.PublishTxn
	// orphan is the storage key of bytes written but not yet committed.
	orphan string
	closed bool
}

func newWorkspace(store registry.Store, blobs *blobstore.Writer) *workspace {
	return &workspace{store: store, blobs: blobs}
}

// spool copies body into a temporary file, enforcing the size ceiling before
// any extraction happens.
func (w *workspace) spool(ctx context.Context, dir string, body io.Reader, limit int64) (int64, error) {
	f, err := os.CreateTemp(dir, "upload-*.tar.gz")
	if err != nil {
		return 0, apperror.Wrap(apperror.KindInternal, err, "allocate upload file")
	}
	w.upload = f

	src := io.Reader(&ctxReader{ctx: ctx, r: body})
	if limit > 0 {
		src = io.LimitReader(src, limit+1)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		var appErr *apperror.Error
		switch {
		case errors.As(err, &appErr):
			return 0, err
		case ctx.Err() != nil:
			return 0, apperror.Wrap(apperror.KindArchiveExtractionFailed, err, "upload did not finish in time")
		default:
			return 0, apperror.Wrap(apperror.KindInvalidRequest, err, "upload could not be read")
		}
	}
	if limit > 0 && n > limit {
		return 0, apperror.New(apperror.KindArchiveTooLarge, "archive exceeds the %d byte limit", limit)
	}
	if n == 0 {
		return 0, apperror.New(apperror.KindArchiveFormatInvalid, "uploaded file is empty")
	}
	return n, nil
}

func (w *workspace) close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	// Orphaned bytes go before the reservation is released so a concurrent
	// publish of the same version cannot have written to the key yet.
	if w.orphan != "" {
		if err := w.blobs.Delete(ctx, w.orphan); err != nil {
			errs = append(errs, fmt.Errorf("delete orphaned archive %s: %w", w.orphan, err))
		}
		w.orphan = ""
	}
	if w.txn != nil && !w.txn.Closed() {
		if err := w.store.AbortPublish(ctx, w.txn); err != nil {
			errs = append(errs, fmt.Errorf("abort publish: %w", err))
		}
	}
	if err := w.extraction.Cleanup(); err != nil {
		errs = append(errs, fmt.Errorf("remove scratch directory: %w", err))
	}
	if w.upload != nil {
		name := w.upload.Name()
		_ = w.upload.Close()
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove upload file: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		zap.L().Warn("publish cleanup incomplete", zap.Error(err))
		return err
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
