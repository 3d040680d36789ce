// Package catalog serves read-only projections of the registry and the
// archive download endpoint.
package catalog

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"

	"github.com/abduss/oakregistry/internal/apperror"
	"github.com/abduss/oakregistry/internal/blobstore"
	"github.com/abduss/oakregistry/internal/config"
	"github.com/abduss/oakregistry/internal/metrics"
	"github.com/abduss/oakregistry/internal/registry"
	"go.uber.org/zap"
)

// LatestTag resolves to the newest stable version of a package.
const LatestTag = "latest"

const archiveSuffix = ".tar.gz"

// PackageDetail is a package with all of its visible versions, newest first.
type PackageDetail struct {
	Package       registry.Package
	Versions      []registry.Version
	LatestVersion string
}

// Download is either an open archive stream or a redirect target.
type Download struct {
	Package  registry.Package
	Version  registry.Version
	Filename string
	// Body and Size are set when the archive is streamed by this process.
	Body io.ReadCloser
	Size int64
	// RedirectURL is set when the backend hands out direct links.
	RedirectURL *url.URL
}

// Service answers catalog queries.
type Service struct {
	store registry.Store
	blobs *blobstore.Writer
	cfg   config.RegistryConfig
}

// NewService constructs a catalog service.
func NewService(store registry.Store, blobs *blobstore.Writer, cfg config.RegistryConfig) *Service {
	return &Service{store: store, blobs: blobs, cfg: cfg}
}

// ListPackages returns one page of packages matching q.
func (s *Service) ListPackages(ctx context.Context, q registry.ListQuery) (registry.PackagePage, error) {
	return s.store.ListPackages(ctx, q)
}

// GetPackage returns the package named name with its versions.
func (s *Service) GetPackage(ctx context.Context, name string) (PackageDetail, error) {
	p, err := s.store.FindPackage(ctx, name)
	if err != nil {
		return PackageDetail{}, err
	}
	versions, err := s.store.ListVersions(ctx, p.ID)
	if err != nil {
		return PackageDetail{}, err
	}
	numbers := make([]string, 0, len(versions))
	for _, v := range versions {
		numbers = append(numbers, v.Version)
	}
	return PackageDetail{Package: p, Versions: versions, LatestVersion: registry.LatestVersion(numbers)}, nil
}

// GetVersion returns one version. version may be LatestTag.
func (s *Service) GetVersion(ctx context.Context, name, version string) (registry.Package, registry.Version, error) {
	if version == LatestTag {
		detail, err := s.GetPackage(ctx, name)
		if err != nil {
			return registry.Package{}, registry.Version{}, err
		}
		for _, v := range detail.Versions {
			if v.Version == detail.LatestVersion {
				return detail.Package, v, nil
			}
		}
		return registry.Package{}, registry.Version{}, apperror.New(apperror.KindVersionNotFound, "package %q has no versions", name)
	}

	p, err := s.store.FindPackage(ctx, name)
	if err != nil {
		return registry.Package{}, registry.Version{}, err
	}
	v, err := s.store.FindVersion(ctx, p.ID, version)
	if err != nil {
		return registry.Package{}, registry.Version{}, err
	}
	return p, v, nil
}

// Stats returns registry-wide counters.
func (s *Service) Stats(ctx context.Context) (registry.Stats, error) {
	return s.store.Stats(ctx)
}

// Download resolves file ("<version>.tar.gz") of package name, opens it or
// presigns a link, and counts the download.
func (s *Service) Download(ctx context.Context, name, file string) (Download, error) {
	if !strings.HasSuffix(file, archiveSuffix) || len(file) == len(archiveSuffix) {
		return Download{}, apperror.New(apperror.KindVersionNotFound, "%q is not a package archive", file)
	}
	p, v, err := s.GetVersion(ctx, name, strings.TrimSuffix(file, archiveSuffix))
	if err != nil {
		return Download{}, err
	}

	d := Download{Package: p, Version: v, Filename: p.Name + "-" + v.Version + archiveSuffix}

	if s.cfg.PresignDownloads {
		u, err := s.blobs.PresignedURL(ctx, v.StorageKey, d.Filename, s.cfg.PresignTTL)
		switch {
		case err == nil:
			d.RedirectURL = u
		case errors.Is(err, blobstore.ErrPresignUnsupported):
		default:
			return Download{}, apperror.Wrap(apperror.KindInternal, err, "presign %s", v.StorageKey)
		}
	}

	if d.RedirectURL == nil {
		body, size, err := s.blobs.Open(ctx, v.StorageKey)
		if err != nil {
			if errors.Is(err, blobstore.ErrObjectNotFound) {
				zap.L().Error("committed version has no archive",
					zap.String("package", p.Name),
					zap.String("version", v.Version),
					zap.String("storage_key", v.StorageKey),
				)
			}
			return Download{}, apperror.Wrap(apperror.KindInternal, err, "open archive %s", v.StorageKey)
		}
		d.Body, d.Size = body, size
	}

	if err := s.store.RecordDownload(ctx, p.ID, v.Version); err != nil {
		// a lost count must not fail the download
		zap.L().Warn("record download failed",
			zap.String("package", p.Name),
			zap.String("version", v.Version),
			zap.Error(err),
		)
	} else {
		metrics.ObserveDownload()
	}
	return d, nil
}
