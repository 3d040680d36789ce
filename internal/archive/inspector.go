// Package archive extracts uploaded package tarballs into per-request scratch
// directories and locates the package manifest inside them.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/abduss/oakregistry/internal/apperror"
	"github.com/klauspost/compress/gzip"
)

const (
	defaultManifestName = "oaklibs.json"
	maxManifestBytes    = 1 << 20
)

var errStreamTooLarge = errors.New("compressed stream exceeds ceiling")

// Options bounds a single extraction.
type Options struct {
	// ScratchRoot is the parent of every per-request extraction directory.
	ScratchRoot       string
	MaxArchiveBytes   int64
	MaxExtractedBytes int64
	MaxEntries        int
	ManifestName      string
}

// Inspector unpacks gzip-compressed tar streams with strict entry validation.
type Inspector struct {
	opts Options
}

// NewInspector returns an Inspector. Zero limits disable the matching check.
func NewInspector(opts Options) *Inspector {
	if opts.ManifestName == "" {
		opts.ManifestName = defaultManifestName
	}
	return &Inspector{opts: opts}
}

// Extraction is the result of a successful Extract. The caller owns Dir and
// must call Cleanup on every exit path.
type Extraction struct {
	// Dir is the uniquely named scratch directory holding the extracted tree.
	Dir string
	// Root is Dir, or its single top-level subdirectory.
	Root string
	// ManifestPath is the absolute path of the manifest file under Root.
	ManifestPath string
	Entries      int
	Bytes        int64
}

// ReadManifest returns the manifest file contents.
func (x *Extraction) ReadManifest() ([]byte, error) {
	f, err := os.Open(x.ManifestPath)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindManifestNotFound, err, "manifest could not be opened")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxManifestBytes+1))
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, err, "read manifest")
	}
	if len(data) > maxManifestBytes {
		return nil, apperror.New(apperror.KindManifestParseError, "manifest exceeds %d bytes", maxManifestBytes)
	}
	return data, nil
}

// Cleanup removes the scratch directory. It is safe to call more than once and
// on a nil Extraction.
func (x *Extraction) Cleanup() error {
	if x == nil || x.Dir == "" {
		return nil
	}
	return os.RemoveAll(x.Dir)
}

// Extract unpacks r into a fresh scratch directory and resolves the manifest.
// On failure nothing is left behind under ScratchRoot.
func (i *Inspector) Extract(ctx context.Context, r io.Reader) (*Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperror.Wrap(apperror.KindArchiveExtractionFailed, err, "extraction cancelled")
	}

	dir, err := os.MkdirTemp(i.opts.ScratchRoot, "extract-*")
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, err, "allocate scratch directory")
	}
	x := &Extraction{Dir: dir}

	if err := i.unpack(ctx, r, x); err != nil {
		_ = x.Cleanup()
		return nil, err
	}
	if err := i.resolveManifest(x); err != nil {
		_ = x.Cleanup()
		return nil, err
	}
	return x, nil
}

func (i *Inspector) unpack(ctx context.Context, r io.Reader, x *Extraction) error {
	src := &guardedReader{ctx: ctx, r: r, limit: i.opts.MaxArchiveBytes}

	gz, err := gzip.NewReader(src)
	if err != nil {
		return classify(ctx, err, apperror.KindArchiveFormatInvalid, "archive is not gzip-compressed")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for first := true; ; first = false {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			kind := apperror.KindArchiveExtractionFailed
			if first {
				kind = apperror.KindArchiveFormatInvalid
			}
			return classify(ctx, err, kind, "archive is not a readable tar stream")
		}

		x.Entries++
		if i.opts.MaxEntries > 0 && x.Entries > i.opts.MaxEntries {
			return apperror.New(apperror.KindArchiveExtractionFailed, "archive has more than %d entries", i.opts.MaxEntries)
		}

		if err := i.writeEntry(ctx, tr, hdr, x); err != nil {
			return err
		}
	}
}

func (i *Inspector) writeEntry(ctx context.Context, tr *tar.Reader, hdr *tar.Header, x *Extraction) error {
	switch hdr.Typeflag {
	case tar.TypeXGlobalHeader:
		return nil
	case tar.TypeDir, tar.TypeReg:
	case tar.TypeSymlink, tar.TypeLink:
		return apperror.New(apperror.KindArchiveExtractionFailed, "archive entry %q is a link", hdr.Name)
	default:
		return apperror.New(apperror.KindArchiveExtractionFailed, "archive entry %q has unsupported type", hdr.Name)
	}

	target, err := safeJoin(x.Dir, hdr.Name)
	if err != nil {
		return err
	}
	if target == x.Dir {
		if hdr.Typeflag == tar.TypeDir {
			return nil
		}
		return apperror.New(apperror.KindArchiveExtractionFailed, "archive entry %q has no name", hdr.Name)
	}

	if hdr.Typeflag == tar.TypeDir {
		if err := os.MkdirAll(target, 0o750); err != nil {
			return apperror.Wrap(apperror.KindArchiveExtractionFailed, err, "create directory entry")
		}
		return nil
	}

	if hdr.Size < 0 {
		return apperror.New(apperror.KindArchiveExtractionFailed, "archive entry %q has negative size", hdr.Name)
	}
	x.Bytes += hdr.Size
	if i.opts.MaxExtractedBytes > 0 && x.Bytes > i.opts.MaxExtractedBytes {
		return apperror.New(apperror.KindArchiveTooLarge, "extracted contents exceed %d bytes", i.opts.MaxExtractedBytes)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return apperror.Wrap(apperror.KindArchiveExtractionFailed, err, "create parent directory")
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return apperror.Wrap(apperror.KindArchiveExtractionFailed, err, "create file entry")
	}
	if _, err := io.CopyN(out, tr, hdr.Size); err != nil {
		_ = out.Close()
		return classify(ctx, err, apperror.KindArchiveExtractionFailed, "archive entry %q is truncated or corrupt", hdr.Name)
	}
	if err := out.Close(); err != nil {
		return apperror.Wrap(apperror.KindArchiveExtractionFailed, err, "close file entry")
	}
	return nil
}

func (i *Inspector) resolveManifest(x *Extraction) error {
	entries, err := os.ReadDir(x.Dir)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, err, "list scratch directory")
	}

	x.Root = x.Dir
	if len(entries) == 1 && entries[0].IsDir() {
		x.Root = filepath.Join(x.Dir, entries[0].Name())
	}

	manifest := filepath.Join(x.Root, i.opts.ManifestName)
	info, err := os.Lstat(manifest)
	if err != nil || !info.Mode().IsRegular() {
		return apperror.New(apperror.KindManifestNotFound, "%s not found in archive", i.opts.ManifestName)
	}
	x.ManifestPath = manifest
	return nil
}

// safeJoin validates a tar entry name and maps it under base. Absolute names
// and names with any ".." segment are rejected outright, before anything is
// written for them.
func safeJoin(base, name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", apperror.New(apperror.KindArchiveExtractionFailed, "archive entry has an empty name")
	}
	if strings.ContainsRune(trimmed, 0) {
		return "", apperror.New(apperror.KindArchiveExtractionFailed, "archive entry name contains NUL")
	}
	if path.IsAbs(trimmed) || filepath.IsAbs(trimmed) || strings.HasPrefix(trimmed, `\`) || filepath.VolumeName(trimmed) != "" {
		return "", apperror.New(apperror.KindArchiveExtractionFailed, "archive entry %q is an absolute path", name)
	}
	for _, seg := range strings.FieldsFunc(trimmed, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", apperror.New(apperror.KindArchiveExtractionFailed, "archive entry %q escapes the archive root", name)
		}
	}

	target := filepath.Join(base, filepath.FromSlash(path.Clean(trimmed)))
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", apperror.New(apperror.KindArchiveExtractionFailed, "archive entry %q escapes the archive root", name)
	}
	return target, nil
}

// classify maps a read error to a kind, letting size and deadline failures
// take precedence over the caller's default.
func classify(ctx context.Context, err error, kind apperror.Kind, format string, args ...any) error {
	switch {
	case errors.Is(err, errStreamTooLarge):
		return apperror.Wrap(apperror.KindArchiveTooLarge, err, "archive is larger than the upload limit")
	case ctx.Err() != nil:
		return apperror.Wrap(apperror.KindArchiveExtractionFailed, ctx.Err(), "extraction did not finish in time")
	}
	return apperror.Wrap(kind, err, format, args...)
}

// guardedReader fails reads once the context is done or more than limit
// bytes have been consumed.
type guardedReader struct {
	ctx   context.Context
	r     io.Reader
	limit int64
	n     int64
}

func (g *guardedReader) Read(p []byte) (int, error) {
	if err := g.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := g.r.Read(p)
	g.n += int64(n)
	if g.limit > 0 && g.n > g.limit {
		return n, fmt.Errorf("%w: read %d bytes", errStreamTooLarge, g.n)
	}
	return n, err
}
