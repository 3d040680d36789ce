// Package blobstore persists package archives under deterministic keys and
// computes their content checksums while writing.
package blobstore

import (
	"context"
	// go-digest needs the hash implementation linked in.
	_ "crypto/sha256"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/abduss/oakregistry/internal/apperror"
	"github.com/opencontainers/go-digest"
)

// Result describes archive bytes that are durably stored.
type Result struct {
	Checksum   string
	Size       int64
	StorageKey string
}

// Backend is a storage medium for archive bytes. Put must make the object
// visible at key atomically: readers see either nothing or the full content.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// Presigner is implemented by backends that can hand out time-limited
// download URLs.
type Presigner interface {
	PresignedURL(ctx context.Context, key, filename string, ttl time.Duration) (*url.URL, error)
}

// Writer hashes and persists archives through a Backend.
type Writer struct {
	backend Backend
}

// NewWriter wraps a backend.
func NewWriter(backend Backend) *Writer {
	return &Writer{backend: backend}
}

// Key returns the storage key of a package version archive.
func Key(name, version string) string {
	return name + "/" + version + ".tar.gz"
}

// Store streams r into the backend at Key(name, version) and returns its
// sha256 checksum and length. size may be -1 when unknown. Every failure,
// including context expiry, is reported as a StoreWriteError.
func (w *Writer) Store(ctx context.Context, name, version string, r io.Reader, size int64) (Result, error) {
	key := Key(name, version)
	if err := ValidateKey(key); err != nil {
		return Result{}, apperror.Wrap(apperror.KindStoreWriteError, err, "derive storage key")
	}

	digester := digest.Canonical.Digester()
	counter := &countingReader{r: io.TeeReader(&contextReader{ctx: ctx, r: r}, digester.Hash())}

	if err := w.backend.Put(ctx, key, counter, size); err != nil {
		return Result{}, apperror.Wrap(apperror.KindStoreWriteError, err, "write archive %s", key)
	}
	if size >= 0 && counter.n != size {
		_ = w.backend.Delete(context.WithoutCancel(ctx), key)
		return Result{}, apperror.New(apperror.KindStoreWriteError, "wrote %d of %d bytes for %s", counter.n, size, key)
	}

	return Result{
		Checksum:   digester.Digest().String(),
		Size:       counter.n,
		StorageKey: key,
	}, nil
}

// Open returns the archive stored at key and its length.
func (w *Writer) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := ValidateKey(key); err != nil {
		return nil, 0, err
	}
	return w.backend.Open(ctx, key)
}

// Delete removes the archive at key. Missing objects are not an error.
func (w *Writer) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return w.backend.Delete(ctx, key)
}

// Ping reports whether the backend is reachable.
func (w *Writer) Ping(ctx context.Context) error {
	return w.backend.Ping(ctx)
}

// PresignedURL returns a direct download URL when the backend supports it.
func (w *Writer) PresignedURL(ctx context.Context, key, filename string, ttl time.Duration) (*url.URL, error) {
	p, ok := w.backend.(Presigner)
	if !ok {
		return nil, ErrPresignUnsupported
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return p.PresignedURL(ctx, key, filename, ttl)
}

// Checksum computes the canonical checksum of b.
func Checksum(b []byte) string {
	return digest.FromBytes(b).String()
}

// ValidateKey rejects keys that are absolute or contain empty, "." or ".."
// segments.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.ContainsRune(key, '\\') {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
