package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
)

const archiveContentType = "application/gzip"

// StagingPrefix holds uploads until they are copied to their final key.
const StagingPrefix = "tmp/"

type objectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// MinIOClient adapts minio.Client to the objectStore interface.
type MinIOClient struct {
	client *minio.Client
}

// NewMinIOClient constructs an adapter.
func NewMinIOClient(client *minio.Client) *MinIOClient {
	return &MinIOClient{client: client}
}

func (s *MinIOClient) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return s.client.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}

func (s *MinIOClient) CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	return s.client.CopyObject(ctx, dst, src)
}

func (s *MinIOClient) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	return s.client.GetObject(ctx, bucketName, objectName, opts)
}

func (s *MinIOClient) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return s.client.StatObject(ctx, bucketName, objectName, opts)
}

func (s *MinIOClient) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	return s.client.RemoveObject(ctx, bucketName, objectName, opts)
}

func (s *MinIOClient) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return s.client.BucketExists(ctx, bucketName)
}

func (s *MinIOClient) PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error) {
	return s.client.PresignedGetObject(ctx, bucketName, objectName, expires, reqParams)
}

// MinIOBackend stores archives as objects in a single bucket. Uploads land
// under StagingPrefix and are server-side copied to their final key.
type MinIOBackend struct {
	store  objectStore
	bucket string
}

// NewMinIOBackend returns a backend writing to bucket.
func NewMinIOBackend(store objectStore, bucket string) *MinIOBackend {
	return &MinIOBackend{store: store, bucket: bucket}
}

func (b *MinIOBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	tmpKey := StagingPrefix + uuid.NewString()

	if _, err := b.store.PutObject(ctx, b.bucket, tmpKey, r, size, minio.PutObjectOptions{
		ContentType: archiveContentType,
	}); err != nil {
		b.removeQuietly(ctx, tmpKey)
		return fmt.Errorf("upload temp object: %w", err)
	}

	_, err := b.store.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: b.bucket, Object: key},
		minio.CopySrcOptions{Bucket: b.bucket, Object: tmpKey},
	)
	b.removeQuietly(ctx, tmpKey)
	if err != nil {
		return fmt.Errorf("copy object into place: %w", err)
	}
	return nil
}

func (b *MinIOBackend) removeQuietly(ctx context.Context, key string) {
	_ = b.store.RemoveObject(context.WithoutCancel(ctx), b.bucket, key, minio.RemoveObjectOptions{})
}

func (b *MinIOBackend) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	info, err := b.store.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrObjectNotFound
		}
		return nil, 0, fmt.Errorf("stat object: %w", err)
	}
	obj, err := b.store.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get object: %w", err)
	}
	return obj, info.Size, nil
}

func (b *MinIOBackend) Delete(ctx context.Context, key string) error {
	if err := b.store.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (b *MinIOBackend) Ping(ctx context.Context) error {
	exists, err := b.store.BucketExists(ctx, b.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket %q does not exist", b.bucket)
	}
	return nil
}

// PresignedURL returns a GET URL that downloads the object as filename.
func (b *MinIOBackend) PresignedURL(ctx context.Context, key, filename string, ttl time.Duration) (*url.URL, error) {
	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	u, err := b.store.PresignedGetObject(ctx, b.bucket, key, ttl, params)
	if err != nil {
		return nil, fmt.Errorf("presign object: %w", err)
	}
	return u, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}
