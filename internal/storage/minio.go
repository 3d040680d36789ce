package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/abduss/oakregistry/internal/blobstore"
	"github.com/abduss/oakregistry/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"go.uber.org/zap"
)

const (
	defaultObjectStoreTimeout = 5 * time.Second

	// StagingRuleID names the lifecycle rule that expires abandoned uploads.
	StagingRuleID     = "oakregistry-expire-staging"
	stagingExpiryDays = 1
)

// bucketAdmin is the part of minio.Client used to prepare the package bucket.
type bucketAdmin interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	GetBucketLifecycle(ctx context.Context, bucketName string) (*lifecycle.Configuration, error)
	SetBucketLifecycle(ctx context.Context, bucketName string, cfg *lifecycle.Configuration) error
}

// NewMinIOClient connects to the archive object store. The endpoint is either
// host[:port] or an http(s) URL whose scheme overrides UseSSL.
func NewMinIOClient(cfg config.MinIOConfig) (*minio.Client, error) {
	host, secure, err := minioEndpoint(cfg)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return client, nil
}

func minioEndpoint(cfg config.MinIOConfig) (string, bool, error) {
	host := strings.TrimSpace(cfg.Endpoint)
	secure := cfg.UseSSL

	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return "", false, fmt.Errorf("parse minio endpoint: %w", err)
		}
		switch u.Scheme {
		case "https":
			secure = true
		case "http":
			secure = false
		default:
			return "", false, fmt.Errorf("minio endpoint scheme %q is not http or https", u.Scheme)
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("minio endpoint %q must not contain a path", cfg.Endpoint)
		}
		host = u.Host
	}
	if host == "" {
		return "", false, errors.New("minio endpoint is empty")
	}

	if _, _, err := net.SplitHostPort(host); err != nil {
		port := "9000"
		if secure {
			port = "443"
		}
		host = net.JoinHostPort(strings.Trim(host, "[]"), port)
	}
	return host, secure, nil
}

// EnsureBucket creates the package bucket when missing and installs a
// lifecycle rule expiring staged uploads that were never copied into place.
// Stores without lifecycle support are tolerated with a warning.
func EnsureBucket(ctx context.Context, client bucketAdmin, cfg config.MinIOConfig) error {
	ctx, cancel := context.WithTimeout(ctx, defaultObjectStoreTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
		zap.L().Info("created package bucket", zap.String("bucket", cfg.Bucket))
	}

	if err := ensureStagingRule(ctx, client, cfg.Bucket); err != nil {
		if code := minio.ToErrorResponse(err).Code; code == "NotImplemented" || code == "NotSupported" {
			zap.L().Warn("object store has no lifecycle support; staged uploads are not expired",
				zap.String("bucket", cfg.Bucket))
			return nil
		}
		return fmt.Errorf("configure bucket lifecycle: %w", err)
	}
	return nil
}

func ensureStagingRule(ctx context.Context, client bucketAdmin, bucket string) error {
	current, err := client.GetBucketLifecycle(ctx, bucket)
	if err != nil {
		if minio.ToErrorResponse(err).Code != "NoSuchLifecycleConfiguration" {
			return err
		}
	}
	if current == nil {
		current = lifecycle.NewConfiguration()
	}
	for _, rule := range current.Rules {
		if rule.ID == StagingRuleID {
			return nil
		}
	}

	current.Rules = append(current.Rules, lifecycle.Rule{
		ID:         StagingRuleID,
		Status:     "Enabled",
		RuleFilter: lifecycle.Filter{Prefix: blobstore.StagingPrefix},
		Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(stagingExpiryDays)},
		AbortIncompleteMultipartUpload: lifecycle.AbortIncompleteMultipartUpload{
			DaysAfterInitiation: lifecycle.ExpirationDays(stagingExpiryDays),
		},
	})
	return client.SetBucketLifecycle(ctx, bucket, current)
}
