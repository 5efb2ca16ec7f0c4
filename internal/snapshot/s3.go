package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const versionMetaKey = "Snapshot-Version"

// S3Config configures the S3-compatible snapshot store
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Store keeps the latest snapshot of each conversation as one object,
// with its version in object metadata. Writes are conditional on the ETag
// read during the version check, so a concurrent writer makes the loser stale.
type S3Store struct {
	client     *minio.Client
	bucketName string
	region     string

	bucketMu    sync.Mutex
	bucketReady bool
}

// NewS3Store creates a store for an S3-compatible endpoint such as MinIO
func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init s3 client: %w", err)
	}

	return &S3Store{
		client:     client,
		bucketName: bucket,
		region:     region,
	}, nil
}

// ensureBucket creates the bucket on first use. Failures are retried on the next call.
func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if s.bucketReady {
		return nil
	}

	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return err
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region}); err != nil {
			code := minio.ToErrorResponse(err).Code
			if code != "BucketAlreadyOwnedByYou" && code != "BucketAlreadyExists" {
				return err
			}
		}
	}
	s.bucketReady = true
	return nil
}

// PutSnapshot writes the object unless the stored version is equal or newer
func (s *S3Store) PutSnapshot(ctx context.Context, conversationID string, version int64, blob []byte) error {
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("%w: ensure bucket: %v", ErrPersistenceFailure, err)
	}

	key := objectKey(conversationID)
	current, etag, err := s.storedVersion(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	if current >= version {
		return ErrStaleVersion
	}

	opts := minio.PutObjectOptions{
		ContentType:  "application/json",
		UserMetadata: map[string]string{versionMetaKey: strconv.FormatInt(version, 10)},
	}
	if etag == "" {
		opts.SetMatchETagExcept("*")
	} else {
		opts.SetMatchETag(etag)
	}

	_, err = s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(blob), int64(len(blob)), opts)
	if err != nil {
		if lostRace(err) {
			return ErrStaleVersion
		}
		return fmt.Errorf("%w: put object: %v", ErrPersistenceFailure, err)
	}
	return nil
}

// GetLatestSnapshot reads the object or returns ErrNotFound
func (s *S3Store) GetLatestSnapshot(ctx context.Context, conversationID string) ([]byte, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	obj, err := s.client.GetObject(ctx, s.bucketName, objectKey(conversationID), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isMissing(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Version returns the stored version without downloading the object
func (s *S3Store) Version(ctx context.Context, conversationID string) (int64, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return 0, fmt.Errorf("ensure bucket: %w", err)
	}
	version, _, err := s.storedVersion(ctx, objectKey(conversationID))
	if err != nil {
		return 0, err
	}
	if version < 0 {
		return 0, ErrNotFound
	}
	return version, nil
}

// Ping checks that the bucket is reachable
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucketName)
	return err
}

// storedVersion returns the version recorded on the current object and its
// ETag; the version is -1 and the ETag empty when the object is absent
func (s *S3Store) storedVersion(ctx context.Context, key string) (int64, string, error) {
	info, err := s.client.StatObject(ctx, s.bucketName, key, minio.StatObjectOptions{})
	if err != nil {
		if isMissing(err) {
			return -1, "", nil
		}
		return 0, "", fmt.Errorf("stat object: %w", err)
	}
	version, err := metadataVersion(info.UserMetadata)
	if err != nil {
		return 0, "", err
	}
	return version, info.ETag, nil
}

// metadataVersion reads the snapshot version from object metadata, -1 when unset
func metadataVersion(meta map[string]string) (int64, error) {
	for k, v := range meta {
		if strings.EqualFold(strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-"), versionMetaKey) {
			version, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid %s metadata %q: %w", versionMetaKey, v, err)
			}
			return version, nil
		}
	}
	return -1, nil
}

func isMissing(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == minio.NoSuchKey || code == minio.NoSuchBucket
}

// lostRace reports a conditional write rejected because another writer got there first
func lostRace(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == minio.PreconditionFailed || resp.Code == minio.Conflict ||
		resp.StatusCode == http.StatusPreconditionFailed
}

func objectKey(conversationID string) string {
	return "conversations/" + strings.TrimSpace(conversationID) + "/latest.json"
}
