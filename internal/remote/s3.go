package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

// checksumMetaKey is the user metadata entry carrying the content checksum.
const checksumMetaKey = "Content-Checksum"

type S3Options struct {
	Endpoint        string
	Region          string
	AccessKey       string
	SecretKey       string
	UseSSL          bool
	TLSInsecureSkip bool
}

// S3 maps each space onto a bucket of the same name.
type S3 struct {
	Client *minio.Client
	Region string
}

func NewS3(opts S3Options) (*S3, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLSInsecureSkip {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:       opts.UseSSL,
		Region:       opts.Region,
		Transport:    transport,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client for %s: %w", opts.Endpoint, err)
	}
	return &S3{Client: client, Region: opts.Region}, nil
}

func (s *S3) Put(ctx context.Context, spaceID, contentID string, r io.Reader, size int64, contentType, checksum string) error {
	exists, err := s.Client.BucketExists(ctx, spaceID)
	if err != nil {
		return fmt.Errorf("check space %s: %w", spaceID, err)
	}
	if !exists {
		if err := s.Client.MakeBucket(ctx, spaceID, minio.MakeBucketOptions{Region: s.Region}); err != nil {
			return fmt.Errorf("create space %s: %w", spaceID, err)
		}
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	if checksum != "" {
		opts.UserMetadata = map[string]string{checksumMetaKey: checksum}
	}
	if _, err := s.Client.PutObject(ctx, spaceID, contentID, r, size, opts); err != nil {
		return fmt.Errorf("put %s/%s: %w", spaceID, contentID, err)
	}
	return nil
}

func (s *S3) List(ctx context.Context, spaceID string) ([]ObjectInfo, error) {
	ch := s.Client.ListObjects(ctx, spaceID, minio.ListObjectsOptions{Recursive: true, WithMetadata: true})
	infos := []ObjectInfo{}
	for obj := range ch {
		if obj.Err != nil {
			if minio.ToErrorResponse(obj.Err).Code == "NoSuchBucket" {
				return []ObjectInfo{}, nil
			}
			return nil, fmt.Errorf("list space %s: %w", spaceID, obj.Err)
		}
		infos = append(infos, ObjectInfo{
			ContentID: obj.Key,
			Checksum:  objectChecksum(obj.UserMetadata, obj.ETag),
			Size:      obj.Size,
			Modified:  obj.LastModified,
		})
	}
	return infos, nil
}

// CleanupSnapshot puts a one-day expiration rule on the bucket; the
// backend drains it and a later finalize sweep observes the empty space.
func (s *S3) CleanupSnapshot(ctx context.Context, spaceID string) (TaskResult, error) {
	cfg := lifecycle.NewConfiguration()
	cfg.Rules = []lifecycle.Rule{{
		ID:         "expire-snapshot-content",
		Status:     "Enabled",
		Expiration: lifecycle.Expiration{Days: 1},
	}}
	if err := s.Client.SetBucketLifecycle(ctx, spaceID, cfg); err != nil {
		return TaskResult{}, fmt.Errorf("cleanup space %s: %w", spaceID, err)
	}
	return TaskResult{Task: TaskCleanupSnapshot, SpaceID: spaceID, Result: "expiration rule set"}, nil
}

func (s *S3) CompleteSnapshot(ctx context.Context, spaceID string) (TaskResult, error) {
	if err := s.Client.RemoveBucket(ctx, spaceID); err != nil {
		if minio.ToErrorResponse(err).Code != "NoSuchBucket" {
			return TaskResult{}, fmt.Errorf("complete space %s: %w", spaceID, err)
		}
	}
	return TaskResult{Task: TaskCompleteSnapshot, SpaceID: spaceID, Result: "space removed"}, nil
}

// objectChecksum prefers the stored checksum metadata and falls back to the
// ETag, which is the MD5 of single-part uploads.
func objectChecksum(meta map[string]string, etag string) string {
	for k, v := range meta {
		name := strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		if name == strings.ToLower(checksumMetaKey) {
			return v
		}
	}
	return strings.Trim(etag, `"`)
}
