package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/opencontainers/go-digest"
)

// S3Storage implements BlobStore for AWS S3 or S3-compatible storage
type S3Storage struct {
	client        *s3.Client
	bucket        string
	presignClient *s3.PresignClient
	tempDir       string
}

// S3Config contains configuration for S3 storage
type S3Config struct {
	Region         string
	Bucket         string
	Endpoint       string        // Optional: for MinIO or custom S3 endpoints
	AccessKey      string        // Optional: leave empty to use IAM role
	SecretKey      string        // Optional: leave empty to use IAM role
	ForcePathStyle bool          // Required for MinIO compatibility
	Timeout        time.Duration // HTTP client timeout per request
	TempDir        string        // Spool directory for unseekable bodies
}

// NewS3Storage creates a new S3 storage client
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(timeout)),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Storage{
		client:        client,
		bucket:        cfg.Bucket,
		presignClient: s3.NewPresignClient(client),
		tempDir:       cfg.TempDir,
	}, nil
}

// Put uploads a blob. The body is digested before the request is sent so a
// mismatch never reaches the bucket, and the digest is also sent as
// ChecksumSHA256 so the backend verifies what it received.
func (s *S3Storage) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) error {
	if _, err := CanonicalizeKey(key); err != nil {
		return err
	}

	body, size, sum, cleanup, err := s.prepareBody(ctx, r)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := verifyContent(sum, size, opts); err != nil {
		return err
	}

	checksum, err := checksumBase64(sum)
	if err != nil {
		return err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = ArchiveContentType
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		Body:              body,
		ContentLength:     aws.Int64(size),
		ContentType:       aws.String(contentType),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(checksum),
	})
	if err != nil {
		if isChecksumError(err) {
			return fmt.Errorf("%w: backend rejected %s: %v", ErrDigestMismatch, key, err)
		}
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}

	return nil
}

// prepareBody returns a seekable body with its size and digest. Seekable
// readers are hashed in place and rewound; anything else is spooled to a
// temp file while hashing.
func (s *S3Storage) prepareBody(ctx context.Context, r io.Reader) (io.ReadSeeker, int64, digest.Digest, func(), error) {
	noop := func() {}

	if rs, ok := r.(io.ReadSeeker); ok {
		start, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, 0, "", noop, fmt.Errorf("failed to seek body: %w", err)
		}
		sum, n, err := DigestReader(readerWithContext(ctx, rs))
		if err != nil {
			return nil, 0, "", noop, fmt.Errorf("failed to digest body: %w", err)
		}
		if _, err := rs.Seek(start, io.SeekStart); err != nil {
			return nil, 0, "", noop, fmt.Errorf("failed to rewind body: %w", err)
		}
		return rs, n, sum, noop, nil
	}

	spool, err := os.CreateTemp(s.tempDir, "pubreg-s3-*")
	if err != nil {
		return nil, 0, "", noop, fmt.Errorf("failed to create spool file: %w", err)
	}
	cleanup := func() {
		spool.Close()
		os.Remove(spool.Name())
	}

	c := newCountingDigester()
	if _, err := io.Copy(io.MultiWriter(spool, c), readerWithContext(ctx, r)); err != nil {
		cleanup()
		return nil, 0, "", noop, fmt.Errorf("failed to spool body: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, "", noop, fmt.Errorf("failed to rewind spool file: %w", err)
	}

	return spool, c.n, c.digester.Digest(), cleanup, nil
}

// Get downloads a blob from S3
func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if _, err := CanonicalizeKey(key); err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to download object %s: %w", key, err)
	}

	return result.Body, nil
}

// Exists checks if a blob exists in S3
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	if _, err := CanonicalizeKey(key); err != nil {
		return false, err
	}

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence %s: %w", key, err)
	}

	return true, nil
}

// Delete removes a blob from S3
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	if _, err := CanonicalizeKey(key); err != nil {
		return err
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}

	return nil
}

// SignedURL generates a presigned GET URL
func (s *S3Storage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := CanonicalizeKey(key); err != nil {
		return "", err
	}

	request, err := s.presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = ttl
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL for %s: %w", key, err)
	}

	return request.URL, nil
}

// EnsureReady checks that the bucket exists and is reachable
func (s *S3Storage) EnsureReady(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %s is not reachable: %w", s.bucket, err)
	}
	return nil
}

// List lists blob keys with a given prefix
func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	prefix, err := canonicalPrefix(prefix)
	if err != nil {
		return nil, err
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects with prefix %s: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	return keys, nil
}

// Kind returns "s3"
func (s *S3Storage) Kind() string {
	return "s3"
}

// Close closes any open connections (S3 client doesn't require explicit closing)
func (s *S3Storage) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}

func isChecksumError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "BadDigest", "InvalidDigest", "XAmzContentChecksumMismatch", "XAmzContentSHA256Mismatch":
			return true
		}
	}
	return false
}

var _ BlobStore = (*S3Storage)(nil)
