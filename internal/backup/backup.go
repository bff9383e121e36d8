// Package backup uploads snapshots of the local store.
package backup

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/bustrack/transitsync/pkg/errors"
)

// Uploader stores a snapshot under key.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
}

// Config configures snapshot uploads. An empty Bucket with a Directory
// set writes snapshots to the local filesystem instead.
type Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	MaxRetries      int    `yaml:"max_retries"`
	Directory       string `yaml:"directory"`
}

// DefaultConfig returns the default backup configuration
func DefaultConfig() Config {
	return Config{
		Region:     "us-east-1",
		Prefix:     "snapshots",
		MaxRetries: 3,
	}
}

// Enabled reports whether a destination is configured.
func (c Config) Enabled() bool {
	return c.Bucket != "" || c.Directory != ""
}

// ObjectKey returns <prefix>/<yyyy>/<mm>/<dd>/store-<xid>.db for at.
func ObjectKey(prefix string, at time.Time) string {
	at = at.UTC()
	name := fmt.Sprintf("store-%s.db", xid.New().String())
	return path.Join(strings.Trim(prefix, "/"), at.Format("2006/01/02"), name)
}

// New returns the uploader selected by cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Uploader, error) {
	switch {
	case cfg.Bucket != "":
		return NewS3Uploader(ctx, cfg, logger)
	case cfg.Directory != "":
		return NewDirUploader(cfg.Directory)
	default:
		return nil, errors.New(errors.CodeInvalidConfig, "backup destination not configured").
			WithDetail("field", "backup.bucket")
	}
}

// PutObjectAPI is the subset of the S3 client used for uploads.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Uploader writes snapshots to an S3 bucket.
type S3Uploader struct {
	client PutObjectAPI
	bucket string
	logger *zap.Logger
}

// NewS3Uploader loads AWS configuration and creates the client. Static
// credentials are used when both keys are set; otherwise the default
// credential chain applies.
func NewS3Uploader(ctx context.Context, cfg Config, logger *zap.Logger) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(max(cfg.MaxRetries, 1)),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return NewS3UploaderWithClient(client, cfg.Bucket, logger), nil
}

// NewS3UploaderWithClient wraps an existing client.
func NewS3UploaderWithClient(client PutObjectAPI, bucket string, logger *zap.Logger) *S3Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Uploader{client: client, bucket: bucket, logger: logger.With(zap.String("bucket", bucket))}
}

// Upload implements Uploader.
func (u *S3Uploader) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return classify(err).WithComponent("backup").WithOperation("upload")
	}

	u.logger.Info("Uploaded snapshot", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (u *S3Uploader) HealthCheck(ctx context.Context) error {
	_, err := u.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(u.bucket)})
	if err != nil {
		return classify(err).WithComponent("backup").WithOperation("head_bucket")
	}
	return nil
}

func classify(err error) *errors.Error {
	var respErr *awshttp.ResponseError
	if stderr.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status >= 500 {
			return errors.ServerError(status, respErr.Error()).WithCause(err)
		}
		return errors.APIError(status, respErr.Error()).WithCause(err)
	}

	var e *errors.Error
	if stderr.As(errors.Classify(err), &e) {
		return e
	}
	return errors.Unknown(err.Error()).WithCause(err)
}

// DirUploader copies snapshots into a local directory.
type DirUploader struct {
	dir string
}

// NewDirUploader creates dir if needed.
func NewDirUploader(dir string) (*DirUploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &DirUploader{dir: dir}, nil
}

// Upload implements Uploader. The file appears atomically under key.
func (u *DirUploader) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dest := filepath.Join(u.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.CacheWrite(key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return errors.CacheWrite(key, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.CacheWrite(key, err)
	}
	if size >= 0 && n != size {
		return errors.CacheWrite(key, fmt.Errorf("short write: %d of %d bytes", n, size))
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return errors.CacheWrite(key, err)
	}
	return nil
}
