package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiverConfig holds configuration for the S3 audit archiver.
type ArchiverConfig struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // optional, for S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
	Logger          *slog.Logger
}

// S3Archiver uploads audit exports to object storage.
type S3Archiver struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	logger  *slog.Logger
	timeNow func() time.Time
}

// NewS3Archiver creates an archiver with a static-credential S3 client.
func NewS3Archiver(cfg ArchiverConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("access key ID and secret are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}

	return NewS3ArchiverWithClient(s3.New(opts), cfg.Bucket, cfg.Prefix, cfg.Logger), nil
}

// NewS3ArchiverWithClient wires an existing client, used by tests.
func NewS3ArchiverWithClient(client ObjectPutter, bucket, prefix string, logger *slog.Logger) *S3Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Archiver{
		client:  client,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
		logger:  logger,
		timeNow: time.Now,
	}
}

// ObjectKey returns the key an export taken at t is stored under.
func (a *S3Archiver) ObjectKey(format ExportFormat, t time.Time) string {
	name := fmt.Sprintf("audit-%s.%s", t.UTC().Format("20060102T150405Z"), format)
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}

// Archive exports entries matching opts and uploads them. Returns the key.
func (a *S3Archiver) Archive(ctx context.Context, repo Repository, opts ExportOptions) (string, error) {
	data, err := Export(ctx, repo, opts)
	if err != nil {
		return "", err
	}

	contentType := "application/json"
	if opts.Format == ExportFormatCSV {
		contentType = "text/csv"
	}
	key := a.ObjectKey(opts.Format, a.timeNow())

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload audit export: %w", err)
	}

	a.logger.Info("audit export archived",
		"bucket", a.bucket,
		"key", key,
		"bytes", len(data))
	return key, nil
}
