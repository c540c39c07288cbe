package library

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/amillerrr/vidshrink/internal/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// UploadAPI is the subset of manager.Uploader used by S3Index.
type UploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Index is an Index backed by an S3 bucket.
type S3Index struct {
	uploader UploadAPI
	bucket   string
	prefix   string
	log      *slog.Logger
}

// NewS3Index creates an S3Index storing objects under prefix in bucket.
func NewS3Index(uploader UploadAPI, bucket, prefix string, log *slog.Logger) *S3Index {
	if log == nil {
		log = logger.Discard()
	}
	return &S3Index{uploader: uploader, bucket: bucket, prefix: prefix, log: log}
}

// Register uploads path and returns its s3:// location.
func (s *S3Index) Register(ctx context.Context, p string) (string, error) {
	ctx, span := tracer.Start(ctx, "library-register")
	defer span.End()

	f, err := os.Open(p)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()

	key := path.Join(s.prefix, filepath.Base(p))
	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("video/mp4"),
	}); err != nil {
		return "", fmt.Errorf("failed to upload object %s to bucket %s: %w", key, s.bucket, err)
	}

	location := fmt.Sprintf("s3://%s/%s", s.bucket, key)
	logger.Info(ctx, s.log, "Registered with library", "location", location)
	return location, nil
}
