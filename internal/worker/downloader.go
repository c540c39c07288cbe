package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vidshrink/pkg/models"
)

// S3GetAPI is the subset of the S3 client used to fetch sources.
type S3GetAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Downloader handles downloading source videos from S3.
type Downloader struct {
	s3Client S3GetAPI
	log      *slog.Logger
}

// NewDownloader creates a new Downloader.
func NewDownloader(s3Client S3GetAPI, log *slog.Logger) *Downloader {
	return &Downloader{
		s3Client: s3Client,
		log:      log,
	}
}

// Download fetches the job's source into dir and returns the local path and
// size.
func (d *Downloader) Download(ctx context.Context, job *models.CompressJob, dir string) (string, int64, error) {
	ctx, span := tracer.Start(ctx, "download-source")
	defer span.End()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create work directory: %w", err)
	}

	ext := filepath.Ext(job.S3Key)
	tmpFile, err := os.CreateTemp(dir, fmt.Sprintf("source-*%s", ext))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	result, err := d.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(job.Bucket),
		Key:    aws.String(job.S3Key),
	})
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	written, err := io.Copy(tmpFile, result.Body)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to write file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	span.SetAttributes(attribute.Int64("source.size_bytes", written))
	d.log.InfoContext(ctx, "Downloaded source",
		"jobId", job.JobID,
		"sizeBytes", written,
	)

	return tmpPath, written, nil
}

// CleanupDir removes a directory and all its contents.
func (d *Downloader) CleanupDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		d.log.Warn("Failed to remove directory", "path", path, "error", err)
	}
}
