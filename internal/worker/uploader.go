package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
)

// UploadAPI is the subset of manager.Uploader used for results.
type UploadAPI interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Uploader handles uploading compressed results to S3.
type Uploader struct {
	uploader UploadAPI
	bucket   string
	log      *slog.Logger
}

// NewUploader creates a new Uploader.
func NewUploader(uploader UploadAPI, bucket string, log *slog.Logger) *Uploader {
	return &Uploader{
		uploader: uploader,
		bucket:   bucket,
		log:      log,
	}
}

// ResultKey is the object key of a job's compressed result.
func ResultKey(jobID string) string {
	return fmt.Sprintf("results/%s.mp4", jobID)
}

// Upload stores the file at path as the result of jobID and returns its key
// and size.
func (u *Uploader) Upload(ctx context.Context, jobID, path string) (string, int64, error) {
	ctx, span := tracer.Start(ctx, "upload-result")
	defer span.End()

	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open result %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat result: %w", err)
	}

	key := ResultKey(jobID)
	if _, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String("video/mp4"),
	}); err != nil {
		return "", 0, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	span.SetAttributes(
		attribute.String("result.key", key),
		attribute.Int64("result.bytes", info.Size()),
	)
	u.log.InfoContext(ctx, "Result upload complete",
		"jobId", jobID,
		"key", key,
		"totalBytes", info.Size(),
	)

	return key, info.Size(), nil
}
