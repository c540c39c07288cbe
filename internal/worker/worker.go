package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vidshrink/internal/compressor"
	"github.com/amillerrr/vidshrink/internal/config"
	"github.com/amillerrr/vidshrink/internal/media"
	"github.com/amillerrr/vidshrink/internal/metrics"
	"github.com/amillerrr/vidshrink/internal/storage"
	"github.com/amillerrr/vidshrink/pkg/models"
)

// SQS configuration constants
const (
	SQSMaxMessages       = 1
	SQSWaitTimeSeconds   = 20
	SQSVisibilityTimeout = 900 // 15 minutes
	RetryBackoffPeriod   = 5 * time.Second
)

var tracer = otel.Tracer("vidshrink-worker")

// SQSAPI is the subset of the SQS client used by the worker.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// JobStore is the subset of storage.JobRepository used by the worker.
type JobStore interface {
	MarkProcessing(ctx context.Context, jobID string, sourceSize int64) error
	UpdateProgress(ctx context.Context, jobID string, percent float64) error
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)
	CompleteJob(ctx context.Context, jobID string, c storage.Completion) error
	SkipJob(ctx context.Context, jobID, sourceKey, reason string) error
	FailJob(ctx context.Context, jobID string, status models.JobStatus, category, errorMessage string) error
}

// Worker handles compression jobs from SQS.
type Worker struct {
	sqsClient  SQSAPI
	jobs       JobStore
	compressor *compressor.Compressor
	downloader *Downloader
	uploader   *Uploader
	cfg        *config.Config
	log        *slog.Logger
}

// Config holds worker dependencies.
type Config struct {
	S3Client   S3GetAPI
	Uploader   UploadAPI
	SQSClient  SQSAPI
	Jobs       JobStore
	Compressor *compressor.Compressor
	AppConfig  *config.Config
	Logger     *slog.Logger
}

// New creates a new Worker with the given configuration.
func New(cfg *Config) *Worker {
	return &Worker{
		sqsClient:  cfg.SQSClient,
		jobs:       cfg.Jobs,
		compressor: cfg.Compressor,
		downloader: NewDownloader(cfg.S3Client, cfg.Logger),
		uploader:   NewUploader(cfg.Uploader, cfg.AppConfig.AWS.ResultBucket, cfg.Logger),
		cfg:        cfg.AppConfig,
		log:        cfg.Logger,
	}
}

// Run starts the worker and blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.InfoContext(ctx, "Starting queue polling",
		"queueURL", w.cfg.AWS.SQSQueueURL,
		"maxConcurrent", w.cfg.Worker.MaxConcurrentJobs,
	)

	sem := make(chan struct{}, w.cfg.Worker.MaxConcurrentJobs)
	var wg sync.WaitGroup

messageLoop:
	for {
		select {
		case <-ctx.Done():
			break messageLoop
		default:
		}

		result, err := w.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(w.cfg.AWS.SQSQueueURL),
			MaxNumberOfMessages: SQSMaxMessages,
			WaitTimeSeconds:     SQSWaitTimeSeconds,
			VisibilityTimeout:   SQSVisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				continue // Shutting down
			}
			w.log.ErrorContext(ctx, "Failed to receive messages", "error", err)
			select {
			case <-time.After(RetryBackoffPeriod):
			case <-ctx.Done():
			}
			continue
		}

		for _, msg := range result.Messages {
			select {
			case sem <- struct{}{}:
				wg.Add(1)
				go func(msg types.Message) {
					defer wg.Done()
					defer func() { <-sem }()
					w.handleMessage(ctx, msg)
				}(msg)
			case <-ctx.Done():
				w.log.InfoContext(ctx, "Context cancelled, stopping message processing")
				break messageLoop
			}
		}
	}

	w.log.InfoContext(ctx, "Waiting for in-progress jobs to complete...")
	wg.Wait()
	w.log.InfoContext(ctx, "All jobs completed, shutting down")
}

// handleMessage processes msg and deletes it unless the failure is worth a
// redelivery.
func (w *Worker) handleMessage(ctx context.Context, msg types.Message) {
	if err := w.processMessage(ctx, msg); err != nil {
		w.log.ErrorContext(ctx, "Failed to process message",
			"error", err,
			"messageId", aws.ToString(msg.MessageId),
		)
		return
	}
	// Deleting must outlive shutdown so a finished job is not redelivered.
	_, err := w.sqsClient.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(w.cfg.AWS.SQSQueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		w.log.ErrorContext(ctx, "Failed to delete message", "error", err)
	}
}

func (w *Worker) processMessage(ctx context.Context, msg types.Message) error {
	ctx, span := tracer.Start(ctx, "process-message")
	defer span.End()

	if msg.Body == nil {
		w.log.WarnContext(ctx, "Dropping message with empty body")
		return nil
	}

	var job models.CompressJob
	if err := json.Unmarshal([]byte(*msg.Body), &job); err != nil {
		w.log.WarnContext(ctx, "Dropping malformed message", "error", fmt.Errorf("%w: %v", models.ErrJobParseFailed, err))
		return nil
	}
	if err := job.Validate(); err != nil {
		w.log.WarnContext(ctx, "Dropping invalid job", "error", fmt.Errorf("%w: %v", models.ErrJobParseFailed, err))
		return nil
	}

	span.SetAttributes(
		attribute.String("job.id", job.JobID),
		attribute.String("job.s3_key", job.S3Key),
		attribute.String("job.quality", job.Quality),
	)

	return w.ProcessJob(ctx, &job)
}

// ProcessJob runs one job. A nil return means the job reached a recorded
// terminal status; an error means it may be retried.
func (w *Worker) ProcessJob(ctx context.Context, job *models.CompressJob) error {
	w.log.InfoContext(ctx, "Processing job",
		"jobId", job.JobID,
		"s3Key", job.S3Key,
		"quality", job.Quality,
	)

	// Job records outlive a shutdown of the worker.
	recordCtx := context.WithoutCancel(ctx)

	cancelled, err := w.jobs.IsCancelRequested(ctx, job.JobID)
	if err != nil {
		return fmt.Errorf("check cancel request: %w", err)
	}
	if cancelled {
		w.fail(recordCtx, job, models.NewTranscodeError(models.ErrCancelled, "cancelled before start", nil))
		return nil
	}

	tier, err := media.ParseTier(job.Quality)
	if err != nil {
		w.fail(recordCtx, job, err)
		return nil
	}

	workDir := filepath.Join(w.cfg.Worker.WorkDir, job.JobID)
	defer w.downloader.CleanupDir(workDir)

	downloadStart := time.Now()
	localPath, size, err := w.downloader.Download(ctx, job, workDir)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrDownloadFailed, err)
	}
	metrics.DownloadDuration.Observe(time.Since(downloadStart).Seconds())

	if err := w.jobs.MarkProcessing(ctx, job.JobID, size); err != nil {
		if errors.Is(err, models.ErrInvalidStatus) {
			w.log.WarnContext(ctx, "Job is no longer pending, dropping", "jobId", job.JobID)
			return nil
		}
		return fmt.Errorf("mark processing: %w", err)
	}

	// A started job runs to a terminal state even across shutdown; only an
	// explicit cancel request stops it.
	reporter := newProgressReporter(recordCtx, job.JobID, w.cfg.Worker.ProgressStep, w.jobs, w.log)
	task, err := w.compressor.Submit(recordCtx, compressor.Request{
		SourcePath:        localPath,
		Quality:           tier,
		CustomBitrateMbps: job.CustomBitrateMbps,
		OutputPath:        filepath.Join(workDir, "result.mp4"),
		SaveToLibrary:     job.SaveToLibrary,
		OnProgress:        reporter.Report,
	})
	if err != nil {
		reporter.Close()
		w.fail(recordCtx, job, err)
		return nil
	}

	stopWatch := w.watchCancel(recordCtx, job.JobID, task)
	outcome, err := task.Wait(recordCtx)
	stopWatch()
	reporter.Close()
	if err != nil {
		w.fail(recordCtx, job, err)
		return nil
	}

	if outcome.Skipped {
		if err := w.jobs.SkipJob(recordCtx, job.JobID, job.S3Key, outcome.Target.Reason); err != nil {
			return fmt.Errorf("record skip: %w", err)
		}
		w.log.InfoContext(ctx, "Job skipped", "jobId", job.JobID, "reason", outcome.Target.Reason)
		return nil
	}

	uploadStart := time.Now()
	key, resultSize, err := w.uploader.Upload(recordCtx, job.JobID, outcome.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrUploadFailed, err)
	}
	metrics.UploadDuration.Observe(time.Since(uploadStart).Seconds())

	if err := w.jobs.CompleteJob(recordCtx, job.JobID, storage.Completion{
		ResultKey:       key,
		ResultSizeBytes: resultSize,
		LibraryLocation: outcome.LibraryLocation,
		Target: models.Target{
			Width:      outcome.Target.Width,
			Height:     outcome.Target.Height,
			BitrateBps: outcome.Target.BitrateBps,
		},
	}); err != nil {
		// The result is uploaded; a redelivery would redo the work.
		w.log.ErrorContext(ctx, "Failed to mark job as completed",
			"jobId", job.JobID,
			"error", err,
		)
	}

	w.log.InfoContext(ctx, "Job processed successfully",
		"jobId", job.JobID,
		"resultKey", key,
		"sourceBytes", size,
		"resultBytes", resultSize,
		"elapsed", outcome.Elapsed.String(),
	)
	return nil
}

// watchCancel polls the job record and cancels task once cancellation is
// requested. The returned func stops the watcher and waits for it.
func (w *Worker) watchCancel(ctx context.Context, jobID string, task *compressor.Task) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.Worker.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-task.Done():
				return
			case <-ticker.C:
				requested, err := w.jobs.IsCancelRequested(ctx, jobID)
				if err != nil {
					w.log.WarnContext(ctx, "Failed to poll cancel request", "jobId", jobID, "error", err)
					continue
				}
				if requested {
					w.log.InfoContext(ctx, "Cancel requested", "jobId", jobID)
					task.Cancel()
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) fail(ctx context.Context, job *models.CompressJob, err error) {
	status := models.StatusFailed
	if errors.Is(err, models.ErrCancelled) {
		status = models.StatusCancelled
	}
	category := models.CategoryOf(err)
	if category == "" {
		category = "InvalidRequest"
	}
	if recErr := w.jobs.FailJob(ctx, job.JobID, status, category, err.Error()); recErr != nil {
		w.log.ErrorContext(ctx, "Failed to record job failure",
			"jobId", job.JobID,
			"error", recErr,
		)
	}
	w.log.WarnContext(ctx, "Job did not complete",
		"jobId", job.JobID,
		"status", status,
		"category", category,
		"error", err,
	)
}
