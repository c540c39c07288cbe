package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/vidshrink/internal/auth"
	"github.com/amillerrr/vidshrink/internal/config"
	"github.com/amillerrr/vidshrink/internal/media"
	"github.com/amillerrr/vidshrink/internal/metrics"
	"github.com/amillerrr/vidshrink/pkg/models"
)

var tracer = otel.Tracer("vidshrink-api")

const (
	PresignedURLExpiration = 10 * time.Minute
	ResultURLExpiration    = time.Hour
	MaxFilenameLength      = 255
	MaxRequestBodySize     = 1 << 20 // 1 MB
)

var (
	AllowedExtensions = map[string]bool{
		".mp4":  true,
		".mov":  true,
		".m4v":  true,
		".avi":  true,
		".mkv":  true,
		".webm": true,
	}

	AllowedContentTypes = map[string]bool{
		"video/mp4":        true,
		"video/quicktime":  true,
		"video/x-m4v":      true,
		"video/x-msvideo":  true,
		"video/x-matroska": true,
		"video/webm":       true,
	}
)

// ObjectStore is the S3 surface used by the API.
type ObjectStore interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GeneratePresignedURL(ctx context.Context, bucket, key, contentType string, lifetime time.Duration) (string, error)
	GeneratePresignedGetURL(ctx context.Context, bucket, key string, lifetime time.Duration) (string, error)
}

// Queue enqueues compression jobs.
type Queue interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// JobStore is the subset of storage.JobRepository used by the API.
type JobStore interface {
	CreateJob(ctx context.Context, job models.CompressJob) (*models.JobRecord, error)
	GetJob(ctx context.Context, jobID string) (*models.JobRecord, error)
	RequestCancel(ctx context.Context, jobID string) error
	GetLatestJob(ctx context.Context) (*models.JobRecord, error)
}

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	cfg         *config.Config
	log         *slog.Logger
	objects     ObjectStore
	queue       Queue
	jobs        JobStore
	jwtService  *auth.JWTService
	rateLimiter *auth.RateLimiter
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Config      *config.Config
	Logger      *slog.Logger
	Objects     ObjectStore
	Queue       Queue
	Jobs        JobStore
	JWTService  *auth.JWTService
	RateLimiter *auth.RateLimiter
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	return &Handlers{
		cfg:         cfg.Config,
		log:         cfg.Logger,
		objects:     cfg.Objects,
		queue:       cfg.Queue,
		jobs:        cfg.Jobs,
		jwtService:  cfg.JWTService,
		rateLimiter: cfg.RateLimiter,
	}
}

func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// decodeBody decodes a size-limited JSON body into v, writing the error
// response itself when it fails.
func (h *Handlers) decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		h.writeError(ctx, w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// LoginHandler exchanges basic-auth credentials for a bearer token.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := auth.GetClientIP(r)

	if h.rateLimiter != nil && h.rateLimiter.IsLimited(clientIP) {
		metrics.AuthFailures.WithLabelValues("rate_limited").Inc()
		h.writeError(ctx, w, http.StatusTooManyRequests, "Too many failed attempts")
		return
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		metrics.AuthFailures.WithLabelValues("missing_credentials").Inc()
		h.writeError(ctx, w, http.StatusUnauthorized, "Missing credentials")
		return
	}

	expectedUsername, expectedPassword, err := h.cfg.GetAPICredentials()
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to get API credentials", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	if username != expectedUsername || password != expectedPassword {
		metrics.AuthFailures.WithLabelValues("invalid_credentials").Inc()
		if h.rateLimiter != nil {
			h.rateLimiter.RecordFailure(clientIP)
		}
		h.log.WarnContext(ctx, "Failed login attempt", "username", username, "ip", clientIP)
		h.writeError(ctx, w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if h.rateLimiter != nil {
		h.rateLimiter.Reset(clientIP)
	}

	token, err := h.jwtService.GenerateToken(username)
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to generate token", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	h.log.InfoContext(ctx, "Successful login", "username", username, "ip", clientIP)
	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"token": token})
}

// InitUploadRequest is the request payload for upload initialization.
type InitUploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
}

// InitUploadResponse is the response payload for upload initialization.
type InitUploadResponse struct {
	UploadURL string `json:"uploadUrl"`
	JobID     string `json:"jobId"`
	Key       string `json:"key"`
	RequestID string `json:"requestId"`
}

// InitUploadHandler reserves a job ID and returns a presigned PUT for its
// source.
func (h *Handlers) InitUploadHandler(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	ctx, span := tracer.Start(r.Context(), "init-upload-handler",
		trace.WithAttributes(attribute.String("request.id", requestID)))
	defer span.End()

	var req InitUploadRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	if err := validateFilename(req.Filename); err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateContentType(req.ContentType); err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	jobID := uuid.New().String()
	key := fmt.Sprintf("uploads/%s%s", jobID, strings.ToLower(filepath.Ext(req.Filename)))
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.s3_key", key),
	)

	uploadURL, err := h.objects.GeneratePresignedURL(ctx, h.cfg.AWS.SourceBucket, key, req.ContentType, PresignedURLExpiration)
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to generate presigned URL",
			"error", err,
			"jobId", jobID,
			"requestId", requestID,
		)
		h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}

	metrics.UploadsInitiated.Inc()
	h.log.InfoContext(ctx, "Generated presigned URL",
		"jobId", jobID,
		"key", key,
		"filename", req.Filename,
		"requestId", requestID,
	)

	h.writeJSON(ctx, w, http.StatusOK, InitUploadResponse{
		UploadURL: uploadURL,
		JobID:     jobID,
		Key:       key,
		RequestID: requestID,
	})
}

// CreateJobRequest submits an uploaded source for compression.
type CreateJobRequest struct {
	JobID             string `json:"jobId"`
	Key               string `json:"key"`
	Filename          string `json:"filename"`
	Quality           string `json:"quality"`
	CustomBitrateMbps int    `json:"customBitrateMbps"`
	SaveToLibrary     bool   `json:"saveToLibrary"`
}

// CreateJobHandler records a pending job for an uploaded source and queues
// it for the worker.
func (h *Handlers) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	ctx, span := tracer.Start(r.Context(), "create-job-handler",
		trace.WithAttributes(attribute.String("request.id", requestID)))
	defer span.End()

	var req CreateJobRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	if req.JobID == "" {
		h.writeError(ctx, w, http.StatusBadRequest, models.ErrMissingJobID.Error())
		return
	}
	if req.Key == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "key is required")
		return
	}
	if err := validateS3Key(req.Key, req.JobID); err != nil {
		span.RecordError(err)
		h.log.WarnContext(ctx, "Invalid S3 key format",
			"key", req.Key,
			"jobId", req.JobID,
			"requestId", requestID,
			"error", err,
		)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	tier, err := media.ParseTier(req.Quality)
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CustomBitrateMbps < 0 {
		h.writeError(ctx, w, http.StatusBadRequest, models.ErrInvalidBitrate.Error())
		return
	}

	span.SetAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("job.s3_key", req.Key),
		attribute.String("job.quality", tier.String()),
	)

	if _, err := h.objects.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(h.cfg.AWS.SourceBucket),
		Key:    aws.String(req.Key),
	}); err != nil {
		span.RecordError(err)
		h.log.WarnContext(ctx, "Source not found in S3",
			"key", req.Key,
			"jobId", req.JobID,
			"requestId", requestID,
			"error", err,
		)
		h.writeError(ctx, w, http.StatusNotFound, "Source video not found")
		return
	}

	job := models.CompressJob{
		JobID:             req.JobID,
		S3Key:             req.Key,
		Bucket:            h.cfg.AWS.SourceBucket,
		Filename:          req.Filename,
		Quality:           tier.String(),
		CustomBitrateMbps: req.CustomBitrateMbps,
		SaveToLibrary:     req.SaveToLibrary,
	}

	record, err := h.jobs.CreateJob(ctx, job)
	if err != nil {
		if errors.Is(err, models.ErrJobExists) {
			h.writeError(ctx, w, http.StatusConflict, "Job already submitted")
			return
		}
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to create job record",
			"error", err,
			"jobId", req.JobID,
			"requestId", requestID,
		)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	body, err := json.Marshal(job)
	if err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if _, err := h.queue.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(h.cfg.AWS.SQSQueueURL),
		MessageBody: aws.String(string(body)),
	}); err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to queue compression job",
			"error", err,
			"jobId", req.JobID,
			"requestId", requestID,
		)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to queue job")
		return
	}

	metrics.JobsSubmitted.Inc()
	h.log.InfoContext(ctx, "Compression job queued",
		"jobId", req.JobID,
		"quality", tier.String(),
		"requestId", requestID,
	)

	h.writeJSON(ctx, w, http.StatusAccepted, record)
}

// JobResponse is a job record plus a download link once it has a result.
type JobResponse struct {
	*models.JobRecord
	ResultURL string `json:"resultUrl,omitempty"`
}

// GetJobHandler returns the record of one job.
func (h *Handlers) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "get-job-handler")
	defer span.End()

	jobID := chi.URLParam(r, "jobID")
	span.SetAttributes(attribute.String("job.id", jobID))

	record, err := h.jobs.GetJob(ctx, jobID)
	if err != nil {
		h.writeLookupError(ctx, w, err)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, h.jobResponse(ctx, record))
}

// CancelJobHandler requests cancellation of a pending or running job. The
// worker observes the request; the response does not wait for it.
func (h *Handlers) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "cancel-job-handler")
	defer span.End()

	jobID := chi.URLParam(r, "jobID")
	span.SetAttributes(attribute.String("job.id", jobID))

	record, err := h.jobs.GetJob(ctx, jobID)
	if err != nil {
		h.writeLookupError(ctx, w, err)
		return
	}
	if record.Status.IsTerminal() {
		h.writeError(ctx, w, http.StatusConflict, fmt.Sprintf("Job already %s", record.Status))
		return
	}

	if err := h.jobs.RequestCancel(ctx, jobID); err != nil {
		if errors.Is(err, models.ErrInvalidStatus) {
			h.writeError(ctx, w, http.StatusConflict, "Job already finished")
			return
		}
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to request cancellation", "jobId", jobID, "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to cancel job")
		return
	}

	metrics.CancelRequests.Inc()
	h.log.InfoContext(ctx, "Cancellation requested", "jobId", jobID)
	h.writeJSON(ctx, w, http.StatusAccepted, map[string]string{
		"jobId":  jobID,
		"status": "cancel_requested",
	})
}

// LatestJobResponse is the response payload for the latest endpoint.
type LatestJobResponse struct {
	JobID       string `json:"jobId"`
	ResultURL   string `json:"resultUrl"`
	ProcessedAt string `json:"processedAt"`
}

// GetLatestJobHandler returns the most recently completed job.
func (h *Handlers) GetLatestJobHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "get-latest-job")
	defer span.End()

	record, err := h.jobs.GetLatestJob(ctx)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "No completed jobs found")
			return
		}
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to get latest job", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to retrieve job")
		return
	}

	span.SetAttributes(attribute.String("job.id", record.JobID))
	resp := h.jobResponse(ctx, record)
	h.writeJSON(ctx, w, http.StatusOK, LatestJobResponse{
		JobID:       record.JobID,
		ResultURL:   resp.ResultURL,
		ProcessedAt: record.ProcessedAt,
	})
}

func (h *Handlers) jobResponse(ctx context.Context, record *models.JobRecord) JobResponse {
	resp := JobResponse{JobRecord: record}
	if record.Status != models.StatusCompleted || record.S3ResultKey == "" {
		return resp
	}
	u, err := h.objects.GeneratePresignedGetURL(ctx, h.cfg.AWS.ResultBucket, record.S3ResultKey, ResultURLExpiration)
	if err != nil {
		h.log.WarnContext(ctx, "Failed to presign result", "jobId", record.JobID, "error", err)
		return resp
	}
	resp.ResultURL = u
	return resp
}

func (h *Handlers) writeLookupError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrJobNotFound) {
		h.writeError(ctx, w, http.StatusNotFound, "Job not found")
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
	h.log.ErrorContext(ctx, "Failed to get job", "error", err)
	h.writeError(ctx, w, http.StatusInternalServerError, "Failed to retrieve job")
}

func validateFilename(filename string) error {
	if filename == "" {
		return errors.New("filename is required")
	}
	if len(filename) > MaxFilenameLength {
		return models.ErrFilenameTooLong
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !AllowedExtensions[ext] {
		return fmt.Errorf("%w: allowed extensions are mp4, mov, m4v, avi, mkv, webm", models.ErrInvalidFileType)
	}
	return nil
}

func validateContentType(contentType string) error {
	if contentType == "" {
		return errors.New("content type is required")
	}
	if !AllowedContentTypes[contentType] {
		return fmt.Errorf("%w: %s", models.ErrInvalidContentType, contentType)
	}
	return nil
}

// validateS3Key accepts only the key handed out for jobID by InitUploadHandler.
func validateS3Key(key, jobID string) error {
	decodedKey, err := url.PathUnescape(key)
	if err != nil {
		return fmt.Errorf("%w: invalid URL encoding", models.ErrInvalidKeyFormat)
	}
	if strings.Contains(decodedKey, "..") {
		return fmt.Errorf("%w: path traversal not allowed", models.ErrInvalidKeyFormat)
	}

	ext := strings.ToLower(filepath.Ext(key))
	if !AllowedExtensions[ext] {
		return fmt.Errorf("%w: invalid extension in key", models.ErrInvalidKeyFormat)
	}

	expected := "uploads/" + jobID
	if strings.TrimSuffix(key, filepath.Ext(key)) != expected {
		return fmt.Errorf("%w: key must be %s<ext>", models.ErrInvalidKeyFormat, expected)
	}
	return nil
}
