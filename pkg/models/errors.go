package models

import (
	"errors"
	"fmt"
)

// Transcode error categories. Every failed job surfaces exactly one of these.
var (
	ErrInvalidSource    = errors.New("invalid source")
	ErrProbeUnavailable = errors.New("probe unavailable")
	ErrEncodeFailed     = errors.New("encode failed")
	ErrCancelled        = errors.New("cancelled")
)

// Sentinel errors for job operations.
var (
	// Validation errors
	ErrMissingJobID   = errors.New("jobId is required")
	ErrMissingS3Key   = errors.New("s3Key is required")
	ErrMissingBucket  = errors.New("bucket is required")
	ErrMissingSource  = errors.New("source path is required")
	ErrInvalidQuality = errors.New("invalid quality tier")
	ErrInvalidBitrate = errors.New("custom bitrate must be positive")

	// Processing errors
	ErrJobParseFailed = errors.New("failed to parse job")
	ErrDownloadFailed = errors.New("failed to download source")
	ErrUploadFailed   = errors.New("failed to upload result")
	ErrFFmpegFailed   = errors.New("ffmpeg execution failed")

	// Storage errors
	ErrJobNotFound   = errors.New("job not found")
	ErrJobExists     = errors.New("job already exists")
	ErrInvalidStatus = errors.New("invalid job status")

	// Validation errors for uploads
	ErrInvalidFileType    = errors.New("invalid file type")
	ErrFilenameTooLong    = errors.New("filename too long")
	ErrInvalidContentType = errors.New("invalid content type")
	ErrInvalidKeyFormat   = errors.New("invalid key format")
)

// TranscodeError is the failure reported for a job. Kind is one of the
// category sentinels above; Err is the underlying cause, if any.
type TranscodeError struct {
	Kind    error
	Message string
	Err     error
}

// NewTranscodeError builds a TranscodeError of the given category.
func NewTranscodeError(kind error, message string, cause error) *TranscodeError {
	return &TranscodeError{Kind: kind, Message: message, Err: cause}
}

func (e *TranscodeError) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Category(), e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Category(), e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Category(), e.Message)
	}
	return e.Category()
}

// Unwrap exposes both the category and the cause to errors.Is / errors.As.
func (e *TranscodeError) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Category returns the short tag callers switch on.
func (e *TranscodeError) Category() string {
	return CategoryOf(e.Kind)
}

// CategoryOf maps an error to its category tag, or "" when it carries none.
func CategoryOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSource):
		return "InvalidSource"
	case errors.Is(err, ErrProbeUnavailable):
		return "ProbeUnavailable"
	case errors.Is(err, ErrEncodeFailed):
		return "EncodeFailed"
	case errors.Is(err, ErrCancelled):
		return "Cancelled"
	}
	return ""
}
