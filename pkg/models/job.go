package models

// JobStatus represents the processing status of a compression job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusSkipped    JobStatus = "skipped"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// IsValid returns true if the status is a valid JobStatus.
func (s JobStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusSkipped, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true once a job can no longer change status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusSkipped, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// JobRecord represents the stored state of a compression job.
type JobRecord struct {
	// Keys
	PK     string `dynamodbav:"pk" json:"-"`
	SK     string `dynamodbav:"sk" json:"-"`
	GSI1PK string `dynamodbav:"gsi1pk,omitempty" json:"-"`
	GSI1SK string `dynamodbav:"gsi1sk,omitempty" json:"-"`

	// Attributes
	JobID             string    `dynamodbav:"job_id" json:"jobId"`
	Filename          string    `dynamodbav:"filename" json:"filename"`
	Status            JobStatus `dynamodbav:"status" json:"status"`
	Quality           string    `dynamodbav:"quality" json:"quality"`
	CustomBitrateMbps int       `dynamodbav:"custom_bitrate_mbps" json:"customBitrateMbps"`
	SaveToLibrary     bool      `dynamodbav:"save_to_library" json:"saveToLibrary"`
	S3SourceKey       string    `dynamodbav:"s3_source_key" json:"s3SourceKey"`
	S3ResultKey       string    `dynamodbav:"s3_result_key,omitempty" json:"s3ResultKey,omitempty"`
	LibraryLocation   string    `dynamodbav:"library_location,omitempty" json:"libraryLocation,omitempty"`
	SourceSizeBytes   int64     `dynamodbav:"source_size_bytes,omitempty" json:"sourceSizeBytes,omitempty"`
	ResultSizeBytes   int64     `dynamodbav:"result_size_bytes,omitempty" json:"resultSizeBytes,omitempty"`
	Progress          float64   `dynamodbav:"progress" json:"progress"`
	CancelRequested   bool      `dynamodbav:"cancel_requested,omitempty" json:"cancelRequested,omitempty"`
	Target            *Target   `dynamodbav:"target,omitempty" json:"target,omitempty"`
	CreatedAt         string    `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt         string    `dynamodbav:"updated_at" json:"updatedAt"`
	ProcessedAt       string    `dynamodbav:"processed_at,omitempty" json:"processedAt,omitempty"`
	ErrorCategory     string    `dynamodbav:"error_category,omitempty" json:"errorCategory,omitempty"`
	ErrorMessage      string    `dynamodbav:"error_message,omitempty" json:"errorMessage,omitempty"`
}

// Target is the stored form of the chosen output parameters.
type Target struct {
	Width      int   `dynamodbav:"width" json:"width"`
	Height     int   `dynamodbav:"height" json:"height"`
	BitrateBps int64 `dynamodbav:"bitrate_bps" json:"bitrateBps"`
}

// CompressJob represents a compression job message from SQS.
type CompressJob struct {
	JobID             string `json:"jobId"`
	S3Key             string `json:"s3Key"`
	Bucket            string `json:"bucket"`
	Filename          string `json:"filename"`
	Quality           string `json:"quality,omitempty"`
	CustomBitrateMbps int    `json:"customBitrateMbps,omitempty"`
	SaveToLibrary     bool   `json:"saveToLibrary,omitempty"`
}

// Validate checks if the compression job has all required fields.
func (j *CompressJob) Validate() error {
	if j.JobID == "" {
		return ErrMissingJobID
	}
	if j.S3Key == "" {
		return ErrMissingS3Key
	}
	if j.Bucket == "" {
		return ErrMissingBucket
	}
	if j.CustomBitrateMbps < 0 {
		return ErrInvalidBitrate
	}
	return nil
}
