package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/amillerrr/vidshrink/internal/config"
	"github.com/amillerrr/vidshrink/pkg/models"
)

// DynamoDBAPI is the subset of the DynamoDB client used by JobRepository.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// JobRepository stores compression job records in DynamoDB.
type JobRepository struct {
	client    DynamoDBAPI
	tableName string
	now       func() time.Time
}

// Completion describes a successfully compressed job.
type Completion struct {
	ResultKey       string
	ResultSizeBytes int64
	LibraryLocation string
	Target          models.Target
}

// NewJobRepository creates a new JobRepository using the provided configuration.
func NewJobRepository(ctx context.Context, cfg *config.Config) (*JobRepository, error) {
	if cfg.AWS.DynamoDBTable == "" {
		return nil, errors.New("DynamoDB table name is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWS.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Add OpenTelemetry instrumentation
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	return NewJobRepositoryFromClient(dynamodb.NewFromConfig(awsCfg), cfg.AWS.DynamoDBTable), nil
}

// NewJobRepositoryFromClient creates a new JobRepository from an existing client.
func NewJobRepositoryFromClient(client DynamoDBAPI, tableName string) *JobRepository {
	return &JobRepository{
		client:    client,
		tableName: tableName,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func jobKey(jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: fmt.Sprintf("JOB#%s", jobID)},
		"sk": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}

func (r *JobRepository) timestamp() string {
	return r.now().Format(time.RFC3339)
}

// CreateJob creates a pending job record.
func (r *JobRepository) CreateJob(ctx context.Context, job models.CompressJob) (*models.JobRecord, error) {
	now := r.timestamp()

	record := &models.JobRecord{
		PK:                fmt.Sprintf("JOB#%s", job.JobID),
		SK:                "METADATA",
		GSI1PK:            "ALL_JOBS",
		GSI1SK:            fmt.Sprintf("%s#%s", now, job.JobID),
		JobID:             job.JobID,
		Filename:          job.Filename,
		Status:            models.StatusPending,
		Quality:           job.Quality,
		CustomBitrateMbps: job.CustomBitrateMbps,
		SaveToLibrary:     job.SaveToLibrary,
		S3SourceKey:       job.S3Key,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, fmt.Errorf("%w: %s", models.ErrJobExists, job.JobID)
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return record, nil
}

// GetJob retrieves a job record by ID.
func (r *JobRepository) GetJob(ctx context.Context, jobID string) (*models.JobRecord, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            jobKey(jobID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if result.Item == nil {
		return nil, models.ErrJobNotFound
	}

	var record models.JobRecord
	if err := attributevalue.UnmarshalMap(result.Item, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &record, nil
}

// MarkProcessing moves a pending job to processing.
func (r *JobRepository) MarkProcessing(ctx context.Context, jobID string, sourceSize int64) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              jobKey(jobID),
		UpdateExpression: aws.String("SET #status = :status, updated_at = :updated_at, source_size_bytes = :size, progress = :zero"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":     &types.AttributeValueMemberS{Value: string(models.StatusProcessing)},
			":pending":    &types.AttributeValueMemberS{Value: string(models.StatusPending)},
			":updated_at": &types.AttributeValueMemberS{Value: r.timestamp()},
			":size":       &types.AttributeValueMemberN{Value: fmt.Sprint(sourceSize)},
			":zero":       &types.AttributeValueMemberN{Value: "0"},
		},
		ConditionExpression: aws.String("attribute_exists(pk) AND #status = :pending"),
	})
	return r.conditional(err, "mark job processing")
}

// UpdateProgress records the transfer percentage of a processing job.
func (r *JobRepository) UpdateProgress(ctx context.Context, jobID string, percent float64) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              jobKey(jobID),
		UpdateExpression: aws.String("SET progress = :progress, updated_at = :updated_at"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":progress":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%.1f", percent)},
			":processing": &types.AttributeValueMemberS{Value: string(models.StatusProcessing)},
			":updated_at": &types.AttributeValueMemberS{Value: r.timestamp()},
		},
		ConditionExpression: aws.String("attribute_exists(pk) AND #status = :processing"),
	})
	return r.conditional(err, "update progress")
}

// RequestCancel flags a pending or processing job for cancellation. The worker
// running the job observes the flag; a pending job is cancelled when picked up.
func (r *JobRepository) RequestCancel(ctx context.Context, jobID string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              jobKey(jobID),
		UpdateExpression: aws.String("SET cancel_requested = :true, updated_at = :updated_at"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":       &types.AttributeValueMemberBOOL{Value: true},
			":pending":    &types.AttributeValueMemberS{Value: string(models.StatusPending)},
			":processing": &types.AttributeValueMemberS{Value: string(models.StatusProcessing)},
			":updated_at": &types.AttributeValueMemberS{Value: r.timestamp()},
		},
		ConditionExpression: aws.String("attribute_exists(pk) AND #status IN (:pending, :processing)"),
	})
	return r.conditional(err, "request cancel")
}

// IsCancelRequested reports whether cancellation was requested for a job.
func (r *JobRepository) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	record, err := r.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return record.CancelRequested, nil
}

// CompleteJob marks a job as completed and updates the latest pointer.
func (r *JobRepository) CompleteJob(ctx context.Context, jobID string, c Completion) error {
	now := r.timestamp()

	targetAV, err := attributevalue.Marshal(c.Target)
	if err != nil {
		return fmt.Errorf("failed to marshal target: %w", err)
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key:       jobKey(jobID),
		UpdateExpression: aws.String(`
			SET #status = :status,
			    updated_at = :updated_at,
			    processed_at = :processed_at,
			    progress = :progress,
			    s3_result_key = :result_key,
			    result_size_bytes = :result_size,
			    library_location = :library,
			    target = :target
		`),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":       &types.AttributeValueMemberS{Value: string(models.StatusCompleted)},
			":updated_at":   &types.AttributeValueMemberS{Value: now},
			":processed_at": &types.AttributeValueMemberS{Value: now},
			":progress":     &types.AttributeValueMemberN{Value: "100"},
			":result_key":   &types.AttributeValueMemberS{Value: c.ResultKey},
			":result_size":  &types.AttributeValueMemberN{Value: fmt.Sprint(c.ResultSizeBytes)},
			":library":      &types.AttributeValueMemberS{Value: c.LibraryLocation},
			":target":       targetAV,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	return r.putLatest(ctx, jobID, c.ResultKey, now)
}

// SkipJob marks a job whose source was left untouched. The result is the
// source object itself.
func (r *JobRepository) SkipJob(ctx context.Context, jobID, sourceKey, reason string) error {
	now := r.timestamp()

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              jobKey(jobID),
		UpdateExpression: aws.String("SET #status = :status, updated_at = :updated_at, processed_at = :processed_at, s3_result_key = :result_key, error_message = :reason"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":       &types.AttributeValueMemberS{Value: string(models.StatusSkipped)},
			":updated_at":   &types.AttributeValueMemberS{Value: now},
			":processed_at": &types.AttributeValueMemberS{Value: now},
			":result_key":   &types.AttributeValueMemberS{Value: sourceKey},
			":reason":       &types.AttributeValueMemberS{Value: reason},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to mark job as skipped: %w", err)
	}
	return nil
}

// FailJob marks a job as failed or cancelled with the error category.
func (r *JobRepository) FailJob(ctx context.Context, jobID string, status models.JobStatus, category, errorMessage string) error {
	if status != models.StatusFailed && status != models.StatusCancelled {
		return fmt.Errorf("%w: %s", models.ErrInvalidStatus, status)
	}

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              jobKey(jobID),
		UpdateExpression: aws.String("SET #status = :status, updated_at = :updated_at, error_category = :category, error_message = :error"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":     &types.AttributeValueMemberS{Value: string(status)},
			":updated_at": &types.AttributeValueMemberS{Value: r.timestamp()},
			":category":   &types.AttributeValueMemberS{Value: category},
			":error":      &types.AttributeValueMemberS{Value: errorMessage},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to mark job as %s: %w", status, err)
	}

	return nil
}

// GetLatestJob retrieves the most recently completed job (O(1) operation).
func (r *JobRepository) GetLatestJob(ctx context.Context) (*models.JobRecord, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: "LATEST"},
			"sk": &types.AttributeValueMemberS{Value: "JOB"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get latest job pointer: %w", err)
	}

	if result.Item == nil {
		return nil, models.ErrJobNotFound
	}

	jobIDAttr, ok := result.Item["job_id"]
	if !ok {
		return nil, models.ErrJobNotFound
	}

	jobIDVal, ok := jobIDAttr.(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("invalid job_id type")
	}

	return r.GetJob(ctx, jobIDVal.Value)
}

func (r *JobRepository) putLatest(ctx context.Context, jobID, resultKey, now string) error {
	_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item: map[string]types.AttributeValue{
			"pk":            &types.AttributeValueMemberS{Value: "LATEST"},
			"sk":            &types.AttributeValueMemberS{Value: "JOB"},
			"job_id":        &types.AttributeValueMemberS{Value: jobID},
			"s3_result_key": &types.AttributeValueMemberS{Value: resultKey},
			"processed_at":  &types.AttributeValueMemberS{Value: now},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update latest pointer: %w", err)
	}
	return nil
}

// conditional maps a failed condition check to ErrInvalidStatus.
func (r *JobRepository) conditional(err error, op string) error {
	if err == nil {
		return nil
	}
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return fmt.Errorf("%w: %s", models.ErrInvalidStatus, op)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
