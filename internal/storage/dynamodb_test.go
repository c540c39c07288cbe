package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amillerrr/vidshrink/pkg/models"
)

// fakeDynamo records requests and serves GetItem from a key-indexed map.
type fakeDynamo struct {
	items   map[string]map[string]types.AttributeValue
	puts    []*dynamodb.PutItemInput
	updates []*dynamodb.UpdateItemInput
	err     error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	pk := item["pk"].(*types.AttributeValueMemberS).Value
	sk := item["sk"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.puts = append(f.puts, in)
	f.items[itemKey(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.updates = append(f.updates, in)
	return &dynamodb.UpdateItemOutput{}, nil
}

func newRepo(f *fakeDynamo) *JobRepository {
	r := NewJobRepositoryFromClient(f, "jobs")
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestCreateAndGetJob(t *testing.T) {
	f := newFakeDynamo()
	repo := newRepo(f)

	rec, err := repo.CreateJob(context.Background(), models.CompressJob{
		JobID:             "abc",
		S3Key:             "uploads/abc/clip.mov",
		Bucket:            "raw",
		Filename:          "clip.mov",
		Quality:           "high",
		CustomBitrateMbps: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, "JOB#abc", rec.PK)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, "2026-03-01T12:00:00Z#abc", rec.GSI1SK)

	require.Len(t, f.puts, 1)
	assert.Equal(t, "attribute_not_exists(pk)", aws.ToString(f.puts[0].ConditionExpression))

	got, err := repo.GetJob(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "clip.mov", got.Filename)
	assert.Equal(t, "high", got.Quality)
	assert.Equal(t, 4, got.CustomBitrateMbps)
	assert.Equal(t, "uploads/abc/clip.mov", got.S3SourceKey)
}

func TestCreateJobDuplicate(t *testing.T) {
	f := newFakeDynamo()
	f.err = &types.ConditionalCheckFailedException{}
	_, err := newRepo(f).CreateJob(context.Background(), models.CompressJob{JobID: "abc"})
	assert.ErrorIs(t, err, models.ErrJobExists)
}

func TestGetJobNotFound(t *testing.T) {
	_, err := newRepo(newFakeDynamo()).GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestConditionalUpdatesMapToInvalidStatus(t *testing.T) {
	f := newFakeDynamo()
	f.err = &types.ConditionalCheckFailedException{}
	repo := newRepo(f)

	assert.ErrorIs(t, repo.MarkProcessing(context.Background(), "abc", 10), models.ErrInvalidStatus)
	assert.ErrorIs(t, repo.UpdateProgress(context.Background(), "abc", 50), models.ErrInvalidStatus)
	assert.ErrorIs(t, repo.RequestCancel(context.Background(), "abc"), models.ErrInvalidStatus)

	boom := errors.New("throttled")
	f.err = boom
	assert.ErrorIs(t, repo.UpdateProgress(context.Background(), "abc", 50), boom)
}

func TestUpdateProgressFormatsPercent(t *testing.T) {
	f := newFakeDynamo()
	require.NoError(t, newRepo(f).UpdateProgress(context.Background(), "abc", 33.333))
	require.Len(t, f.updates, 1)
	v := f.updates[0].ExpressionAttributeValues[":progress"].(*types.AttributeValueMemberN)
	assert.Equal(t, "33.3", v.Value)
}

func TestCompleteJobUpdatesLatest(t *testing.T) {
	f := newFakeDynamo()
	repo := newRepo(f)

	rec := models.JobRecord{PK: "JOB#abc", SK: "METADATA", JobID: "abc", Status: models.StatusCompleted}
	item, err := attributevalue.MarshalMap(rec)
	require.NoError(t, err)
	f.items[itemKey(item)] = item

	err = repo.CompleteJob(context.Background(), "abc", Completion{
		ResultKey:       "results/abc.mp4",
		ResultSizeBytes: 1234,
		Target:          models.Target{Width: 960, Height: 528, BitrateBps: 2_000_000},
	})
	require.NoError(t, err)

	require.Len(t, f.updates, 1)
	target := f.updates[0].ExpressionAttributeValues[":target"]
	var decoded models.Target
	require.NoError(t, attributevalue.Unmarshal(target, &decoded))
	assert.Equal(t, 960, decoded.Width)

	latest, err := repo.GetLatestJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", latest.JobID)
}

func TestGetLatestJobEmpty(t *testing.T) {
	_, err := newRepo(newFakeDynamo()).GetLatestJob(context.Background())
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestFailJobStatus(t *testing.T) {
	f := newFakeDynamo()
	repo := newRepo(f)

	assert.ErrorIs(t, repo.FailJob(context.Background(), "abc", models.StatusCompleted, "", ""), models.ErrInvalidStatus)
	require.NoError(t, repo.FailJob(context.Background(), "abc", models.StatusCancelled, "Cancelled", "cancelled by user"))

	require.Len(t, f.updates, 1)
	status := f.updates[0].ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS)
	assert.Equal(t, "cancelled", status.Value)
}

func TestIsCancelRequested(t *testing.T) {
	f := newFakeDynamo()
	repo := newRepo(f)

	rec := models.JobRecord{PK: "JOB#abc", SK: "METADATA", JobID: "abc", CancelRequested: true}
	item, err := attributevalue.MarshalMap(rec)
	require.NoError(t, err)
	f.items[itemKey(item)] = item

	cancelled, err := repo.IsCancelRequested(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, cancelled)
}
