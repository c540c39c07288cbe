package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStatus(t *testing.T) {
	tests := []struct {
		status   JobStatus
		valid    bool
		terminal bool
	}{
		{StatusPending, true, false},
		{StatusProcessing, true, false},
		{StatusCompleted, true, true},
		{StatusSkipped, true, true},
		{StatusFailed, true, true},
		{StatusCancelled, true, true},
		{JobStatus("queued"), false, false},
		{JobStatus(""), false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.IsValid())
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestCompressJobValidate(t *testing.T) {
	valid := CompressJob{JobID: "j", S3Key: "uploads/j.mp4", Bucket: "src"}

	tests := []struct {
		name   string
		mutate func(*CompressJob)
		want   error
	}{
		{"valid", func(*CompressJob) {}, nil},
		{"missing job id", func(j *CompressJob) { j.JobID = "" }, ErrMissingJobID},
		{"missing key", func(j *CompressJob) { j.S3Key = "" }, ErrMissingS3Key},
		{"missing bucket", func(j *CompressJob) { j.Bucket = "" }, ErrMissingBucket},
		{"negative bitrate", func(j *CompressJob) { j.CustomBitrateMbps = -1 }, ErrInvalidBitrate},
		{"zero bitrate means default", func(j *CompressJob) { j.CustomBitrateMbps = 0 }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := valid
			tt.mutate(&job)
			err := job.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCategoryOf(t *testing.T) {
	cause := errors.New("moov atom not found")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", cause, ""},
		{"invalid source", ErrInvalidSource, "InvalidSource"},
		{"wrapped probe", fmt.Errorf("open: %w", ErrProbeUnavailable), "ProbeUnavailable"},
		{"transcode error", NewTranscodeError(ErrEncodeFailed, "writer", cause), "EncodeFailed"},
		{"wrapped transcode error", fmt.Errorf("job 1: %w", NewTranscodeError(ErrCancelled, "", nil)), "Cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}
}

func TestTranscodeError(t *testing.T) {
	cause := errors.New("broken pipe")

	err := NewTranscodeError(ErrEncodeFailed, "append sample", cause)
	assert.Equal(t, "EncodeFailed: append sample: broken pipe", err.Error())
	assert.ErrorIs(t, err, ErrEncodeFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrCancelled)

	var te *TranscodeError
	assert.ErrorAs(t, fmt.Errorf("wrapped: %w", err), &te)
	assert.Equal(t, "EncodeFailed", te.Category())

	assert.Equal(t, "Cancelled", NewTranscodeError(ErrCancelled, "", nil).Error())
	assert.Equal(t, "InvalidSource: no video track", NewTranscodeError(ErrInvalidSource, "no video track", nil).Error())
	assert.Equal(t, "ProbeUnavailable: broken pipe", NewTranscodeError(ErrProbeUnavailable, "", cause).Error())
}
