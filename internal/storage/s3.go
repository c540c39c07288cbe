package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Default timeout for s3 operations
const DefaultS3Timeout = 30 * time.Second

// Multipart settings for result uploads.
const (
	UploadPartSize    = 16 * 1024 * 1024
	UploadConcurrency = 4
)

// Client wraps the S3 API with presigning and multipart uploads.
type Client struct {
	*s3.Client
}

// NewS3ClientFromConfig builds a client from a loaded AWS configuration.
func NewS3ClientFromConfig(cfg aws.Config) *Client {
	return &Client{s3.NewFromConfig(cfg)}
}

// Uploader returns a multipart uploader for large results.
func (c *Client) Uploader() *manager.Uploader {
	return manager.NewUploader(c.Client, func(u *manager.Uploader) {
		u.PartSize = UploadPartSize
		u.Concurrency = UploadConcurrency
	})
}

// GeneratePresignedURL presigns a PUT for uploading a source video.
func (c *Client) GeneratePresignedURL(ctx context.Context, bucket, key, contentType string, lifetime time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()

	presignClient := s3.NewPresignClient(c.Client)

	req, err := presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = lifetime
	})

	if err != nil {
		return "", fmt.Errorf("failed to presign request: %w", err)
	}

	return req.URL, nil
}

// GeneratePresignedGetURL presigns a GET for downloading a result.
func (c *Client) GeneratePresignedGetURL(ctx context.Context, bucket, key string, lifetime time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()

	req, err := s3.NewPresignClient(c.Client).PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = lifetime
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign request: %w", err)
	}

	return req.URL, nil
}
