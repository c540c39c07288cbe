package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/amillerrr/vidshrink/internal/api"
	"github.com/amillerrr/vidshrink/internal/auth"
	"github.com/amillerrr/vidshrink/internal/config"
	"github.com/amillerrr/vidshrink/internal/health"
	"github.com/amillerrr/vidshrink/internal/logger"
	"github.com/amillerrr/vidshrink/internal/observability"
	"github.com/amillerrr/vidshrink/internal/storage"
)

const (
	ServiceName           = "vidshrink-api"
	ShutdownTimeout       = 30 * time.Second
	TracerShutdownTimeout = 5 * time.Second
	AWSConfigTimeout      = 10 * time.Second
)

func main() {
	log := logger.New()
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment variables")
	}

	if err := run(log); err != nil {
		log.Error("API failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.LoadAPI()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.TracerConfig{
		ServiceName:  ServiceName,
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		Logger:       log,
	})
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	server, err := newServer(cfg, log)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("Server shutdown complete")
	return nil
}

// newServer connects the AWS clients and assembles the HTTP server.
func newServer(cfg *config.Config, log *slog.Logger) (*api.Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), AWSConfigTimeout)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	sqsClient := sqs.NewFromConfig(awsCfg)
	s3Client := storage.NewS3ClientFromConfig(awsCfg)

	jobs, err := storage.NewJobRepository(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize job repository: %w", err)
	}
	log.Info("DynamoDB job repository initialized", "table", cfg.AWS.DynamoDBTable)

	jwtSecret, err := cfg.GetJWTSecret()
	if err != nil {
		return nil, err
	}
	jwtService, err := auth.NewJWTService(jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("create JWT service: %w", err)
	}

	healthConfig := health.DefaultConfig(ServiceName, log)
	healthConfig.S3Client = s3Client
	healthConfig.S3Buckets = []string{cfg.AWS.SourceBucket, cfg.AWS.ResultBucket}
	healthConfig.SQSClient = sqsClient
	healthConfig.SQSQueueURL = cfg.AWS.SQSQueueURL

	return api.NewServer(&api.ServerConfig{
		Config:        cfg,
		Logger:        log,
		Objects:       s3Client,
		Queue:         sqsClient,
		Jobs:          jobs,
		JWTService:    jwtService,
		RateLimiter:   auth.NewRateLimiter(auth.DefaultRateLimiterConfig()),
		HealthChecker: health.NewChecker(healthConfig),
	}), nil
}
