package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/amillerrr/vidshrink/internal/compressor"
	"github.com/amillerrr/vidshrink/internal/config"
	"github.com/amillerrr/vidshrink/internal/health"
	"github.com/amillerrr/vidshrink/internal/library"
	"github.com/amillerrr/vidshrink/internal/logger"
	"github.com/amillerrr/vidshrink/internal/observability"
	"github.com/amillerrr/vidshrink/internal/storage"
	"github.com/amillerrr/vidshrink/internal/worker"
)

const (
	ServiceName      = "vidshrink-worker"
	AWSConfigTimeout = 10 * time.Second
	ShutdownTimeout  = 5 * time.Second
)

func main() {
	log := logger.New()
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		logger.Info(context.Background(), log, "No .env file found, relying on system ENV variables")
	}

	if err := run(log); err != nil {
		logger.Error(context.Background(), log, "Worker failed", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.LoadWorker()
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error(context.Background(), log, "Failed to shutdown tracer", "error", err)
		}
	}()

	initCtx, cancelInit := context.WithTimeout(context.Background(), AWSConfigTimeout)
	defer cancelInit()

	awsCfg, err := awsconfig.LoadDefaultConfig(initCtx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)
	sqsClient := sqs.NewFromConfig(awsCfg)

	s3Client := storage.NewS3ClientFromConfig(awsCfg)
	uploader := s3Client.Uploader()

	jobs, err := storage.NewJobRepository(initCtx, cfg)
	if err != nil {
		return fmt.Errorf("initialize job repository: %w", err)
	}

	index, err := library.Open(cfg, uploader, log)
	if err != nil {
		return fmt.Errorf("open library: %w", err)
	}

	c, closePipeline, err := compressor.NewFFmpeg(cfg, index, log)
	if err != nil {
		return fmt.Errorf("create compressor: %w", err)
	}
	defer closePipeline()

	healthConfig := health.DefaultConfig(ServiceName, log)
	healthConfig.S3Client = s3Client
	healthConfig.S3Buckets = []string{cfg.AWS.SourceBucket, cfg.AWS.ResultBucket, cfg.AWS.LibraryBucket}
	healthConfig.SQSClient = sqsClient
	healthConfig.SQSQueueURL = cfg.AWS.SQSQueueURL
	healthConfig.Tools = map[string]string{
		"ffmpeg":  cfg.Media.FFmpegPath,
		"ffprobe": cfg.Media.FFprobePath,
	}
	checker := health.NewChecker(healthConfig)

	metricsServer := startMetricsServer(cfg.Worker.MetricsPort, checker, log)

	w := worker.New(&worker.Config{
		S3Client:   s3Client,
		Uploader:   uploader,
		SQSClient:  sqsClient,
		Jobs:       jobs,
		Compressor: c,
		AppConfig:  cfg,
		Logger:     log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), log, "Failed to shutdown metrics server", "error", err)
	}
	return nil
}

// startMetricsServer serves /metrics and the health endpoints on port.
func startMetricsServer(port int, checker *health.Checker, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", checker.Handler())
	mux.HandleFunc("/health/deep", checker.DeepHandler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info(context.Background(), log, "Starting metrics server", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), log, "Metrics server failed", "error", err)
		}
	}()
	return srv
}
