// Package compressor runs compression requests end to end: probe the source,
// decide on a target, transfer, then store the optional thumbnail and library
// entry.
package compressor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/amillerrr/vidshrink/internal/decision"
	"github.com/amillerrr/vidshrink/internal/library"
	"github.com/amillerrr/vidshrink/internal/logger"
	"github.com/amillerrr/vidshrink/internal/media"
	"github.com/amillerrr/vidshrink/internal/metrics"
	"github.com/amillerrr/vidshrink/internal/transcoder"
	"github.com/amillerrr/vidshrink/pkg/models"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("vidshrink-compressor")

// Defaults applied to zero-valued Request fields.
const (
	DefaultBitrateMbps      = 5
	DefaultThumbnailQuality = 100
	DefaultMoviesDir        = "Movies"
)

// Request describes one compression.
type Request struct {
	SourcePath string
	// Quality defaults to medium.
	Quality media.QualityTier
	// CustomBitrateMbps caps the computed bitrate; zero means 5.
	CustomBitrateMbps int
	// OutputPath defaults to <MoviesDir>/<uuid>.mp4.
	OutputPath    string
	SaveToLibrary bool

	StoreThumbnail bool
	// ThumbnailPath defaults to the output path with a .jpg extension.
	ThumbnailPath    string
	ThumbnailQuality int
	// ThumbnailToLibrary also registers the stored thumbnail with the library.
	ThumbnailToLibrary bool

	// OnProgress receives percentages in [0, 100] while the transfer runs.
	OnProgress func(percent float64)

	// Settings, when set, replace the decision engine: the target comes from
	// decision.ResolveSettings and the request is never skipped.
	Settings *decision.EncoderSettings
}

// Outcome is the result of a finished request.
type Outcome struct {
	// Path is the compressed file, or the source when the request was skipped.
	Path            string
	Skipped         bool
	State           transcoder.State
	Probe           media.SourceProbe
	Target          media.TranscodeTarget
	Frames          int64
	Elapsed         time.Duration
	OutputSize      int64
	LibraryLocation string
	ThumbnailPath   string
	// ThumbnailLocation is the thumbnail's library entry.
	ThumbnailLocation string
}

// Thumbnailer stores a still of the first frame of a video.
type Thumbnailer interface {
	Generate(ctx context.Context, videoPath string, probe media.SourceProbe, dest string, quality int) error
}

// Config holds the collaborators of a Compressor. Library and Thumbnailer
// are optional; requests asking for them fail validation when unset.
type Config struct {
	Prober      media.Prober
	Engine      *decision.Engine
	Pipeline    *transcoder.Pipeline
	Library     library.Index
	Thumbnailer Thumbnailer
	MoviesDir   string
	Logger      *slog.Logger
}

// Compressor runs requests. It is safe for concurrent use.
type Compressor struct {
	config Config
}

// New creates a Compressor.
func New(config Config) (*Compressor, error) {
	if config.Prober == nil || config.Engine == nil || config.Pipeline == nil {
		return nil, errors.New("compressor requires a prober, an engine and a pipeline")
	}
	if config.MoviesDir == "" {
		config.MoviesDir = DefaultMoviesDir
	}
	if config.Logger == nil {
		config.Logger = logger.Discard()
	}
	return &Compressor{config: config}, nil
}

// Info probes path without compressing it.
func (c *Compressor) Info(ctx context.Context, path string) (media.SourceProbe, error) {
	return c.config.Prober.Probe(ctx, path)
}

// Compress runs req to completion.
func (c *Compressor) Compress(ctx context.Context, req Request) (Outcome, error) {
	task, err := c.Submit(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	return task.Wait(ctx)
}

// Submit probes and decides synchronously, then runs the transfer in the
// background. Errors before the transfer starts are returned directly.
func (c *Compressor) Submit(ctx context.Context, req Request) (*Task, error) {
	req, err := c.normalize(req)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "compress")
	span.SetAttributes(
		attribute.String("compress.source", req.SourcePath),
		attribute.String("compress.quality", req.Quality.String()),
		attribute.Int("compress.cap_mbps", req.CustomBitrateMbps),
	)

	probe, err := c.probe(ctx, req)
	if err != nil {
		return nil, c.reject(ctx, span, err)
	}
	target, err := c.target(ctx, probe, req)
	if err != nil {
		return nil, c.reject(ctx, span, err)
	}

	task := &Task{
		done:    make(chan struct{}),
		outcome: Outcome{Probe: probe, Target: target},
	}
	jobConfig := transcoder.JobConfig{
		ID:         uuid.NewString(),
		SourcePath: req.SourcePath,
		OutputPath: req.OutputPath,
		Probe:      probe,
		Target:     target,
		Tier:       req.Quality,
		OnProgress: req.OnProgress,
	}

	if target.Skip {
		task.job = transcoder.NewJob(jobConfig)
		if err := task.job.MarkSkipped(); err != nil {
			return nil, c.reject(ctx, span, err)
		}
		task.outcome.Path = task.job.Result().OutputPath
		task.outcome.Skipped = true
		task.outcome.State = task.job.State()
		metrics.RecordOutcome("skipped")
		span.SetAttributes(attribute.String("compress.result", "skipped"))
		span.End()
		logger.Info(ctx, c.config.Logger, "Compression skipped",
			"source", req.SourcePath,
			"reason", target.Reason,
		)
		close(task.done)
		return task, nil
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return nil, c.reject(ctx, span, models.NewTranscodeError(models.ErrEncodeFailed, "create output directory", err))
	}

	// Each task gets its own dispatcher so a slow listener holds up only its
	// own job.
	var dispatcher *transcoder.Dispatcher
	if req.OnProgress != nil {
		dispatcher = transcoder.NewDispatcher()
		jobConfig.Dispatcher = dispatcher
	}
	task.job = transcoder.NewJob(jobConfig)
	go func() {
		defer span.End()
		defer close(task.done)
		if dispatcher != nil {
			defer dispatcher.Close()
		}
		task.outcome, task.err = c.run(ctx, task.job, req, task.outcome)
		if task.err != nil {
			span.RecordError(task.err)
			span.SetStatus(codes.Error, task.err.Error())
		}
	}()
	return task, nil
}

// probe reads the source. A source the prober cannot describe is still
// reported when it is small enough to be skipped on size alone.
func (c *Compressor) probe(ctx context.Context, req Request) (media.SourceProbe, error) {
	probe, err := c.config.Prober.Probe(ctx, req.SourcePath)
	if err == nil || !errors.Is(err, models.ErrProbeUnavailable) || req.Settings != nil {
		return probe, err
	}
	info, statErr := os.Stat(req.SourcePath)
	if statErr != nil || info.Size() >= c.config.Engine.Policy().SkipBelowBytes {
		return probe, err
	}
	return media.SourceProbe{Path: req.SourcePath, FileSize: info.Size()}, nil
}

func (c *Compressor) target(ctx context.Context, probe media.SourceProbe, req Request) (media.TranscodeTarget, error) {
	if req.Settings == nil {
		return c.config.Engine.Decide(ctx, probe, req.Quality, req.CustomBitrateMbps)
	}
	settings := *req.Settings
	if settings.Tier == "" {
		settings.Tier = req.Quality
	}
	return decision.ResolveSettings(probe, settings)
}

func (c *Compressor) normalize(req Request) (Request, error) {
	if req.SourcePath == "" {
		return req, models.ErrMissingSource
	}
	if req.Quality == "" {
		req.Quality = media.DefaultTier
	}
	if !req.Quality.IsValid() {
		return req, fmt.Errorf("%w: %q", models.ErrInvalidQuality, req.Quality)
	}
	if req.CustomBitrateMbps < 0 {
		return req, models.ErrInvalidBitrate
	}
	if req.CustomBitrateMbps == 0 {
		req.CustomBitrateMbps = DefaultBitrateMbps
	}
	if req.OutputPath == "" {
		req.OutputPath = filepath.Join(c.config.MoviesDir, uuid.NewString()+".mp4")
	}
	if (req.SaveToLibrary || req.StoreThumbnail && req.ThumbnailToLibrary) && c.config.Library == nil {
		return req, errors.New("no media library configured")
	}
	if req.StoreThumbnail {
		if c.config.Thumbnailer == nil {
			return req, errors.New("no thumbnailer configured")
		}
		if req.ThumbnailPath == "" {
			req.ThumbnailPath = req.OutputPath[:len(req.OutputPath)-len(filepath.Ext(req.OutputPath))] + ".jpg"
		}
		if req.ThumbnailQuality <= 0 {
			req.ThumbnailQuality = DefaultThumbnailQuality
		}
	}
	return req, nil
}

// reject ends span for a request that failed before its transfer started.
func (c *Compressor) reject(ctx context.Context, span trace.Span, err error) error {
	defer span.End()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	metrics.RecordOutcome(outcomeOf(err))
	logger.Error(ctx, c.config.Logger, "Compression rejected",
		"error", err,
		"category", models.CategoryOf(err),
	)
	return err
}

// outcomeOf maps an error to the jobs_total outcome label.
func outcomeOf(err error) string {
	if errors.Is(err, models.ErrCancelled) {
		return "cancelled"
	}
	return "failed"
}
