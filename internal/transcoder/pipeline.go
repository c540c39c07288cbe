package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/amillerrr/vidshrink/internal/decision"
	"github.com/amillerrr/vidshrink/internal/logger"
	"github.com/amillerrr/vidshrink/internal/media"
	"github.com/amillerrr/vidshrink/internal/metrics"
	"github.com/amillerrr/vidshrink/pkg/models"
	"github.com/google/renameio/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("vidshrink-transcoder")

// PipelineConfig holds the capabilities a Pipeline drives.
type PipelineConfig struct {
	Decoder media.Decoder
	Encoder media.Encoder
	Logger  *slog.Logger
}

// Pipeline moves samples from a decoder to an encoder, one job per goroutine.
// Jobs without their own dispatcher share the pipeline's.
type Pipeline struct {
	config     PipelineConfig
	dispatcher *Dispatcher
}

// NewPipeline creates a Pipeline. Close it to stop progress delivery.
func NewPipeline(config PipelineConfig) *Pipeline {
	if config.Logger == nil {
		config.Logger = logger.Discard()
	}
	return &Pipeline{config: config, dispatcher: NewDispatcher()}
}

// Close stops the progress dispatcher after delivering queued updates.
func (p *Pipeline) Close() {
	p.dispatcher.Close()
}

// Start runs job on a new goroutine. Use job.Wait or job.Done for the result.
func (p *Pipeline) Start(ctx context.Context, job *Job) {
	go p.Run(ctx, job)
}

// Run transfers job to completion and returns its terminal result. A job
// that is not idle is rejected without touching its state.
func (p *Pipeline) Run(ctx context.Context, job *Job) Result {
	if err := job.transition(StateStarted); err != nil {
		return Result{State: StateFailed, Err: err}
	}

	ctx, span := tracer.Start(ctx, "transfer")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID()),
		attribute.String("job.source", job.cfg.SourcePath),
	)

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	start := time.Now()
	t := &transfer{p: p, job: job, log: p.config.Logger.With("job_id", job.ID())}
	res := t.run(ctx)
	res.Elapsed = time.Since(start)

	// Listeners see every update before they see the result.
	_ = t.dispatcher().Flush(context.WithoutCancel(ctx))

	if err := job.finish(res); err != nil {
		logger.Error(ctx, t.log, "Failed to finish job", "error", err)
	}
	res = job.Result()

	metrics.TransferDuration.WithLabelValues(res.State.String()).Observe(res.Elapsed.Seconds())
	span.SetAttributes(
		attribute.String("job.state", res.State.String()),
		attribute.Int64("job.frames", res.Frames),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	logger.Info(ctx, t.log, "Transfer finished",
		"state", res.State.String(),
		"frames", res.Frames,
		"elapsed", res.Elapsed.String(),
		"output", res.OutputPath,
	)
	return res
}

// transfer holds the resources of one Run.
type transfer struct {
	p   *Pipeline
	job *Job
	log *slog.Logger

	video   media.TrackReader
	audio   media.TrackReader
	pending *renameio.PendingFile
	writer  media.ContainerWriter
	vw      media.StreamWriter
	aw      media.StreamWriter
}

func (t *transfer) run(ctx context.Context) Result {
	defer t.release()

	cfg := t.job.cfg
	target := t.resolveTarget()

	rotation, err := t.rotation()
	if err != nil {
		return failed(models.ErrInvalidSource, "source orientation", err)
	}

	if res, stop := t.checkCancel(ctx); stop {
		return res
	}

	storedW, storedH := cfg.Probe.StoredSize()
	t.video, err = t.p.config.Decoder.OpenVideo(ctx, cfg.SourcePath, media.VideoTrackSpec{
		Width:     storedW,
		Height:    storedH,
		FrameRate: cfg.Probe.FrameRate,
	})
	if err != nil {
		return failed(models.ErrInvalidSource, "open video track", err)
	}
	if cfg.Probe.HasAudio {
		t.audio, err = t.p.config.Decoder.OpenAudio(ctx, cfg.SourcePath, media.AudioTrackSpec{
			SampleRate: media.AudioSampleRate,
			Channels:   media.AudioChannels,
		})
		switch {
		case errors.Is(err, media.ErrNoTrack):
			t.audio = nil
			logger.Warn(ctx, t.log, "Probe reported audio but no audio track could be opened")
		case err != nil:
			return failed(models.ErrInvalidSource, "open audio track", err)
		}
	}

	if err := t.openOutput(ctx, target, rotation); err != nil {
		return failed(models.ErrEncodeFailed, "open destination", err)
	}

	if err := t.job.transition(StateTransferringVideo); err != nil {
		return failed(models.ErrEncodeFailed, "state", err)
	}
	if res, stop := t.pump(ctx, t.video, t.vw, false); stop {
		return res
	}

	if t.audio != nil {
		if err := t.job.transition(StateTransferringAudio); err != nil {
			return failed(models.ErrEncodeFailed, "state", err)
		}
		if res, stop := t.pump(ctx, t.audio, t.aw, true); stop {
			return res
		}
	}

	if err := t.job.transition(StateFinalizing); err != nil {
		return failed(models.ErrEncodeFailed, "state", err)
	}
	return t.finalize(ctx)
}

// resolveTarget fills in dimensions and bitrate for targets that carry none.
func (t *transfer) resolveTarget() media.TranscodeTarget {
	cfg := t.job.cfg
	target := cfg.Target
	if target.Width <= 0 || target.Height <= 0 {
		target.Width, target.Height = decision.BracketScale(cfg.Probe.Width, cfg.Probe.Height)
	}
	if target.BitrateBps <= 0 {
		target.BitrateBps = decision.FallbackBitrate(cfg.Tier, cfg.Probe.BitrateBps)
	}
	return target
}

func (t *transfer) rotation() (int, error) {
	probe := t.job.cfg.Probe
	if probe.Transform.IsZero() {
		return media.NormalizeRotation(probe.Rotation)
	}
	return media.RotationFromTransform(probe.Transform)
}

func (t *transfer) openOutput(ctx context.Context, target media.TranscodeTarget, rotation int) error {
	cfg := t.job.cfg

	pending, err := renameio.NewPendingFile(cfg.OutputPath, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	t.pending = pending

	t.writer, err = t.p.config.Encoder.Create(ctx, pending.Name())
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}

	// Target dimensions are in display orientation; the stream is encoded in
	// stored orientation and carries the rotation as its transform.
	outW, outH := target.Width, target.Height
	if rotation == 90 || rotation == 270 {
		outW, outH = outH, outW
	}
	transform, err := media.OutputTransform(rotation, outW, outH)
	if err != nil {
		return err
	}
	storedW, storedH := cfg.Probe.StoredSize()

	t.vw, err = t.writer.AddVideoStream(media.VideoStreamConfig{
		Codec:        media.VideoCodecH264,
		Width:        outW,
		Height:       outH,
		BitrateBps:   target.BitrateBps,
		FrameRate:    cfg.Probe.FrameRate,
		Transform:    transform,
		SourceWidth:  storedW,
		SourceHeight: storedH,
	})
	if err != nil {
		return fmt.Errorf("add video stream: %w", err)
	}
	if t.audio != nil {
		t.aw, err = t.writer.AddAudioStream(media.DefaultAudioStream())
		if err != nil {
			return fmt.Errorf("add audio stream: %w", err)
		}
	}
	if err := t.writer.Start(ctx); err != nil {
		return fmt.Errorf("start writer: %w", err)
	}

	logger.Info(ctx, t.log, "Destination opened",
		"pending", pending.Name(),
		"output", cfg.OutputPath,
		"width", outW,
		"height", outH,
		"rotation", rotation,
		"bitrate_bps", target.BitrateBps,
		"audio", t.audio != nil,
	)
	return nil
}

// pump moves every sample from r to w. stop is true when the job ended early.
func (t *transfer) pump(ctx context.Context, r media.TrackReader, w media.StreamWriter, audio bool) (Result, bool) {
	first := true
	for {
		if res, stop := t.checkCancel(ctx); stop {
			return res, true
		}
		if err := w.WaitReady(ctx); err != nil {
			if res, stop := t.checkCancel(ctx); stop {
				return res, true
			}
			return failed(models.ErrEncodeFailed, "wait for writer", err), true
		}

		sample, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			if err := w.MarkFinished(); err != nil {
				return failed(models.ErrEncodeFailed, "finish stream", err), true
			}
			return Result{}, false
		}
		if err != nil {
			if res, stop := t.checkCancel(ctx); stop {
				return res, true
			}
			return failed(models.ErrEncodeFailed, "read sample", err), true
		}

		if audio && first {
			sample.TrimAtStart = media.AudioPriming
		}
		first = false

		if err := w.Append(ctx, sample); err != nil {
			if res, stop := t.checkCancel(ctx); stop {
				return res, true
			}
			return failed(models.ErrEncodeFailed, "append sample", err), true
		}

		if !audio {
			t.job.frames.Add(1)
			metrics.FramesTransferred.Inc()
			if pct, ok := t.job.Progress(); ok {
				t.dispatcher().Notify(t.job.ID(), pct, t.job.cfg.OnProgress)
			}
		}
	}
}

func (t *transfer) dispatcher() *Dispatcher {
	if t.job.cfg.Dispatcher != nil {
		return t.job.cfg.Dispatcher
	}
	return t.p.dispatcher
}

// checkCancel aborts the output when the job or ctx has been cancelled.
func (t *transfer) checkCancel(ctx context.Context) (Result, bool) {
	var cause error
	switch {
	case t.job.IsCancelled():
		cause = errors.New("cancellation requested")
	case ctx.Err() != nil:
		cause = ctx.Err()
	default:
		return Result{}, false
	}
	t.abort()
	logger.Info(ctx, t.log, "Transfer cancelled", "frames", t.job.Frames(), "reason", cause)
	return Result{
		State: StateCancelled,
		Err:   models.NewTranscodeError(models.ErrCancelled, "transfer cancelled", cause),
	}, true
}

func (t *transfer) finalize(ctx context.Context) Result {
	ctx, span := tracer.Start(ctx, "finalize")
	defer span.End()

	if err := t.writer.Finish(ctx); err != nil {
		if res, stop := t.checkCancel(ctx); stop {
			return res
		}
		return failed(models.ErrEncodeFailed, "finish writer", err)
	}
	t.writer = nil

	if err := t.pending.CloseAtomicallyReplace(); err != nil {
		return failed(models.ErrEncodeFailed, "commit destination", err)
	}
	t.pending = nil

	return Result{State: StateSucceeded, OutputPath: t.job.cfg.OutputPath}
}

// abort discards the writer and the pending destination.
func (t *transfer) abort() {
	if t.writer != nil {
		if err := t.writer.Abort(); err != nil {
			t.log.Debug("Abort writer", "error", err)
		}
		t.writer = nil
	}
	if t.pending != nil {
		if err := t.pending.Cleanup(); err != nil {
			t.log.Debug("Cleanup pending destination", "error", err)
		}
		t.pending = nil
	}
}

// release runs on every exit path.
func (t *transfer) release() {
	t.abort()
	if t.video != nil {
		_ = t.video.Close()
	}
	if t.audio != nil {
		_ = t.audio.Close()
	}
}

func failed(kind error, message string, cause error) Result {
	return Result{State: StateFailed, Err: models.NewTranscodeError(kind, message, cause)}
}
