package compressor

import (
	"context"
	"os"

	"github.com/amillerrr/vidshrink/internal/logger"
	"github.com/amillerrr/vidshrink/internal/media"
	"github.com/amillerrr/vidshrink/internal/metrics"
	"github.com/amillerrr/vidshrink/internal/transcoder"
)

// Task is a submitted request. A skipped request yields a Task whose job is
// already in the skipped state.
type Task struct {
	job  *transcoder.Job
	done chan struct{}

	// Written once before done is closed.
	outcome Outcome
	err     error
}

// ID returns the transfer job id.
func (t *Task) ID() string {
	return t.job.ID()
}

// Cancel requests cancellation of the transfer. It is idempotent and has no
// effect once the transfer has finished.
func (t *Task) Cancel() {
	t.job.Cancel()
}

// Done is closed once the request has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Progress reports the transfer percentage, or false when none is available.
func (t *Task) Progress() (float64, bool) {
	if t.job.State() == transcoder.StateSkipped {
		return 0, false
	}
	return t.job.Progress()
}

// Wait blocks until the request finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, t.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (c *Compressor) run(ctx context.Context, job *transcoder.Job, req Request, out Outcome) (Outcome, error) {
	res := c.config.Pipeline.Run(ctx, job)
	out.State = res.State
	out.Frames = res.Frames
	out.Elapsed = res.Elapsed

	if res.State != transcoder.StateSucceeded {
		metrics.RecordOutcome(res.State.String())
		logger.Error(ctx, c.config.Logger, "Compression failed",
			"source", req.SourcePath,
			"state", res.State.String(),
			"error", res.Err,
		)
		return out, res.Err
	}

	out.Path = res.OutputPath
	metrics.RecordOutcome(res.State.String())
	if info, err := os.Stat(out.Path); err == nil {
		out.OutputSize = info.Size()
		metrics.RecordSavings(out.Probe.FileSize, out.OutputSize)
	}
	c.logSummary(ctx, out)

	if req.StoreThumbnail {
		if err := c.storeThumbnail(ctx, out.Path, req); err != nil {
			logger.Warn(ctx, c.config.Logger, "Failed to store thumbnail", "path", req.ThumbnailPath, "error", err)
		} else {
			out.ThumbnailPath = req.ThumbnailPath
		}
	}
	if out.ThumbnailPath != "" && req.ThumbnailToLibrary {
		loc, err := c.config.Library.Register(ctx, out.ThumbnailPath)
		if err != nil {
			logger.Warn(ctx, c.config.Logger, "Failed to register thumbnail with library", "path", out.ThumbnailPath, "error", err)
		} else {
			out.ThumbnailLocation = loc
		}
	}
	if req.SaveToLibrary {
		loc, err := c.config.Library.Register(ctx, out.Path)
		if err != nil {
			logger.Warn(ctx, c.config.Logger, "Failed to register with library", "path", out.Path, "error", err)
		} else {
			out.LibraryLocation = loc
		}
	}
	return out, nil
}

func (c *Compressor) storeThumbnail(ctx context.Context, videoPath string, req Request) error {
	probe, err := c.config.Prober.Probe(ctx, videoPath)
	if err != nil {
		return err
	}
	return c.config.Thumbnailer.Generate(ctx, videoPath, probe, req.ThumbnailPath, req.ThumbnailQuality)
}

func (c *Compressor) logSummary(ctx context.Context, out Outcome) {
	in := out.Probe.FileSize
	var reduction float64
	if in > 0 {
		reduction = (1 - float64(out.OutputSize)/float64(in)) * 100
	}
	logger.Info(ctx, c.config.Logger, "Compression complete",
		"input_mb", float64(in)/media.MiB,
		"output_mb", float64(out.OutputSize)/media.MiB,
		"reduction_pct", reduction,
		"output", out.Path,
		"width", out.Target.Width,
		"height", out.Target.Height,
		"bitrate_mbps", out.Target.BitrateMbps(),
		"k", c.config.Engine.Policy().DensityMbpsPerMegapixel,
		"frames", out.Frames,
		"elapsed", out.Elapsed.String(),
	)
}
