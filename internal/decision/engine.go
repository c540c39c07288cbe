// Package decision computes whether a video should be compressed and, if so,
// the output dimensions and bitrate.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/amillerrr/vidshrink/internal/logger"
	"github.com/amillerrr/vidshrink/internal/media"
	"github.com/amillerrr/vidshrink/internal/metrics"
	"github.com/amillerrr/vidshrink/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("vidshrink-decision")

// Decision branches, reported as TranscodeTarget.Reason.
const (
	BranchSkipSmall     = "skip_small_file"
	BranchSkipEfficient = "skip_efficient_source"
	BranchLowBitrate    = "low_bitrate_source"
	BranchResize        = "resize"
	BranchMatchSource   = "match_source_bitrate"
	BranchCalculated    = "calculated"
)

// Engine applies a Policy to probed sources. It holds no per-call state and is
// safe for concurrent use.
type Engine struct {
	policy Policy
	logger *slog.Logger
}

// NewEngine creates an Engine. A nil logger discards output.
func NewEngine(policy Policy, log *slog.Logger) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid decision policy: %w", err)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{policy: policy, logger: log}, nil
}

// Policy returns the engine's policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Decide computes the transcode target for probe at tier. capMbps bounds the
// computed bitrate; zero or less selects the policy default.
func (e *Engine) Decide(ctx context.Context, probe media.SourceProbe, tier media.QualityTier, capMbps int) (media.TranscodeTarget, error) {
	ctx, span := tracer.Start(ctx, "decide")
	defer span.End()

	ref, ok := e.policy.Reference(tier)
	if !ok {
		return media.TranscodeTarget{}, fmt.Errorf("%w: %q", models.ErrInvalidQuality, tier)
	}
	capMbps = e.effectiveCap(capMbps)

	// Small files are returned as they are, whatever else the probe says.
	if probe.FileSize < e.policy.SkipBelowBytes {
		target := media.TranscodeTarget{
			Width:      probe.Width,
			Height:     probe.Height,
			BitrateBps: probe.BitrateBps,
			Skip:       true,
			Reason:     BranchSkipSmall,
		}
		return e.record(ctx, span, probe, tier, ref, capMbps, target), nil
	}

	if probe.Width <= 0 || probe.Height <= 0 {
		return media.TranscodeTarget{}, models.NewTranscodeError(models.ErrProbeUnavailable,
			fmt.Sprintf("source dimensions unavailable (%dx%d)", probe.Width, probe.Height), nil)
	}
	if probe.BitrateBps <= 0 {
		return media.TranscodeTarget{}, models.NewTranscodeError(models.ErrProbeUnavailable,
			"source bitrate unavailable", nil)
	}

	srcMbps := probe.BitrateMbps()
	resize := max(probe.Width, probe.Height) >= ref

	target := media.TranscodeTarget{
		Width:      probe.Width,
		Height:     probe.Height,
		BitrateBps: probe.BitrateBps,
		Resize:     resize,
	}

	if srcMbps < e.policy.EfficientBitrateMbps && !resize && probe.FileSize < e.policy.EfficientBelowBytes {
		target.Skip = true
		target.Reason = BranchSkipEfficient
		return e.record(ctx, span, probe, tier, ref, capMbps, target), nil
	}

	w, h := probe.Width, probe.Height
	if resize {
		w, h = ScaleToReference(w, h, ref)
	}
	if e.policy.Align {
		w, h = AlignDown(w, e.policy.AlignUnit), AlignDown(h, e.policy.AlignUnit)
	}
	target.Width, target.Height = w, h

	// Without a resize the output never exceeds the source bitrate.
	calculated := e.calculatedMbps(w, h, capMbps)
	mbps := calculated
	switch {
	case resize && srcMbps < float64(e.policy.MinBitrateMbps):
		target.Reason = BranchLowBitrate
	case resize:
		target.Reason = BranchResize
	case float64(calculated) > srcMbps:
		mbps = max(int(math.Round(srcMbps)), e.policy.MinBitrateMbps)
		target.Reason = BranchMatchSource
	default:
		target.Reason = BranchCalculated
	}
	target.BitrateBps = int64(mbps) * 1_000_000

	return e.record(ctx, span, probe, tier, ref, capMbps, target), nil
}

// record reports a finished decision to metrics, the span and the log.
func (e *Engine) record(ctx context.Context, span trace.Span, probe media.SourceProbe, tier media.QualityTier, ref, capMbps int, target media.TranscodeTarget) media.TranscodeTarget {
	metrics.RecordDecision(target.Reason, tier.String())
	span.SetAttributes(
		attribute.String("decision.branch", target.Reason),
		attribute.Bool("decision.skip", target.Skip),
		attribute.Int("decision.width", target.Width),
		attribute.Int("decision.height", target.Height),
		attribute.Int64("decision.bitrate_bps", target.BitrateBps),
	)
	logger.Info(ctx, e.logger, "Transcode decision",
		"tier", tier,
		"input_mb", fmt.Sprintf("%.2f", probe.FileSizeMiB()),
		"input_dims", fmt.Sprintf("%dx%d", probe.Width, probe.Height),
		"input_mbps", fmt.Sprintf("%.2f", probe.BitrateMbps()),
		"reference", ref,
		"resize", target.Resize,
		"skip", target.Skip,
		"branch", target.Reason,
		"output_dims", fmt.Sprintf("%dx%d", target.Width, target.Height),
		"output_mbps", target.BitrateMbps(),
		"cap_mbps", capMbps,
		"k", e.policy.DensityMbpsPerMegapixel,
	)
	return target
}

func (e *Engine) effectiveCap(capMbps int) int {
	if capMbps <= 0 {
		capMbps = e.policy.DefaultCapMbps
	}
	return max(capMbps, e.policy.MinBitrateMbps)
}

func (e *Engine) calculatedMbps(w, h, capMbps int) int {
	raw := int(math.Round(float64(w) * float64(h) * e.policy.DensityMbpsPerMegapixel / 1_000_000))
	return min(max(raw, e.policy.MinBitrateMbps), capMbps)
}
