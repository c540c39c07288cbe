package decision

import (
	"fmt"

	"github.com/amillerrr/vidshrink/internal/media"
	"github.com/amillerrr/vidshrink/pkg/models"
)

// MinSourceBitrateBps is the lowest source bitrate accepted when
// EncoderSettings.MinBitrateCheck is set.
const MinSourceBitrateBps = 2_000_000

// EncoderSettings configure a transcode for callers that drive the pipeline
// without a Decision. Zero fields fall back to values derived from the source.
type EncoderSettings struct {
	Tier       media.QualityTier
	Width      int
	Height     int
	BitrateBps int64

	KeepOriginalResolution bool
	MinBitrateCheck        bool
}

// ResolveSettings turns settings into a concrete target for probe. Explicit
// dimensions win, then KeepOriginalResolution, then BracketScale. A missing
// bitrate becomes a tier fraction of the source bitrate.
func ResolveSettings(probe media.SourceProbe, s EncoderSettings) (media.TranscodeTarget, error) {
	if s.MinBitrateCheck && probe.BitrateBps <= MinSourceBitrateBps {
		return media.TranscodeTarget{}, models.NewTranscodeError(models.ErrEncodeFailed,
			fmt.Sprintf("source bitrate %d bps is too low to compress", probe.BitrateBps), nil)
	}
	if probe.Width <= 0 || probe.Height <= 0 {
		return media.TranscodeTarget{}, models.NewTranscodeError(models.ErrProbeUnavailable,
			"source dimensions unavailable", nil)
	}

	target := media.TranscodeTarget{Reason: "explicit_settings"}
	switch {
	case s.Width > 0 && s.Height > 0:
		target.Width, target.Height = AlignDown(s.Width, 16), AlignDown(s.Height, 16)
	case s.KeepOriginalResolution:
		target.Width, target.Height = probe.Width, probe.Height
	default:
		target.Width, target.Height = BracketScale(probe.Width, probe.Height)
	}
	target.Resize = target.Width != probe.Width || target.Height != probe.Height

	target.BitrateBps = s.BitrateBps
	if target.BitrateBps <= 0 {
		tier := s.Tier
		if tier == "" {
			tier = media.DefaultTier
		}
		target.BitrateBps = FallbackBitrate(tier, probe.BitrateBps)
	}
	if target.BitrateBps <= 0 {
		return media.TranscodeTarget{}, models.NewTranscodeError(models.ErrProbeUnavailable,
			"no bitrate available for target", nil)
	}
	return target, nil
}
