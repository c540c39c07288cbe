package decision

import "github.com/amillerrr/vidshrink/internal/media"

// AlignDown rounds v down to a multiple of unit, never below unit itself.
func AlignDown(v, unit int) int {
	if unit <= 1 {
		return v
	}
	aligned := (v / unit) * unit
	if aligned < unit {
		return unit
	}
	return aligned
}

// ScaleToReference fits w x h so the longer edge equals ref, rounding the
// shorter edge up. A square source becomes ref x ref.
func ScaleToReference(w, h, ref int) (int, int) {
	switch {
	case w > h:
		return ref, ceilDiv(h*ref, w)
	case h > w:
		return ceilDiv(w*ref, h), ref
	}
	return ref, ref
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// BracketScale picks output dimensions from the source size alone, by bands of
// the longer edge. It is used when no tier policy produced a target.
func BracketScale(w, h int) (int, int) {
	long := max(w, h)
	var fw, fh float64
	switch {
	case long >= 1920:
		fw, fh = float64(w)*0.5, float64(h)*0.5
	case long >= 1280:
		fw, fh = float64(w)*0.75, float64(h)*0.75
	case long >= 960:
		if w >= h {
			fw, fh = 640*0.95, 360*0.95
		} else {
			fw, fh = 360*0.95, 640*0.95
		}
	default:
		fw, fh = float64(w)*0.9, float64(h)*0.9
	}
	return AlignDown(int(fw), 16), AlignDown(int(fh), 16)
}

// tierBitrateFraction is the share of the source bitrate kept per tier when a
// target carries no explicit bitrate.
var tierBitrateFraction = map[media.QualityTier]float64{
	media.TierVeryLow:  0.08,
	media.TierLow:      0.1,
	media.TierMedium:   0.2,
	media.TierHigh:     0.28,
	media.TierVeryHigh: 0.5,
}

// FallbackBitrate derives a bitrate from the source bitrate by tier.
func FallbackBitrate(tier media.QualityTier, sourceBps int64) int64 {
	f, ok := tierBitrateFraction[tier]
	if !ok {
		f = tierBitrateFraction[media.DefaultTier]
	}
	return int64(float64(sourceBps) * f)
}
