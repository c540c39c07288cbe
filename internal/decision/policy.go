package decision

import (
	"fmt"

	"github.com/amillerrr/vidshrink/internal/media"
)

// Policy holds every tunable of the decision engine. The zero value is not
// usable; start from DefaultPolicy.
type Policy struct {
	// DensityMbpsPerMegapixel is the bitrate, in Mbps, granted per megapixel
	// of output.
	DensityMbpsPerMegapixel float64 `yaml:"density_mbps_per_megapixel"`

	// MinBitrateMbps is the floor for every computed bitrate.
	MinBitrateMbps int `yaml:"min_bitrate_mbps"`

	// DefaultCapMbps applies when a request carries no cap.
	DefaultCapMbps int `yaml:"default_cap_mbps"`

	// SkipBelowBytes skips any file smaller than this.
	SkipBelowBytes int64 `yaml:"skip_below_bytes"`

	// EfficientBelowBytes and EfficientBitrateMbps together describe a source
	// that is already compact enough to leave alone.
	EfficientBelowBytes  int64   `yaml:"efficient_below_bytes"`
	EfficientBitrateMbps float64 `yaml:"efficient_bitrate_mbps"`

	Align     bool `yaml:"align"`
	AlignUnit int  `yaml:"align_unit"`

	ReferenceDimensions map[media.QualityTier]int `yaml:"reference_dimensions"`
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	refs := make(map[media.QualityTier]int, len(media.DefaultReferenceDimensions))
	for k, v := range media.DefaultReferenceDimensions {
		refs[k] = v
	}
	return Policy{
		DensityMbpsPerMegapixel: 3.5,
		MinBitrateMbps:          2,
		DefaultCapMbps:          5,
		SkipBelowBytes:          5 * media.MiB,
		EfficientBelowBytes:     20 * media.MiB,
		EfficientBitrateMbps:    2,
		Align:                   true,
		AlignUnit:               16,
		ReferenceDimensions:     refs,
	}
}

// Validate checks that the policy is internally consistent.
func (p Policy) Validate() error {
	if p.DensityMbpsPerMegapixel <= 0 {
		return fmt.Errorf("density must be positive, got %g", p.DensityMbpsPerMegapixel)
	}
	if p.MinBitrateMbps <= 0 {
		return fmt.Errorf("min bitrate must be positive, got %d", p.MinBitrateMbps)
	}
	if p.DefaultCapMbps < p.MinBitrateMbps {
		return fmt.Errorf("default cap %d is below min bitrate %d", p.DefaultCapMbps, p.MinBitrateMbps)
	}
	if p.SkipBelowBytes < 0 || p.EfficientBelowBytes < 0 {
		return fmt.Errorf("size thresholds must not be negative")
	}
	if p.Align && p.AlignUnit <= 0 {
		return fmt.Errorf("align unit must be positive, got %d", p.AlignUnit)
	}
	for _, tier := range media.Tiers {
		ref, ok := p.ReferenceDimensions[tier]
		if !ok || ref <= 0 {
			return fmt.Errorf("reference dimension for tier %s must be positive", tier)
		}
	}
	return nil
}

// Reference returns the longer-edge ceiling for tier.
func (p Policy) Reference(tier media.QualityTier) (int, bool) {
	ref, ok := p.ReferenceDimensions[tier]
	return ref, ok && ref > 0
}
