// Package media holds the value types and capability interfaces shared by the
// decision engine and the transfer pipeline.
package media

import (
	"fmt"
	"strings"

	"github.com/amillerrr/vidshrink/pkg/models"
)

// QualityTier is a requested output quality level.
type QualityTier string

const (
	TierVeryLow  QualityTier = "very_low"
	TierLow      QualityTier = "low"
	TierMedium   QualityTier = "medium"
	TierHigh     QualityTier = "high"
	TierVeryHigh QualityTier = "very_high"
)

// DefaultTier is used when a request does not name one.
const DefaultTier = TierMedium

// Tiers lists every tier from lowest to highest.
var Tiers = []QualityTier{TierVeryLow, TierLow, TierMedium, TierHigh, TierVeryHigh}

// DefaultReferenceDimensions bounds the longer output edge per tier.
var DefaultReferenceDimensions = map[QualityTier]int{
	TierVeryLow:  640,
	TierLow:      640,
	TierMedium:   960,
	TierHigh:     1280,
	TierVeryHigh: 1920,
}

// ParseTier accepts the tier names case-insensitively; an empty string yields
// DefaultTier.
func ParseTier(s string) (QualityTier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultTier, nil
	}
	s = strings.ReplaceAll(s, "-", "_")
	t := QualityTier(s)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", models.ErrInvalidQuality, s)
	}
	return t, nil
}

// IsValid reports whether t is one of the five tiers.
func (t QualityTier) IsValid() bool {
	_, ok := DefaultReferenceDimensions[t]
	return ok
}

// ReferenceDimension returns the default longer-edge ceiling for t.
func (t QualityTier) ReferenceDimension() int {
	return DefaultReferenceDimensions[t]
}

func (t QualityTier) String() string {
	return string(t)
}
