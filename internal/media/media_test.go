package media

import (
	"errors"
	"testing"
	"time"

	"github.com/amillerrr/vidshrink/pkg/models"
)

func TestRotationFromTransform(t *testing.T) {
	tests := []struct {
		name    string
		tf      Transform
		want    int
		wantErr bool
	}{
		{"identity", Identity, 0, false},
		{"identity with translation", Transform{A: 1, D: 1, Tx: 10, Ty: 20}, 0, false},
		{"quarter turn", Transform{B: 1, C: -1}, 90, false},
		{"half turn", Transform{A: -1, D: -1}, 180, false},
		{"three quarter turn", Transform{B: -1, C: 1}, 270, false},
		{"mirror", Transform{A: -1, D: 1}, 0, true},
		{"scaled", Transform{A: 2, D: 2}, 0, true},
		{"zero", Transform{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RotationFromTransform(tt.tf)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedTransform) {
					t.Errorf("RotationFromTransform() error = %v, want ErrUnsupportedTransform", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("RotationFromTransform() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("RotationFromTransform() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestOutputTransformRoundTrips(t *testing.T) {
	for _, rot := range []int{0, 90, 180, 270} {
		tf, err := OutputTransform(rot, 1080, 1920)
		if err != nil {
			t.Fatalf("OutputTransform(%d) error: %v", rot, err)
		}
		got, err := RotationFromTransform(tf)
		if err != nil {
			t.Fatalf("RotationFromTransform(OutputTransform(%d)) error: %v", rot, err)
		}
		if got != rot {
			t.Errorf("rotation %d classified as %d", rot, got)
		}
	}

	if _, err := OutputTransform(45, 10, 10); !errors.Is(err, ErrUnsupportedTransform) {
		t.Errorf("OutputTransform(45) error = %v, want ErrUnsupportedTransform", err)
	}
}

func TestOutputTransformTranslation(t *testing.T) {
	tf, _ := OutputTransform(90, 1920, 1080)
	if tf.Tx != 1080 || tf.Ty != 0 {
		t.Errorf("90 degree translation = (%g, %g), want (1080, 0)", tf.Tx, tf.Ty)
	}
	tf, _ = OutputTransform(180, 1920, 1080)
	if tf.Tx != 1920 || tf.Ty != 1080 {
		t.Errorf("180 degree translation = (%g, %g), want (1920, 1080)", tf.Tx, tf.Ty)
	}
	tf, _ = OutputTransform(270, 1920, 1080)
	if tf.Tx != 0 || tf.Ty != 1920 {
		t.Errorf("270 degree translation = (%g, %g), want (0, 1920)", tf.Tx, tf.Ty)
	}
}

func TestNormalizeRotation(t *testing.T) {
	tests := []struct {
		in      int
		want    int
		wantErr bool
	}{
		{0, 0, false},
		{90, 90, false},
		{-90, 270, false},
		{450, 90, false},
		{-180, 180, false},
		{30, 0, true},
	}
	for _, tt := range tests {
		got, err := NormalizeRotation(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeRotation(%d) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeRotation(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		in      string
		want    QualityTier
		wantErr bool
	}{
		{"", TierMedium, false},
		{"very_low", TierVeryLow, false},
		{"Very-High", TierVeryHigh, false},
		{" HIGH ", TierHigh, false},
		{"ultra", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTier(tt.in)
		if tt.wantErr {
			if !errors.Is(err, models.ErrInvalidQuality) {
				t.Errorf("ParseTier(%q) error = %v, want ErrInvalidQuality", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseTier(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestReferenceDimensions(t *testing.T) {
	want := map[QualityTier]int{
		TierVeryLow: 640, TierLow: 640, TierMedium: 960, TierHigh: 1280, TierVeryHigh: 1920,
	}
	for _, tier := range Tiers {
		if got := tier.ReferenceDimension(); got != want[tier] {
			t.Errorf("%s.ReferenceDimension() = %d, want %d", tier, got, want[tier])
		}
	}
}

func TestEstimatedFrames(t *testing.T) {
	tests := []struct {
		name string
		p    SourceProbe
		want int64
	}{
		{"exact", SourceProbe{Duration: 10 * time.Second, FrameRate: 30}, 300},
		{"rounds up", SourceProbe{Duration: 1001 * time.Millisecond, FrameRate: 30}, 31},
		{"ntsc", SourceProbe{Duration: 2 * time.Second, FrameRate: 29.97}, 60},
		{"no frame rate", SourceProbe{Duration: time.Second}, 0},
		{"no duration", SourceProbe{FrameRate: 30}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.EstimatedFrames(); got != tt.want {
				t.Errorf("EstimatedFrames() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStoredSize(t *testing.T) {
	p := SourceProbe{Width: 1920, Height: 1080, Rotation: 90}
	w, h := p.StoredSize()
	if w != 1080 || h != 1920 {
		t.Errorf("StoredSize() = %dx%d, want 1080x1920", w, h)
	}
	p.Rotation = 180
	w, h = p.StoredSize()
	if w != 1920 || h != 1080 {
		t.Errorf("StoredSize() = %dx%d, want 1920x1080", w, h)
	}
}

func TestAudioPriming(t *testing.T) {
	second := float64(time.Second)
	want := time.Duration(second * 1024 / 44100)
	diff := AudioPriming - want
	if diff < -time.Microsecond || diff > time.Microsecond {
		t.Errorf("AudioPriming = %v, want %v", AudioPriming, want)
	}
}
