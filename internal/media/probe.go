package media

import (
	"context"
	"time"
)

// Bytes per MiB, the unit every size threshold is expressed in.
const MiB = 1 << 20

// SourceProbe is a read-only snapshot of a source video. Width and Height are
// in display orientation: a 1080x1920 track rotated by 90 degrees is reported
// as 1920x1080.
type SourceProbe struct {
	Path       string
	Width      int
	Height     int
	BitrateBps int64
	Duration   time.Duration
	FileSize   int64
	Rotation   int
	Transform  Transform
	FrameRate  float64
	HasAudio   bool
}

// StoredSize returns the track dimensions before rotation is applied.
func (p SourceProbe) StoredSize() (int, int) {
	if p.Rotation == 90 || p.Rotation == 270 {
		return p.Height, p.Width
	}
	return p.Width, p.Height
}

// BitrateMbps returns the source bitrate in megabits per second.
func (p SourceProbe) BitrateMbps() float64 {
	return float64(p.BitrateBps) / 1_000_000
}

// FileSizeMiB returns the file size in MiB.
func (p SourceProbe) FileSizeMiB() float64 {
	return float64(p.FileSize) / MiB
}

// EstimatedFrames is ceil(duration * frame rate), the progress denominator.
func (p SourceProbe) EstimatedFrames() int64 {
	if p.FrameRate <= 0 || p.Duration <= 0 {
		return 0
	}
	frames := p.Duration.Seconds() * p.FrameRate
	n := int64(frames)
	if float64(n) < frames {
		n++
	}
	return n
}

// TranscodeTarget is the decision engine's verdict for one job.
type TranscodeTarget struct {
	Width      int
	Height     int
	BitrateBps int64
	Skip       bool
	Resize     bool
	Reason     string
}

// BitrateMbps returns the target bitrate in whole megabits per second.
func (t TranscodeTarget) BitrateMbps() int {
	return int(t.BitrateBps / 1_000_000)
}

// Prober reads a source's characteristics without decoding its content.
// Implementations fail with models.ErrInvalidSource when the file cannot be
// opened and models.ErrProbeUnavailable when it has no usable video track.
type Prober interface {
	Probe(ctx context.Context, path string) (SourceProbe, error)
}
