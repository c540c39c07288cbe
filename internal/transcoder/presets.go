package transcoder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/amillerrr/vidshrink/internal/media"
)

// Profile defines the x264 settings applied to every video stream.
type Profile struct {
	Name    string
	Preset  string
	Profile string
	Level   string
	// GOPSeconds is the keyframe interval in seconds of output.
	GOPSeconds float64
	// MaxRateFactor and BufSizeFactor scale the target bitrate into the VBV
	// maximum rate and buffer size.
	MaxRateFactor float64
	BufSizeFactor float64
}

// DefaultProfile is the production encoding profile.
var DefaultProfile = Profile{
	Name:          "default",
	Preset:        "veryfast",
	Profile:       "main",
	Level:         "4.1",
	GOPSeconds:    2,
	MaxRateFactor: 1.1,
	BufSizeFactor: 2,
}

// Profiles lists the selectable profiles by name.
var Profiles = []Profile{
	DefaultProfile,
	{"fast", "ultrafast", "baseline", "3.1", 2, 1.1, 2},
	{"quality", "medium", "high", "4.2", 2, 1.2, 2},
}

// GetProfileByName returns the profile with the given name, or nil.
func GetProfileByName(name string) *Profile {
	for i := range Profiles {
		if Profiles[i].Name == name {
			return &Profiles[i]
		}
	}
	return nil
}

// BuildVideoFilter returns the -vf chain that scales stored frames to the
// output size and burns in the display rotation.
func BuildVideoFilter(cfg media.VideoStreamConfig) (string, error) {
	rotation, err := media.RotationFromTransform(cfg.Transform)
	if err != nil {
		return "", err
	}

	filters := []string{fmt.Sprintf("scale=%d:%d", cfg.Width, cfg.Height)}
	switch rotation {
	case 90:
		filters = append(filters, "transpose=clock")
	case 180:
		filters = append(filters, "hflip", "vflip")
	case 270:
		filters = append(filters, "transpose=cclock")
	}
	filters = append(filters, "format=yuv420p")
	return strings.Join(filters, ","), nil
}

// VideoEncodeArgs builds the ffmpeg arguments for a video stream fed raw
// yuv420p frames on stdin and written to output.
func VideoEncodeArgs(cfg media.VideoStreamConfig, profile Profile, output string) ([]string, error) {
	filter, err := BuildVideoFilter(cfg)
	if err != nil {
		return nil, err
	}
	fps := cfg.FrameRate
	if fps <= 0 {
		fps = 30
	}
	gop := max(int(fps*profile.GOPSeconds), 1)

	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"-s", fmt.Sprintf("%dx%d", cfg.SourceWidth, cfg.SourceHeight),
		"-r", formatFloat(fps),
		"-i", "pipe:0",
		"-vf", filter,
		"-c:v", "libx264",
		"-preset", profile.Preset,
		"-profile:v", profile.Profile,
		"-level", profile.Level,
		"-b:v", strconv.FormatInt(cfg.BitrateBps, 10),
		"-maxrate", strconv.FormatInt(int64(float64(cfg.BitrateBps)*profile.MaxRateFactor), 10),
		"-bufsize", strconv.FormatInt(int64(float64(cfg.BitrateBps)*profile.BufSizeFactor), 10),
		"-g", strconv.Itoa(gop),
		"-an",
		"-f", "mp4",
		output,
	}, nil
}

// AudioEncodeArgs builds the ffmpeg arguments for an audio stream fed s16le
// PCM on stdin and written to output.
func AudioEncodeArgs(cfg media.AudioStreamConfig, output string) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-f", "s16le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.Channels),
		"-i", "pipe:0",
		"-c:a", cfg.Codec,
		"-b:a", strconv.FormatInt(cfg.BitrateBps, 10),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.Channels),
		"-vn",
		"-f", "mp4",
		output,
	}
}

// MuxArgs builds the ffmpeg arguments that combine encoded stream files into
// the final MP4 at output.
func MuxArgs(videoPath, audioPath, output string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", videoPath}
	if audioPath != "" {
		args = append(args, "-i", audioPath)
	}
	args = append(args, "-map", "0:v:0")
	if audioPath != "" {
		args = append(args, "-map", "1:a:0")
	}
	return append(args,
		"-c", "copy",
		"-movflags", "+faststart",
		"-f", "mp4",
		output,
	)
}

// VideoDecodeArgs builds the ffmpeg arguments that emit the first video track
// of input as raw yuv420p frames in stored orientation on stdout.
func VideoDecodeArgs(input string, spec media.VideoTrackSpec) []string {
	return []string{
		"-hide_banner", "-nostdin",
		"-v", "error",
		"-noautorotate",
		"-i", input,
		"-map", "0:v:0",
		"-vf", fmt.Sprintf("scale=%d:%d", spec.Width, spec.Height),
		"-f", "rawvideo",
		"-pix_fmt", "yuv420p",
		"pipe:1",
	}
}

// AudioDecodeArgs builds the ffmpeg arguments that emit the first audio track
// of input as s16le PCM on stdout.
func AudioDecodeArgs(input string, spec media.AudioTrackSpec) []string {
	return []string{
		"-hide_banner", "-nostdin",
		"-v", "error",
		"-i", input,
		"-map", "0:a:0",
		"-vn",
		"-f", "s16le",
		"-ac", strconv.Itoa(spec.Channels),
		"-ar", strconv.Itoa(spec.SampleRate),
		"pipe:1",
	}
}

// FrameSize is the byte size of one yuv420p frame.
func FrameSize(width, height int) int {
	chroma := ((width + 1) / 2) * ((height + 1) / 2)
	return width*height + 2*chroma
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
