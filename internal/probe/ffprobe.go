// Package probe reads source video characteristics with ffprobe.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/amillerrr/vidshrink/internal/logger"
	"github.com/amillerrr/vidshrink/internal/media"
	"github.com/amillerrr/vidshrink/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("vidshrink-probe")

const maxStderr = 4096

// FFprobe implements media.Prober.
type FFprobe struct {
	Binary string
	Logger *slog.Logger
}

// New creates an FFprobe using binary, or "ffprobe" from PATH when empty.
func New(binary string, log *slog.Logger) *FFprobe {
	if binary == "" {
		binary = "ffprobe"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &FFprobe{Binary: binary, Logger: log}
}

// Probe executes ffprobe against path.
func (p *FFprobe) Probe(ctx context.Context, path string) (media.SourceProbe, error) {
	ctx, span := tracer.Start(ctx, "probe")
	defer span.End()

	info, err := os.Stat(path)
	if err != nil {
		return media.SourceProbe{}, models.NewTranscodeError(models.ErrInvalidSource, "cannot open source", err)
	}
	if info.IsDir() {
		return media.SourceProbe{}, models.NewTranscodeError(models.ErrInvalidSource,
			fmt.Sprintf("%s is a directory", path), nil)
	}

	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	cmd := exec.CommandContext(ctx, p.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		errStr := stderr.String()
		if len(errStr) > maxStderr {
			errStr = errStr[:maxStderr] + "..."
		}
		if ctx.Err() != nil {
			return media.SourceProbe{}, models.NewTranscodeError(models.ErrCancelled, "probe interrupted", ctx.Err())
		}
		return media.SourceProbe{}, models.NewTranscodeError(models.ErrInvalidSource,
			"ffprobe failed", fmt.Errorf("%w (stderr: %s)", err, errStr))
	}

	probe, err := Parse(out, path, info.Size())
	if err != nil {
		return media.SourceProbe{}, err
	}

	span.SetAttributes(
		attribute.Int("probe.width", probe.Width),
		attribute.Int("probe.height", probe.Height),
		attribute.Int64("probe.bitrate", probe.BitrateBps),
		attribute.Int("probe.rotation", probe.Rotation),
	)
	logger.Debug(ctx, p.Logger, "Source probed",
		"path", path,
		"width", probe.Width,
		"height", probe.Height,
		"bitrate_bps", probe.BitrateBps,
		"duration", probe.Duration.String(),
		"fps", probe.FrameRate,
		"rotation", probe.Rotation,
		"audio", probe.HasAudio,
	)
	return probe, nil
}

// Parse converts ffprobe JSON output into a SourceProbe. fileSize overrides
// the size reported by ffprobe when positive.
func Parse(out []byte, path string, fileSize int64) (media.SourceProbe, error) {
	var data probeData
	if err := json.Unmarshal(out, &data); err != nil {
		return media.SourceProbe{}, models.NewTranscodeError(models.ErrInvalidSource, "json decode", err)
	}

	probe := media.SourceProbe{Path: path, FileSize: fileSize}
	if probe.FileSize <= 0 {
		probe.FileSize = parseInt(data.Format.Size)
	}

	var video *probeStream
	for i := range data.Streams {
		s := &data.Streams[i]
		switch s.CodecType {
		case "video":
			if video == nil && s.Disposition.AttachedPic == 0 {
				video = s
			}
		case "audio":
			probe.HasAudio = true
		}
	}
	if video == nil {
		return media.SourceProbe{}, models.NewTranscodeError(models.ErrProbeUnavailable, "no video track", nil)
	}
	if video.Width <= 0 || video.Height <= 0 {
		return media.SourceProbe{}, models.NewTranscodeError(models.ErrProbeUnavailable,
			fmt.Sprintf("video track has no dimensions (%dx%d)", video.Width, video.Height), nil)
	}

	probe.Duration = parseSeconds(data.Format.Duration)
	if probe.Duration <= 0 {
		probe.Duration = parseSeconds(video.Duration)
	}
	probe.FrameRate = parseRate(video.AvgFrameRate)
	if probe.FrameRate <= 0 {
		probe.FrameRate = parseRate(video.RFrameRate)
	}

	probe.BitrateBps = parseInt(video.BitRate)
	if probe.BitrateBps <= 0 {
		probe.BitrateBps = parseInt(data.Format.BitRate)
	}
	if probe.BitrateBps <= 0 && probe.Duration > 0 && probe.FileSize > 0 {
		probe.BitrateBps = int64(float64(probe.FileSize*8) / probe.Duration.Seconds())
	}

	transform, rotation, err := orientation(video)
	if err != nil {
		return media.SourceProbe{}, models.NewTranscodeError(models.ErrInvalidSource, "display matrix", err)
	}
	probe.Transform = transform
	probe.Rotation = rotation

	probe.Width, probe.Height = video.Width, video.Height
	if rotation == 90 || rotation == 270 {
		probe.Width, probe.Height = video.Height, video.Width
	}
	return probe, nil
}

// orientation derives the display transform and clockwise rotation of a
// video stream. The display matrix wins over the rotation fields.
func orientation(s *probeStream) (media.Transform, int, error) {
	for _, sd := range s.SideDataList {
		if sd.DisplayMatrix != "" {
			tf, err := parseDisplayMatrix(sd.DisplayMatrix)
			if err != nil {
				return media.Transform{}, 0, err
			}
			rot, err := media.RotationFromTransform(tf)
			if err != nil {
				return media.Transform{}, 0, err
			}
			return tf, rot, nil
		}
	}
	for _, sd := range s.SideDataList {
		if sd.Rotation != nil {
			// ffprobe reports counter-clockwise degrees.
			rot, err := media.NormalizeRotation(-int(math.Round(*sd.Rotation)))
			if err != nil {
				return media.Transform{}, 0, err
			}
			tf, err := media.OutputTransform(rot, s.Width, s.Height)
			return tf, rot, err
		}
	}
	if tag := s.Tags["rotate"]; tag != "" {
		deg, err := strconv.Atoi(strings.TrimSpace(tag))
		if err != nil {
			return media.Transform{}, 0, fmt.Errorf("rotate tag %q: %w", tag, err)
		}
		rot, err := media.NormalizeRotation(deg)
		if err != nil {
			return media.Transform{}, 0, err
		}
		tf, err := media.OutputTransform(rot, s.Width, s.Height)
		return tf, rot, err
	}
	return media.Identity, 0, nil
}

// parseDisplayMatrix reads ffprobe's textual 3x3 matrix. The first two
// columns are 16.16 fixed point, the third 2.30.
func parseDisplayMatrix(text string) (media.Transform, error) {
	var values []int64
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if idx := strings.Index(line, ":"); idx >= 0 {
			line = line[idx+1:]
		}
		for _, field := range strings.Fields(line) {
			v, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				return media.Transform{}, fmt.Errorf("display matrix value %q: %w", field, err)
			}
			values = append(values, v)
		}
	}
	if len(values) != 9 {
		return media.Transform{}, fmt.Errorf("display matrix has %d values, want 9", len(values))
	}
	const fixed = 1 << 16
	return media.Transform{
		A:  float64(values[0]) / fixed,
		B:  float64(values[1]) / fixed,
		C:  float64(values[3]) / fixed,
		D:  float64(values[4]) / fixed,
		Tx: float64(values[6]) / fixed,
		Ty: float64(values[7]) / fixed,
	}, nil
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f <= 0 {
		return 0
	}
	return time.Duration(math.Round(f * float64(time.Second)))
}

// parseRate parses "num/den" frame rates such as "30000/1001".
func parseRate(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	num, _ := strconv.ParseFloat(parts[0], 64)
	den, _ := strconv.ParseFloat(parts[1], 64)
	if den <= 0 {
		return 0
	}
	return num / den
}

type probeStream struct {
	CodecType    string            `json:"codec_type"`
	CodecName    string            `json:"codec_name"`
	Width        int               `json:"width,omitempty"`
	Height       int               `json:"height,omitempty"`
	BitRate      string            `json:"bit_rate,omitempty"`
	Duration     string            `json:"duration,omitempty"`
	AvgFrameRate string            `json:"avg_frame_rate,omitempty"`
	RFrameRate   string            `json:"r_frame_rate,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	Disposition  struct {
		AttachedPic int `json:"attached_pic"`
	} `json:"disposition"`
	SideDataList []struct {
		SideDataType  string   `json:"side_data_type"`
		DisplayMatrix string   `json:"displaymatrix,omitempty"`
		Rotation      *float64 `json:"rotation,omitempty"`
	} `json:"side_data_list,omitempty"`
}

type probeData struct {
	Streams []probeStream `json:"streams"`
	Format  struct {
		Duration   string `json:"duration"`
		Size       string `json:"size"`
		BitRate    string `json:"bit_rate"`
		FormatName string `json:"format_name"`
	} `json:"format"`
}
