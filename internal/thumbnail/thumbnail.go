// Package thumbnail grabs the first frame of a video and stores it as a still
// image.
package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"

	"github.com/amillerrr/vidshrink/internal/logger"
	"github.com/amillerrr/vidshrink/internal/media"
	"github.com/disintegration/imaging"
	"github.com/google/renameio/v2"
)

// DefaultQuality is the JPEG quality used when a request leaves it unset.
const DefaultQuality = 100

// ErrNoFrame is returned when the video has no decodable frame.
var ErrNoFrame = errors.New("video has no frames")

// Config configures a Generator.
type Config struct {
	Decoder media.Decoder
	// MaxDimension bounds the longer edge of the stored image; zero keeps the
	// frame size.
	MaxDimension int
	Logger       *slog.Logger
}

// Generator writes thumbnails.
type Generator struct {
	config Config
}

// New creates a Generator.
func New(config Config) *Generator {
	if config.Logger == nil {
		config.Logger = logger.Discard()
	}
	return &Generator{config: config}
}

// Generate stores the first frame of the video at videoPath to dest. The
// format follows dest's extension; quality applies to JPEG only.
func (g *Generator) Generate(ctx context.Context, videoPath string, probe media.SourceProbe, dest string, quality int) error {
	format, err := imaging.FormatFromFilename(dest)
	if err != nil {
		return fmt.Errorf("thumbnail format: %w", err)
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	img, err := g.firstFrame(ctx, videoPath, probe)
	if err != nil {
		return err
	}
	if g.config.MaxDimension > 0 {
		img = imaging.Fit(img, g.config.MaxDimension, g.config.MaxDimension, imaging.Lanczos)
	}

	pending, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending thumbnail: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			g.config.Logger.Debug("cleanup pending thumbnail", "error", err)
		}
	}()

	if err := imaging.Encode(pending, img, format, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("store thumbnail: %w", err)
	}

	b := img.Bounds()
	logger.Info(ctx, g.config.Logger, "Thumbnail stored",
		"path", dest,
		"width", b.Dx(),
		"height", b.Dy(),
		"format", format.String(),
	)
	return nil
}

func (g *Generator) firstFrame(ctx context.Context, videoPath string, probe media.SourceProbe) (image.Image, error) {
	w, h := probe.StoredSize()
	r, err := g.config.Decoder.OpenVideo(ctx, videoPath, media.VideoTrackSpec{
		Width:     w,
		Height:    h,
		FrameRate: probe.FrameRate,
	})
	if err != nil {
		return nil, fmt.Errorf("open video: %w", err)
	}
	defer r.Close()

	sample, err := r.Next(ctx)
	if errors.Is(err, io.EOF) {
		return nil, ErrNoFrame
	}
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}

	img, err := FrameToImage(sample.Data, w, h)
	if err != nil {
		return nil, err
	}
	return Upright(img, probe.Rotation), nil
}

// FrameToImage wraps a raw yuv420p frame in an image.
func FrameToImage(data []byte, width, height int) (*image.YCbCr, error) {
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	need := len(img.Y) + len(img.Cb) + len(img.Cr)
	if len(data) < need {
		return nil, fmt.Errorf("frame has %d bytes, want %d", len(data), need)
	}
	n := copy(img.Y, data)
	n += copy(img.Cb, data[n:])
	copy(img.Cr, data[n:])
	return img, nil
}

// Upright rotates a stored frame clockwise by rotation degrees.
func Upright(img image.Image, rotation int) image.Image {
	switch rotation {
	case 90:
		return imaging.Rotate270(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate90(img)
	}
	return img
}
