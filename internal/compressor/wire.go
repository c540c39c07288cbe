package compressor

import (
	"fmt"
	"log/slog"

	"github.com/amillerrr/vidshrink/internal/config"
	"github.com/amillerrr/vidshrink/internal/decision"
	"github.com/amillerrr/vidshrink/internal/library"
	"github.com/amillerrr/vidshrink/internal/probe"
	"github.com/amillerrr/vidshrink/internal/thumbnail"
	"github.com/amillerrr/vidshrink/internal/transcoder"
)

// NewFFmpeg builds a Compressor on the ffmpeg and ffprobe binaries named by
// cfg. index may be nil. The returned func closes the pipeline and must be
// called once no task is running.
func NewFFmpeg(cfg *config.Config, index library.Index, log *slog.Logger) (*Compressor, func(), error) {
	profile := transcoder.DefaultProfile
	if cfg.Media.EncoderProfile != "" {
		p := transcoder.GetProfileByName(cfg.Media.EncoderProfile)
		if p == nil {
			return nil, nil, fmt.Errorf("unknown encoder profile %q", cfg.Media.EncoderProfile)
		}
		profile = *p
	}

	engine, err := decision.NewEngine(cfg.Policy, log)
	if err != nil {
		return nil, nil, err
	}

	ff := &transcoder.FFmpegConfig{Binary: cfg.Media.FFmpegPath, Profile: profile, Logger: log}
	decoder := transcoder.NewFFmpegDecoder(ff)
	pipeline := transcoder.NewPipeline(transcoder.PipelineConfig{
		Decoder: decoder,
		Encoder: transcoder.NewFFmpegEncoder(ff),
		Logger:  log,
	})

	c, err := New(Config{
		Prober:   probe.New(cfg.Media.FFprobePath, log),
		Engine:   engine,
		Pipeline: pipeline,
		Library:  index,
		Thumbnailer: thumbnail.New(thumbnail.Config{
			Decoder:      decoder,
			MaxDimension: cfg.Media.ThumbnailMaxDim,
			Logger:       log,
		}),
		MoviesDir: cfg.Media.MoviesDir,
		Logger:    log,
	})
	if err != nil {
		pipeline.Close()
		return nil, nil, err
	}
	return c, pipeline.Close, nil
}
