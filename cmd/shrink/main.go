// Command shrink compresses a video file locally.
//
// Usage:
//
//	shrink [-quality medium] [-bitrate 5] [-o out.mp4] [-library] [-thumbnail [-thumbnail-library]] input
//	shrink -keep-resolution [-quality high] input
//	shrink -info input
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/amillerrr/vidshrink/internal/compressor"
	"github.com/amillerrr/vidshrink/internal/config"
	"github.com/amillerrr/vidshrink/internal/decision"
	"github.com/amillerrr/vidshrink/internal/library"
	"github.com/amillerrr/vidshrink/internal/logger"
	"github.com/amillerrr/vidshrink/internal/media"
	"github.com/amillerrr/vidshrink/pkg/models"
)

// Exit codes.
const (
	exitOK        = 0
	exitFailed    = 1
	exitUsage     = 2
	exitCancelled = 130
)

type options struct {
	input     string
	output    string
	quality   media.QualityTier
	bitrate   int
	library   bool
	thumbnail bool
	thumbPath string
	thumbLib  bool
	keepRes   bool
	info      bool
	logLevel  string
}

func parseArgs(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("shrink", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		_, _ = fmt.Fprintln(stderr, "Usage: shrink [flags] input")
		fs.PrintDefaults()
	}

	var opts options
	var quality string
	fs.StringVar(&quality, "quality", string(media.DefaultTier), "quality tier: very_low, low, medium, high, very_high")
	fs.IntVar(&opts.bitrate, "bitrate", compressor.DefaultBitrateMbps, "bitrate cap in Mbps")
	fs.StringVar(&opts.output, "o", "", "output path (default <MOVIES_DIR>/<uuid>.mp4)")
	fs.BoolVar(&opts.library, "library", false, "register the result with the library")
	fs.BoolVar(&opts.thumbnail, "thumbnail", false, "store a thumbnail of the first frame")
	fs.StringVar(&opts.thumbPath, "thumbnail-path", "", "thumbnail path (default output with .jpg)")
	fs.BoolVar(&opts.thumbLib, "thumbnail-library", false, "register the thumbnail with the library too")
	fs.BoolVar(&opts.keepRes, "keep-resolution", false, "keep the source resolution and scale the bitrate by tier")
	fs.BoolVar(&opts.info, "info", false, "print the source's properties and exit")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "log level")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return options{}, errors.New("exactly one input file is required")
	}
	opts.input = fs.Arg(0)

	tier, err := media.ParseTier(quality)
	if err != nil {
		return options{}, err
	}
	opts.quality = tier
	if opts.bitrate <= 0 {
		return options{}, fmt.Errorf("%w: %d", models.ErrInvalidBitrate, opts.bitrate)
	}
	return opts, nil
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		_, _ = fmt.Fprintln(stderr, "shrink:", err)
		return exitUsage
	}

	log := logger.NewWithLevel(stderr, opts.logLevel)

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "shrink:", err)
		return exitFailed
	}
	useLibrary := opts.library || opts.thumbnail && opts.thumbLib
	if useLibrary && cfg.Media.LibraryDir == "" {
		cfg.Media.LibraryDir = filepath.Join(cfg.Media.MoviesDir, "Library")
	}

	// The CLI never uploads; a configured bucket is ignored.
	var index library.Index
	if useLibrary {
		if index, err = library.Open(cfg, nil, log); err != nil {
			_, _ = fmt.Fprintln(stderr, "shrink:", err)
			return exitFailed
		}
	}

	c, closePipeline, err := compressor.NewFFmpeg(cfg, index, log)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "shrink:", err)
		return exitFailed
	}
	defer closePipeline()

	if opts.info {
		return printInfo(ctx, c, opts.input, stdout, stderr)
	}
	return compress(ctx, c, opts, stdout, stderr)
}

func printInfo(ctx context.Context, c *compressor.Compressor, input string, stdout, stderr io.Writer) int {
	probe, err := c.Info(ctx, input)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "shrink:", err)
		return exitFailed
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{
		"path":        probe.Path,
		"width":       probe.Width,
		"height":      probe.Height,
		"durationSec": probe.Duration.Seconds(),
		"fileSizeMiB": probe.FileSizeMiB(),
		"bitrateMbps": probe.BitrateMbps(),
		"rotation":    probe.Rotation,
		"frameRate":   probe.FrameRate,
		"hasAudio":    probe.HasAudio,
		"frames":      probe.EstimatedFrames(),
	}); err != nil {
		return exitFailed
	}
	return exitOK
}

func compress(ctx context.Context, c *compressor.Compressor, opts options, stdout, stderr io.Writer) int {
	progress := newProgressPrinter(stderr)
	req := compressor.Request{
		SourcePath:         opts.input,
		Quality:            opts.quality,
		CustomBitrateMbps:  opts.bitrate,
		OutputPath:         opts.output,
		SaveToLibrary:      opts.library,
		StoreThumbnail:     opts.thumbnail,
		ThumbnailPath:      opts.thumbPath,
		ThumbnailToLibrary: opts.thumbLib,
		OnProgress:         progress.Print,
	}
	if opts.keepRes {
		req.Settings = &decision.EncoderSettings{KeepOriginalResolution: true}
	}

	task, err := c.Submit(ctx, req)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "shrink:", err)
		return exitFailed
	}

	// An interrupt cancels the job; Wait then reports the cancelled state.
	stopCancel := context.AfterFunc(ctx, task.Cancel)
	defer stopCancel()

	outcome, err := task.Wait(context.WithoutCancel(ctx))
	progress.Done()
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "shrink:", err)
		if errors.Is(err, models.ErrCancelled) {
			return exitCancelled
		}
		return exitFailed
	}

	if outcome.Skipped {
		_, _ = fmt.Fprintf(stdout, "%s already compact (%s), kept as is\n", outcome.Path, outcome.Target.Reason)
		return exitOK
	}

	_, _ = fmt.Fprintf(stdout, "%s: %dx%d at %d Mbps, %.1f MiB -> %.1f MiB in %s\n",
		outcome.Path,
		outcome.Target.Width,
		outcome.Target.Height,
		outcome.Target.BitrateMbps(),
		outcome.Probe.FileSizeMiB(),
		float64(outcome.OutputSize)/media.MiB,
		outcome.Elapsed.Round(time.Millisecond),
	)
	if outcome.ThumbnailPath != "" {
		_, _ = fmt.Fprintln(stdout, "thumbnail:", outcome.ThumbnailPath)
	}
	if outcome.ThumbnailLocation != "" {
		_, _ = fmt.Fprintln(stdout, "thumbnail library:", outcome.ThumbnailLocation)
	}
	if outcome.LibraryLocation != "" {
		_, _ = fmt.Fprintln(stdout, "library:", outcome.LibraryLocation)
	}
	return exitOK
}

// progressPrinter redraws a single progress line, once per whole percent.
type progressPrinter struct {
	w    io.Writer
	last int
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, last: -1}
}

// Print is called from the progress dispatcher goroutine only.
func (p *progressPrinter) Print(percent float64) {
	pct := int(percent)
	if pct == p.last {
		return
	}
	p.last = pct
	_, _ = fmt.Fprintf(p.w, "\rcompressing %3d%%", pct)
}

func (p *progressPrinter) Done() {
	if p.last >= 0 {
		_, _ = fmt.Fprintln(p.w)
	}
}
