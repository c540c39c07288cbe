package transcoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/amillerrr/vidshrink/internal/logger"
	"github.com/amillerrr/vidshrink/internal/media"
	"github.com/amillerrr/vidshrink/pkg/models"
	"golang.org/x/sync/errgroup"
)

// FFmpegConfig holds configuration for FFmpeg execution.
type FFmpegConfig struct {
	Binary  string
	Profile Profile
	Logger  *slog.Logger
}

// DefaultFFmpegConfig returns the default FFmpeg configuration.
func DefaultFFmpegConfig(logger *slog.Logger) *FFmpegConfig {
	return &FFmpegConfig{
		Binary:  "ffmpeg",
		Profile: DefaultProfile,
		Logger:  logger,
	}
}

func (c *FFmpegConfig) binary() string {
	if c.Binary == "" {
		return "ffmpeg"
	}
	return c.Binary
}

// FFmpegDecoder implements media.Decoder with one ffmpeg child process per
// opened track.
type FFmpegDecoder struct {
	config *FFmpegConfig
}

// NewFFmpegDecoder creates a decoder.
func NewFFmpegDecoder(config *FFmpegConfig) *FFmpegDecoder {
	return &FFmpegDecoder{config: config}
}

// OpenVideo starts decoding the first video track to raw frames.
func (d *FFmpegDecoder) OpenVideo(ctx context.Context, path string, spec media.VideoTrackSpec) (media.TrackReader, error) {
	if spec.Width <= 0 || spec.Height <= 0 {
		return nil, fmt.Errorf("invalid video track size %dx%d", spec.Width, spec.Height)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	proc, err := startReader(ctx, d.config, VideoDecodeArgs(path, spec))
	if err != nil {
		return nil, err
	}
	r := &rawReader{
		proc:      proc,
		track:     media.TrackVideo,
		chunk:     FrameSize(spec.Width, spec.Height),
		exactSize: true,
	}
	if spec.FrameRate > 0 {
		r.frameDur = time.Duration(float64(time.Second) / spec.FrameRate)
	}
	return r, nil
}

// OpenAudio starts decoding the first audio track to PCM chunks of one AAC
// frame each.
func (d *FFmpegDecoder) OpenAudio(ctx context.Context, path string, spec media.AudioTrackSpec) (media.TrackReader, error) {
	if spec.SampleRate <= 0 || spec.Channels <= 0 {
		return nil, fmt.Errorf("invalid audio spec %d Hz x %d", spec.SampleRate, spec.Channels)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	proc, err := startReader(ctx, d.config, AudioDecodeArgs(path, spec))
	if err != nil {
		return nil, err
	}
	return &rawReader{
		proc:       proc,
		track:      media.TrackAudio,
		chunk:      media.AudioFrameSamples * spec.Channels * 2,
		sampleRate: spec.SampleRate,
		channels:   spec.Channels,
	}, nil
}

// process is a running ffmpeg child whose stderr is kept for error reports.
type process struct {
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	stdout   *bufio.Reader
	stderr   *tailBuffer
	done     chan struct{}
	waitOnce sync.Once
	err      error
}

func startReader(ctx context.Context, config *FFmpegConfig, args []string) (*process, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, config.binary(), args...)
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	proc := &process{cmd: cmd, cancel: cancel, stderr: newTailBuffer(20), done: make(chan struct{})}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", models.ErrFFmpegFailed, err)
	}
	go func() {
		defer close(proc.done)
		monitorOutput(ctx, config.Logger, stderrPipe, proc.stderr)
	}()
	proc.stdout = bufio.NewReaderSize(stdout, 1<<20)
	return proc, nil
}

// wait reaps the process once and reports a failed exit with its stderr.
func (p *process) wait() error {
	p.waitOnce.Do(func() {
		<-p.done
		if err := p.cmd.Wait(); err != nil {
			p.err = fmt.Errorf("%w: %v: %s", models.ErrFFmpegFailed, err, p.stderr.String())
		}
	})
	return p.err
}

func (p *process) kill() {
	p.cancel()
	_ = p.wait()
}

// rawReader splits a decoder's stdout into fixed-size samples.
type rawReader struct {
	proc       *process
	track      media.TrackKind
	chunk      int
	exactSize  bool
	sampleRate int
	channels   int
	frameDur   time.Duration

	pts  time.Duration
	eof  bool
	once sync.Once
}

func (r *rawReader) Next(ctx context.Context) (media.Sample, error) {
	if r.eof {
		return media.Sample{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return media.Sample{}, err
	}

	buf := make([]byte, r.chunk)
	n, err := io.ReadFull(r.proc.stdout, buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF) && (r.exactSize || n == 0):
		r.eof = true
		if werr := r.proc.wait(); werr != nil {
			return media.Sample{}, werr
		}
		return media.Sample{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		r.eof = true
		if werr := r.proc.wait(); werr != nil {
			return media.Sample{}, werr
		}
	case err != nil:
		return media.Sample{}, fmt.Errorf("read %s sample: %w", r.track, err)
	}

	s := media.Sample{Track: r.track, PTS: r.pts, Data: buf[:n]}
	if r.track == media.TrackAudio {
		samples := n / (2 * r.channels)
		s.Duration = time.Duration(samples) * time.Second / time.Duration(r.sampleRate)
	} else {
		s.Duration = r.frameDur
	}
	r.pts += s.Duration
	return s, nil
}

func (r *rawReader) Close() error {
	r.once.Do(r.proc.kill)
	return nil
}

// FFmpegEncoder implements media.Encoder by running one ffmpeg process per
// output stream and remuxing their results on Finish.
type FFmpegEncoder struct {
	config *FFmpegConfig
}

// NewFFmpegEncoder creates an encoder.
func NewFFmpegEncoder(config *FFmpegConfig) *FFmpegEncoder {
	return &FFmpegEncoder{config: config}
}

// Create prepares a container that will be written to path on Finish.
func (e *FFmpegEncoder) Create(ctx context.Context, path string) (media.ContainerWriter, error) {
	workDir, err := os.MkdirTemp(filepath.Dir(path), ".vidshrink-streams-")
	if err != nil {
		return nil, fmt.Errorf("create stream directory: %w", err)
	}
	return &ffmpegContainer{config: e.config, path: path, workDir: workDir}, nil
}

type ffmpegContainer struct {
	config  *FFmpegConfig
	path    string
	workDir string

	video *ffmpegStream
	audio *ffmpegStream

	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	gctx    context.Context
}

func (c *ffmpegContainer) AddVideoStream(cfg media.VideoStreamConfig) (media.StreamWriter, error) {
	if c.started {
		return nil, errors.New("container already started")
	}
	if c.video != nil {
		return nil, errors.New("video stream already added")
	}
	out := filepath.Join(c.workDir, "video.mp4")
	args, err := VideoEncodeArgs(cfg, c.config.Profile, out)
	if err != nil {
		return nil, err
	}
	c.video = &ffmpegStream{name: "video", args: args, output: out}
	return c.video, nil
}

func (c *ffmpegContainer) AddAudioStream(cfg media.AudioStreamConfig) (media.StreamWriter, error) {
	if c.started {
		return nil, errors.New("container already started")
	}
	if c.audio != nil {
		return nil, errors.New("audio stream already added")
	}
	out := filepath.Join(c.workDir, "audio.m4a")
	c.audio = &ffmpegStream{
		name:       "audio",
		args:       AudioEncodeArgs(cfg, out),
		output:     out,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
	}
	return c.audio, nil
}

func (c *ffmpegContainer) Start(ctx context.Context) error {
	if c.video == nil {
		return errors.New("no video stream configured")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.group, c.gctx = errgroup.WithContext(ctx)
	c.started = true

	for _, s := range []*ffmpegStream{c.video, c.audio} {
		if s == nil {
			continue
		}
		if err := s.start(c.gctx, c.config, c.group); err != nil {
			return err
		}
	}
	return nil
}

func (c *ffmpegContainer) Finish(ctx context.Context) error {
	if !c.started {
		return errors.New("container not started")
	}
	defer c.cleanup()

	for _, s := range []*ffmpegStream{c.video, c.audio} {
		if s != nil {
			_ = s.MarkFinished()
		}
	}
	if err := c.group.Wait(); err != nil {
		return err
	}

	audioPath := ""
	if c.audio != nil {
		audioPath = c.audio.output
	}
	cmd := exec.CommandContext(ctx, c.config.binary(), MuxArgs(c.video.output, audioPath, c.path)...)
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrFFmpegFailed, err)
	}
	tail := newTailBuffer(20)
	monitorOutput(ctx, c.config.Logger, stderrPipe, tail)
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: context canceled", models.ErrFFmpegFailed)
		}
		return fmt.Errorf("%w: mux: %v: %s", models.ErrFFmpegFailed, err, tail.String())
	}
	return nil
}

func (c *ffmpegContainer) Abort() error {
	if c.started {
		c.cancel()
		for _, s := range []*ffmpegStream{c.video, c.audio} {
			if s != nil {
				_ = s.MarkFinished()
			}
		}
		_ = c.group.Wait()
	}
	c.cleanup()
	return nil
}

func (c *ffmpegContainer) cleanup() {
	if c.cancel != nil {
		c.cancel()
	}
	_ = os.RemoveAll(c.workDir)
}

// ffmpegStream feeds one encoder process through its stdin.
type ffmpegStream struct {
	name   string
	args   []string
	output string

	sampleRate int
	channels   int
	trimLeft   int

	stdin io.WriteCloser
	ctx   context.Context

	mu       sync.Mutex
	finished bool
}

func (s *ffmpegStream) start(ctx context.Context, config *FFmpegConfig, g *errgroup.Group) error {
	cmd := exec.CommandContext(ctx, config.binary(), s.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrFFmpegFailed, s.name, err)
	}
	s.stdin = stdin
	s.ctx = ctx

	g.Go(func() error {
		tail := newTailBuffer(20)
		monitorOutput(ctx, config.Logger, stderrPipe, tail)
		if err := cmd.Wait(); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %s: context canceled", models.ErrFFmpegFailed, s.name)
			}
			return fmt.Errorf("%w: %s: %v: %s", models.ErrFFmpegFailed, s.name, err, tail.String())
		}
		return nil
	})
	return nil
}

// WaitReady reports whether the encoder can take more input. Writes to the
// pipe block when ffmpeg falls behind, so readiness only fails once the
// stream's process group has stopped.
func (s *ffmpegStream) WaitReady(ctx context.Context) error {
	if s.stdin == nil {
		return errors.New("stream not started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("%s encoder stopped: %w", s.name, err)
	}
	return nil
}

func (s *ffmpegStream) Append(ctx context.Context, sample media.Sample) error {
	if s.stdin == nil {
		return errors.New("stream not started")
	}
	data := sample.Data
	if sample.TrimAtStart > 0 && s.sampleRate > 0 {
		frames := int(math.Round(sample.TrimAtStart.Seconds() * float64(s.sampleRate)))
		s.trimLeft = frames * s.channels * 2
	}
	if s.trimLeft > 0 {
		drop := min(s.trimLeft, len(data))
		data = data[drop:]
		s.trimLeft -= drop
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("write %s sample: %w", s.name, err)
	}
	return nil
}

func (s *ffmpegStream) MarkFinished() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.stdin == nil {
		return nil
	}
	s.finished = true
	return s.stdin.Close()
}

// monitorOutput reads and logs FFmpeg output, keeping the last lines in tail.
func monitorOutput(ctx context.Context, log *slog.Logger, r io.Reader, tail *tailBuffer) {
	if log == nil {
		log = logger.Discard()
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		tail.Add(line)
		if strings.Contains(line, "frame=") || strings.Contains(line, "time=") {
			log.DebugContext(ctx, "FFmpeg progress", "output", line)
		} else if strings.Contains(line, "error") || strings.Contains(line, "Error") {
			log.WarnContext(ctx, "FFmpeg warning", "output", line)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.WarnContext(ctx, "FFmpeg output scanner error", "error", err)
	}
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (b *tailBuffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.n {
		b.lines = b.lines[len(b.lines)-b.n:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "; ")
}
