// Package mediatest provides in-memory media capabilities for tests.
package mediatest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/amillerrr/vidshrink/internal/media"
	"github.com/amillerrr/vidshrink/pkg/models"
)

// Prober returns canned probes keyed by path.
type Prober struct {
	mu       sync.Mutex
	probes   map[string]media.SourceProbe
	fallback *media.SourceProbe
	errs     map[string]error
	calls    []string
}

// NewProber creates an empty Prober.
func NewProber() *Prober {
	return &Prober{probes: make(map[string]media.SourceProbe), errs: make(map[string]error)}
}

// Set registers the probe returned for path.
func (p *Prober) Set(path string, probe media.SourceProbe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	probe.Path = path
	p.probes[path] = probe
}

// SetErr makes Probe fail with err for path.
func (p *Prober) SetErr(path string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[path] = err
}

// SetDefault registers the probe returned for paths without their own.
func (p *Prober) SetDefault(probe media.SourceProbe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fallback = &probe
}

// Probe implements media.Prober. Unknown paths are InvalidSource unless a
// default is set.
func (p *Prober) Probe(_ context.Context, path string) (media.SourceProbe, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, path)
	if err, ok := p.errs[path]; ok {
		return media.SourceProbe{}, err
	}
	probe, ok := p.probes[path]
	if !ok && p.fallback != nil {
		probe, ok = *p.fallback, true
		probe.Path = path
	}
	if !ok {
		return media.SourceProbe{}, models.NewTranscodeError(models.ErrInvalidSource,
			fmt.Sprintf("cannot open %s", path), nil)
	}
	return probe, nil
}

// Calls returns the probed paths in order.
func (p *Prober) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Decoder serves a fixed number of small samples per track.
type Decoder struct {
	VideoFrames int
	AudioFrames int
	// OnVideo runs before video sample i is returned.
	OnVideo func(i int)
	// FrameSize is the payload size of each video sample; zero means 4.
	FrameSize int
}

// OpenVideo implements media.Decoder.
func (d *Decoder) OpenVideo(context.Context, string, media.VideoTrackSpec) (media.TrackReader, error) {
	size := d.FrameSize
	if size <= 0 {
		size = 4
	}
	return &reader{track: media.TrackVideo, count: d.VideoFrames, size: size, hook: d.OnVideo}, nil
}

// OpenAudio implements media.Decoder.
func (d *Decoder) OpenAudio(context.Context, string, media.AudioTrackSpec) (media.TrackReader, error) {
	if d.AudioFrames <= 0 {
		return nil, media.ErrNoTrack
	}
	return &reader{track: media.TrackAudio, count: d.AudioFrames, size: 2}, nil
}

type reader struct {
	track media.TrackKind
	count int
	size  int
	pos   int
	hook  func(int)
}

func (r *reader) Next(ctx context.Context) (media.Sample, error) {
	if err := ctx.Err(); err != nil {
		return media.Sample{}, err
	}
	if r.pos >= r.count {
		return media.Sample{}, io.EOF
	}
	i := r.pos
	r.pos++
	if r.hook != nil {
		r.hook(i)
	}
	return media.Sample{
		Track:    r.track,
		PTS:      time.Duration(i) * 40 * time.Millisecond,
		Duration: 40 * time.Millisecond,
		Data:     bytes.Repeat([]byte{byte(i)}, r.size),
	}, nil
}

func (r *reader) Close() error { return nil }

// Encoder writes the appended payloads to the destination on Finish.
type Encoder struct{}

// Create implements media.Encoder.
func (Encoder) Create(_ context.Context, path string) (media.ContainerWriter, error) {
	return &container{path: path}, nil
}

type container struct {
	path string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *container) AddVideoStream(media.VideoStreamConfig) (media.StreamWriter, error) {
	return &stream{c: c}, nil
}

func (c *container) AddAudioStream(media.AudioStreamConfig) (media.StreamWriter, error) {
	return &stream{c: c}, nil
}

func (c *container) Start(context.Context) error { return nil }

func (c *container) Finish(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return os.WriteFile(c.path, c.buf.Bytes(), 0o644)
}

func (c *container) Abort() error { return nil }

type stream struct {
	c *container
}

func (s *stream) WaitReady(ctx context.Context) error { return ctx.Err() }

func (s *stream) Append(_ context.Context, sample media.Sample) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.buf.Write(sample.Data)
	return nil
}

func (s *stream) MarkFinished() error { return nil }
