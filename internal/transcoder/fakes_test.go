package transcoder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/amillerrr/vidshrink/internal/media"
)

type fakeReader struct {
	track   media.TrackKind
	count   int
	pos     int
	failAt  int
	failErr error
	onNext  func(i int)

	mu     sync.Mutex
	closed bool
}

func (r *fakeReader) Next(ctx context.Context) (media.Sample, error) {
	if r.failErr != nil && r.pos == r.failAt {
		return media.Sample{}, r.failErr
	}
	if r.pos >= r.count {
		return media.Sample{}, io.EOF
	}
	i := r.pos
	r.pos++
	if r.onNext != nil {
		r.onNext(i)
	}
	return media.Sample{
		Track:    r.track,
		PTS:      time.Duration(i) * 33 * time.Millisecond,
		Duration: 33 * time.Millisecond,
		Data:     []byte{byte(r.track), byte(i)},
	}, nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeDecoder struct {
	video *fakeReader
	audio *fakeReader

	videoErr error
	audioErr error

	mu          sync.Mutex
	videoOpened bool
	audioOpened bool
	videoSpec   media.VideoTrackSpec
}

func (d *fakeDecoder) OpenVideo(_ context.Context, _ string, spec media.VideoTrackSpec) (media.TrackReader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.videoOpened = true
	d.videoSpec = spec
	if d.videoErr != nil {
		return nil, d.videoErr
	}
	return d.video, nil
}

func (d *fakeDecoder) OpenAudio(_ context.Context, _ string, _ media.AudioTrackSpec) (media.TrackReader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.audioOpened = true
	if d.audioErr != nil {
		return nil, d.audioErr
	}
	if d.audio == nil {
		return nil, media.ErrNoTrack
	}
	return d.audio, nil
}

type fakeStream struct {
	mu        sync.Mutex
	samples   []media.Sample
	finished  bool
	failAt    int
	failErr   error
	container *fakeContainer
}

func (s *fakeStream) WaitReady(ctx context.Context) error {
	return ctx.Err()
}

func (s *fakeStream) Append(_ context.Context, sample media.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil && len(s.samples) == s.failAt {
		return s.failErr
	}
	s.samples = append(s.samples, sample)
	return nil
}

func (s *fakeStream) MarkFinished() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	return nil
}

func (s *fakeStream) appended() []media.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]media.Sample(nil), s.samples...)
}

type fakeContainer struct {
	path string

	mu       sync.Mutex
	videoCfg media.VideoStreamConfig
	audioCfg *media.AudioStreamConfig
	video    *fakeStream
	audio    *fakeStream
	started  bool
	finished bool
	aborted  bool

	appendErr   error
	appendErrAt int
	finishErr   error
}

func (c *fakeContainer) AddVideoStream(cfg media.VideoStreamConfig) (media.StreamWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoCfg = cfg
	c.video = &fakeStream{container: c, failErr: c.appendErr, failAt: c.appendErrAt}
	return c.video, nil
}

func (c *fakeContainer) AddAudioStream(cfg media.AudioStreamConfig) (media.StreamWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioCfg = &cfg
	c.audio = &fakeStream{container: c}
	return c.audio, nil
}

func (c *fakeContainer) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

func (c *fakeContainer) Finish(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finishErr != nil {
		return c.finishErr
	}
	c.finished = true
	var buf bytes.Buffer
	for _, s := range c.video.samples {
		buf.Write(s.Data)
	}
	if c.audio != nil {
		for _, s := range c.audio.samples {
			buf.Write(s.Data)
		}
	}
	return os.WriteFile(c.path, buf.Bytes(), 0o644)
}

func (c *fakeContainer) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
	return nil
}

type fakeEncoder struct {
	createErr   error
	appendErr   error
	appendErrAt int
	finishErr   error

	mu        sync.Mutex
	container *fakeContainer
}

func (e *fakeEncoder) Create(_ context.Context, path string) (media.ContainerWriter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return nil, e.createErr
	}
	e.container = &fakeContainer{
		path:        path,
		appendErr:   e.appendErr,
		appendErrAt: e.appendErrAt,
		finishErr:   e.finishErr,
	}
	return e.container, nil
}

func (e *fakeEncoder) last() *fakeContainer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.container
}

// progressRecorder collects progress callbacks.
type progressRecorder struct {
	mu     sync.Mutex
	values []float64
}

func (p *progressRecorder) record(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, v)
}

func (p *progressRecorder) snapshot() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.values...)
}

var errBoom = errors.New("boom")
