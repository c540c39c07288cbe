package compressor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amillerrr/vidshrink/internal/decision"
	"github.com/amillerrr/vidshrink/internal/media"
	"github.com/amillerrr/vidshrink/internal/media/mediatest"
	"github.com/amillerrr/vidshrink/internal/transcoder"
	"github.com/amillerrr/vidshrink/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fixture struct {
	dir      string
	source   string
	prober   *mediatest.Prober
	decoder  *mediatest.Decoder
	pipeline *transcoder.Pipeline
	library  *fakeLibrary
	thumbs   *fakeThumbnailer
	c        *Compressor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:     dir,
		source:  filepath.Join(dir, "IMG_0001.MOV"),
		prober:  mediatest.NewProber(),
		decoder: &mediatest.Decoder{VideoFrames: 30, AudioFrames: 10},
		library: &fakeLibrary{},
		thumbs:  &fakeThumbnailer{},
	}
	require.NoError(t, os.WriteFile(f.source, []byte("source"), 0o644))
	f.prober.Set(f.source, media.SourceProbe{
		Width:      1920,
		Height:     1080,
		BitrateBps: 10_000_000,
		Duration:   time.Second,
		FileSize:   50 * media.MiB,
		FrameRate:  30,
		HasAudio:   true,
		Transform:  media.Identity,
	})

	engine, err := decision.NewEngine(decision.DefaultPolicy(), nil)
	require.NoError(t, err)
	f.pipeline = transcoder.NewPipeline(transcoder.PipelineConfig{
		Decoder: f.decoder,
		Encoder: mediatest.Encoder{},
	})
	f.c, err = New(Config{
		Prober:      f.prober,
		Engine:      engine,
		Pipeline:    f.pipeline,
		Library:     f.library,
		Thumbnailer: f.thumbs,
		MoviesDir:   filepath.Join(dir, "Movies"),
	})
	require.NoError(t, err)
	return f
}

type fakeLibrary struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (l *fakeLibrary) Register(_ context.Context, path string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	l.paths = append(l.paths, path)
	return "library://" + filepath.Base(path), nil
}

type thumbCall struct {
	video, dest string
	quality     int
}

type fakeThumbnailer struct {
	mu    sync.Mutex
	calls []thumbCall
	err   error
}

func (f *fakeThumbnailer) Generate(_ context.Context, video string, _ media.SourceProbe, dest string, quality int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, thumbCall{video: video, dest: dest, quality: quality})
	return f.err
}

type progressLog struct {
	mu     sync.Mutex
	values []float64
}

func (p *progressLog) record(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, v)
}

func (p *progressLog) snapshot() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.values...)
}

func TestCompressSucceeds(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t)
	defer f.pipeline.Close()

	progress := &progressLog{}
	out := filepath.Join(f.dir, "out.mp4")
	res, err := f.c.Compress(context.Background(), Request{
		SourcePath: f.source,
		OutputPath: out,
		OnProgress: progress.record,
	})
	require.NoError(t, err)

	assert.Equal(t, out, res.Path)
	assert.False(t, res.Skipped)
	assert.Equal(t, transcoder.StateSucceeded, res.State)
	assert.Equal(t, 960, res.Target.Width)
	assert.Equal(t, 528, res.Target.Height)
	assert.Equal(t, 2, res.Target.BitrateMbps())
	assert.Equal(t, int64(30), res.Frames)
	assert.Positive(t, res.OutputSize)
	assert.Empty(t, res.LibraryLocation)
	assert.Empty(t, res.ThumbnailPath)

	_, err = os.Stat(out)
	require.NoError(t, err)

	values := progress.snapshot()
	require.NotEmpty(t, values)
	assert.Equal(t, 100.0, values[len(values)-1])
}

func TestCompressTasksHaveSeparateListeners(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t)
	defer f.pipeline.Close()

	release := make(chan struct{})
	var once sync.Once
	blocked, err := f.c.Submit(context.Background(), Request{
		SourcePath: f.source,
		OutputPath: filepath.Join(f.dir, "out", "blocked.mp4"),
		OnProgress: func(float64) { <-release },
	})
	require.NoError(t, err)
	defer once.Do(func() { close(release) })

	progress := &progressLog{}
	res, err := f.c.Compress(context.Background(), Request{
		SourcePath: f.source,
		OutputPath: filepath.Join(f.dir, "out", "free.mp4"),
		OnProgress: progress.record,
	})
	require.NoError(t, err)
	assert.Equal(t, transcoder.StateSucceeded, res.State)
	values := progress.snapshot()
	require.NotEmpty(t, values)
	assert.Equal(t, 100.0, values[len(values)-1])

	select {
	case <-blocked.Done():
		t.Fatal("task with a blocked listener finished early")
	default:
	}
	once.Do(func() { close(release) })
	res, err = blocked.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, transcoder.StateSucceeded, res.State)
}

func TestCompressSkipsSmallSource(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t)
	defer f.pipeline.Close()

	small := filepath.Join(f.dir, "small.mp4")
	f.prober.Set(small, media.SourceProbe{Width: 1920, Height: 1080, BitrateBps: 10_000_000, FileSize: 4 * media.MiB})

	progress := &progressLog{}
	task, err := f.c.Submit(context.Background(), Request{SourcePath: small, OnProgress: progress.record})
	require.NoError(t, err)

	select {
	case <-task.Done():
	default:
		t.Fatal("skipped task should already be done")
	}
	res, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, small, res.Path)
	assert.Equal(t, transcoder.StateSkipped, res.State)
	assert.Equal(t, decision.BranchSkipSmall, res.Target.Reason)
	assert.NotEmpty(t, task.ID())
	_, ok := task.Progress()
	assert.False(t, ok)
	assert.Empty(t, progress.snapshot())

	_, err = os.Stat(filepath.Join(f.dir, "Movies"))
	assert.True(t, os.IsNotExist(err), "no output directory for a skip")
}

func TestCompressDefaultOutputPath(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t)
	defer f.pipeline.Close()

	res, err := f.c.Compress(context.Background(), Request{SourcePath: f.source, Quality: media.TierHigh})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.dir, "Movies"), filepath.Dir(res.Path))
	assert.True(t, strings.HasSuffix(res.Path, ".mp4"))
	assert.Equal(t, 1280, res.Target.Width)
}

func TestCompressRejectsBadRequests(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t)
	defer f.pipeline.Close()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"missing source", Request{}, models.ErrMissingSource},
		{"bad quality", Request{SourcePath: f.source, Quality: "ultra"}, models.ErrInvalidQuality},
		{"negative bitrate", Request{SourcePath: f.source, CustomBitrateMbps: -1}, models.ErrInvalidBitrate},
		{"unreadable source", Request{SourcePath: filepath.Join(f.dir, "missing.mov")}, models.ErrInvalidSource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.c.Compress(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCompressProbeUnavailable(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t)
	defer f.pipeline.Close()

	src := filepath.Join(f.dir, "nobitrate.mp4")
	f.prober.Set(src, media.SourceProbe{Width: 1920, Height: 1080, FileSize: 50 * media.MiB})
	_, err := f.c.Compress(context.Background(), Request{SourcePath: src})
	assert.ErrorIs(t, err, models.ErrProbeUnavailable)
	assert.Equal(t, "ProbeUnavailable", models.CategoryOf(err))
}

func TestCompressSmallSourceSkipsWithoutBitrate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t)
	defer f.pipeline.Close()

	src := filepath.Join(f.dir, "nobitrate-small.mp4")
	f.prober.Set(src, media.SourceProbe{Width: 1920, Height: 1080, FileSize: 3 * media.MiB})
	res, err := f.c.Compress(context.Background(), Request{SourcePath: src})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, src, res.Path)
	assert.Equal(t, decision.BranchSkipSmall, res.Target.Reason)
}

func TestCompressUnreadableSmallSourceSkips(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t)
	defer f.pipeline.Close()

	unavailable := models.NewTranscodeError(models.ErrProbeUnavailable, "no video track", nil)

	small := filepath.Join(f.dir, "small.mov")
	require.NoError(t, os.WriteFile(small, make([]byte, 1024), 0o644))
	f.prober.SetErr(small, unavailable)
	res, err := f.c.Compress(context.Background(), Request{SourcePath: small})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, transcoder.StateSkipped, res.State)
	assert.Equal(t, int64(1024), res.Probe.FileSize)
	assert.Equal(t, decision.BranchSkipSmall, res.Target.Reason)

	// Explicit settings never skip, so the failure stands.
	_, err = f.c.Compress(context.Background(), Request{
		SourcePath: small,
		Settings:   &decision.EncoderSettings{KeepOriginalResolution: true},
	})
	assert.ErrorIs(t, err, models.ErrProbeUnavailable)

	large := filepath.Join(f.dir, "large.mov")
	require.NoError(t, os.WriteFile(large, nil, 0o644))
	require.NoError(t, os.Truncate(large, 6*media.MiB))
	f.prober.SetErr(large, unavailable)
	_, err = f.c.Compress(context.Background(), Request{SourcePath: large})
	assert.ErrorIs(t, err, models.ErrProbeUnavailable)

	missing := filepath.Join(f.dir, "gone.mov")
	f.prober.SetErr(missing, unavailable)
	_, err = f.c.Compress(context.Background(), Request{SourcePath: missing})
	assert.ErrorIs(t, err, models.ErrProbeUnavailable)
}

func TestCompressRequiresConfiguredExtras(t *testing.T) {
	f := newFixture(t)
	defer f.pipeline.Close()

	bare, err := New(Config{Prober: f.prober, Engine: f.c.config.Engine, Pipeline: f.pipeline})
	require.NoError(t, err)

	_, err = bare.Submit(context.Background(), Request{SourcePath: f.source, SaveToLibrary: true})
	assert.Error(t, err)
	_, err = bare.Submit(context.Background(), Request{SourcePath: f.source, StoreThumbnail: true})
	assert.Error(t, err)
}

func TestCompressCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t)
	defer f.pipeline.Close()

	reached := make(chan struct{})
	release := make(chan struct{})
	f.decoder.OnVideo = func(i int) {
		if i == 5 {
			close(reached)
			<-release
		}
	}

	out := filepath.Join(f.dir, "out.mp4")
	task, err := f.c.Submit(context.Background(), Request{SourcePath: f.source, OutputPath: out})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID())

	<-reached
	task.Cancel()
	task.Cancel()
	close(release)

	res, err := task.Wait(context.Background())
	assert.ErrorIs(t, err, models.ErrCancelled)
	assert.Equal(t, transcoder.StateCancelled, res.State)
	assert.Empty(t, res.Path)

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "cancelled job leaves no destination")
}

func TestCompressThumbnailAndLibrary(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t)
	defer f.pipeline.Close()

	out := filepath.Join(f.dir, "out.mp4")
	f.prober.Set(out, media.SourceProbe{Width: 960, Height: 528})

	res, err := f.c.Compress(context.Background(), Request{
		SourcePath:     f.source,
		OutputPath:     out,
		SaveToLibrary:  true,
		StoreThumbnail: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "library://out.mp4", res.LibraryLocation)
	assert.Equal(t, []string{out}, f.library.paths)

	require.Len(t, f.thumbs.calls, 1)
	call := f.thumbs.calls[0]
	assert.Equal(t, out, call.video)
	assert.Equal(t, filepath.Join(f.dir, "out.jpg"), call.dest)
	assert.Equal(t, DefaultThumbnailQuality, call.quality)
	assert.Equal(t, call.dest, res.ThumbnailPath)
}

func TestCompressThumbnailToLibrary(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t)
	defer f.pipeline.Close()

	out := filepath.Join(f.dir, "out.mp4")
	f.prober.Set(out, media.SourceProbe{Width: 960, Height: 528})

	res, err := f.c.Compress(context.Background(), Request{
		SourcePath:         f.source,
		OutputPath:         out,
		StoreThumbnail:     true,
		ThumbnailToLibrary: true,
	})
	require.NoError(t, err)
	thumb := filepath.Join(f.dir, "out.jpg")
	assert.Equal(t, thumb, res.ThumbnailPath)
	assert.Equal(t, "library://out.jpg", res.ThumbnailLocation)
	assert.Empty(t, res.LibraryLocation)
	assert.Equal(t, []string{thumb}, f.library.paths)

	bare, err := New(Config{Prober: f.prober, Engine: f.c.config.Engine, Pipeline: f.pipeline, Thumbnailer: f.thumbs})
	require.NoError(t, err)
	_, err = bare.Submit(context.Background(), Request{SourcePath: f.source, StoreThumbnail: true, ThumbnailToLibrary: true})
	assert.Error(t, err)
}

func TestCompressExtrasFailuresKeepResult(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t)
	defer f.pipeline.Close()

	f.library.err = errors.New("library offline")
	f.thumbs.err = errors.New("no frame")
	out := filepath.Join(f.dir, "out.mp4")
	f.prober.Set(out, media.SourceProbe{Width: 960, Height: 528})

	res, err := f.c.Compress(context.Background(), Request{
		SourcePath:       f.source,
		OutputPath:       out,
		SaveToLibrary:    true,
		StoreThumbnail:   true,
		ThumbnailPath:    filepath.Join(f.dir, "thumb.png"),
		ThumbnailQuality: 70,
	})
	require.NoError(t, err)
	assert.Equal(t, out, res.Path)
	assert.Empty(t, res.LibraryLocation)
	assert.Empty(t, res.ThumbnailPath)
	require.Len(t, f.thumbs.calls, 1)
	assert.Equal(t, 70, f.thumbs.calls[0].quality)
}

func TestInfo(t *testing.T) {
	f := newFixture(t)
	defer f.pipeline.Close()

	probe, err := f.c.Info(context.Background(), f.source)
	require.NoError(t, err)
	assert.Equal(t, 1920, probe.Width)
	assert.Equal(t, f.source, probe.Path)
}

func TestNewRequiresCapabilities(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCompressExplicitSettings(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newFixture(t)
	defer f.pipeline.Close()

	t.Run("keep original resolution", func(t *testing.T) {
		res, err := f.c.Compress(context.Background(), Request{
			SourcePath: f.source,
			OutputPath: filepath.Join(f.dir, "keep.mp4"),
			Quality:    media.TierHigh,
			Settings:   &decision.EncoderSettings{KeepOriginalResolution: true},
		})
		require.NoError(t, err)
		assert.Equal(t, 1920, res.Target.Width)
		assert.Equal(t, 1080, res.Target.Height)
		assert.Equal(t, decision.FallbackBitrate(media.TierHigh, 10_000_000), res.Target.BitrateBps)
		assert.Equal(t, transcoder.StateSucceeded, res.State)
	})

	t.Run("small source is not skipped", func(t *testing.T) {
		small := filepath.Join(f.dir, "small.mp4")
		f.prober.Set(small, media.SourceProbe{
			Width: 1280, Height: 720, BitrateBps: 8_000_000, FileSize: 4 * media.MiB,
			Duration: time.Second, FrameRate: 30, Transform: media.Identity,
		})
		res, err := f.c.Compress(context.Background(), Request{
			SourcePath: small,
			OutputPath: filepath.Join(f.dir, "small-out.mp4"),
			Settings:   &decision.EncoderSettings{Width: 640, Height: 360, BitrateBps: 1_000_000},
		})
		require.NoError(t, err)
		assert.False(t, res.Skipped)
		assert.Equal(t, 640, res.Target.Width)
		assert.Equal(t, 352, res.Target.Height)
	})

	t.Run("minimum bitrate guard", func(t *testing.T) {
		low := filepath.Join(f.dir, "low.mp4")
		f.prober.Set(low, media.SourceProbe{Width: 1280, Height: 720, BitrateBps: 1_500_000, FileSize: 30 * media.MiB})
		_, err := f.c.Compress(context.Background(), Request{
			SourcePath: low,
			Settings:   &decision.EncoderSettings{MinBitrateCheck: true},
		})
		assert.ErrorIs(t, err, models.ErrEncodeFailed)
	})
}
