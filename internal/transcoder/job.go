package transcoder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amillerrr/vidshrink/internal/media"
)

// Result is the terminal outcome of a job.
type Result struct {
	State      State
	OutputPath string
	Frames     int64
	Elapsed    time.Duration
	// Err is a *models.TranscodeError for Failed and Cancelled results.
	Err error
}

// JobConfig describes one transfer.
type JobConfig struct {
	ID         string
	SourcePath string
	OutputPath string
	Probe      media.SourceProbe
	Target     media.TranscodeTarget
	// Tier selects the bitrate fraction when Target has no bitrate.
	Tier media.QualityTier
	// OnProgress receives percentages in [0, 100]. It is never called on the
	// transfer goroutine.
	OnProgress func(percent float64)
	// Dispatcher delivers OnProgress. Nil selects the pipeline's shared
	// dispatcher. The caller owns a dispatcher it passes here.
	Dispatcher *Dispatcher
}

// Job is one source-to-destination transfer. Cancel may be called from any
// goroutine; everything else is owned by the pipeline running the job.
type Job struct {
	cfg JobConfig

	cancelled atomic.Bool
	frames    atomic.Int64

	mu     sync.Mutex
	state  State
	result Result
	done   chan struct{}
}

// NewJob creates an idle job.
func NewJob(cfg JobConfig) *Job {
	return &Job{cfg: cfg, done: make(chan struct{})}
}

func (j *Job) ID() string                    { return j.cfg.ID }
func (j *Job) Probe() media.SourceProbe      { return j.cfg.Probe }
func (j *Job) Target() media.TranscodeTarget { return j.cfg.Target }

// Cancel requests cancellation. It is idempotent and takes effect before the
// next sample is transferred.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
}

// IsCancelled reports whether Cancel has been called.
func (j *Job) IsCancelled() bool {
	return j.cancelled.Load()
}

// Frames returns the number of video samples transferred so far.
func (j *Job) Frames() int64 {
	return j.frames.Load()
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job is terminal or ctx is done.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case <-j.done:
		return j.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the terminal result, or the zero Result while running.
func (j *Job) Result() Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Progress returns frames / estimated frames as a percentage in [0, 100], and
// false when the estimate is unavailable.
func (j *Job) Progress() (float64, bool) {
	total := j.cfg.Probe.EstimatedFrames()
	if total <= 0 {
		return 0, false
	}
	pct := float64(j.frames.Load()) / float64(total) * 100
	return min(max(pct, 0), 100), true
}

func (j *Job) transition(to State) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !CanTransition(j.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.state, to)
	}
	j.state = to
	return nil
}

// finish moves the job to a terminal state and publishes res exactly once.
func (j *Job) finish(res Result) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !CanTransition(j.state, res.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.state, res.State)
	}
	j.state = res.State
	res.Frames = j.frames.Load()
	j.result = res
	close(j.done)
	return nil
}

// MarkSkipped finishes an idle job without transferring anything.
func (j *Job) MarkSkipped() error {
	return j.finish(Result{State: StateSkipped, OutputPath: j.cfg.SourcePath})
}
