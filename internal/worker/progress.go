package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// progressWriter persists a job's progress.
type progressWriter interface {
	UpdateProgress(ctx context.Context, jobID string, percent float64) error
}

// progressReporter forwards progress to the job record in whole steps. Report
// never blocks; only the newest pending step is written.
type progressReporter struct {
	jobID string
	step  int
	store progressWriter
	log   *slog.Logger

	last    atomic.Int64
	pending chan float64
	done    chan struct{}
}

func newProgressReporter(ctx context.Context, jobID string, step int, store progressWriter, log *slog.Logger) *progressReporter {
	if step <= 0 {
		step = 1
	}
	r := &progressReporter{
		jobID:   jobID,
		step:    step,
		store:   store,
		log:     log,
		pending: make(chan float64, 1),
		done:    make(chan struct{}),
	}
	r.last.Store(-1)
	go r.loop(ctx)
	return r
}

// Report records percent if it reaches a new step.
func (r *progressReporter) Report(percent float64) {
	bucket := int64(percent) / int64(r.step) * int64(r.step)
	for {
		last := r.last.Load()
		if bucket <= last {
			return
		}
		if r.last.CompareAndSwap(last, bucket) {
			break
		}
	}
	for {
		select {
		case r.pending <- float64(bucket):
			return
		default:
		}
		select {
		case <-r.pending:
		default:
		}
	}
}

// Close writes any pending step and stops the reporter.
func (r *progressReporter) Close() {
	close(r.pending)
	<-r.done
}

func (r *progressReporter) loop(ctx context.Context) {
	defer close(r.done)
	for pct := range r.pending {
		if err := r.store.UpdateProgress(ctx, r.jobID, pct); err != nil {
			r.log.WarnContext(ctx, "Failed to record progress",
				"jobId", r.jobID,
				"progress", pct,
				"error", err,
			)
		}
	}
}
