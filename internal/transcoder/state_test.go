package transcoder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateStarted, true},
		{StateIdle, StateSkipped, true},
		{StateIdle, StateTransferringVideo, false},
		{StateStarted, StateTransferringVideo, true},
		{StateStarted, StateTransferringAudio, false},
		{StateTransferringVideo, StateTransferringAudio, true},
		{StateTransferringVideo, StateFinalizing, true},
		{StateTransferringAudio, StateTransferringVideo, false},
		{StateTransferringAudio, StateFinalizing, true},
		{StateFinalizing, StateSucceeded, true},
		{StateFinalizing, StateTransferringAudio, false},
		{StateTransferringVideo, StateCancelled, true},
		{StateSucceeded, StateFailed, false},
		{StateCancelled, StateStarted, false},
		{StateSkipped, StateStarted, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for s := StateIdle; s <= StateSkipped; s++ {
		if !s.IsTerminal() {
			continue
		}
		for to := StateIdle; to <= StateSkipped; to++ {
			if CanTransition(s, to) {
				t.Errorf("terminal state %s allows transition to %s", s, to)
			}
		}
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "transferring_video", StateTransferringVideo.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestJobProgress(t *testing.T) {
	job := NewJob(JobConfig{Probe: landscapeProbe(10, false)})
	_, ok := job.Progress()
	require.True(t, ok)

	job.frames.Store(5)
	pct, _ := job.Progress()
	assert.InDelta(t, 50.0, pct, 0.001)

	job.frames.Store(25)
	pct, _ = job.Progress()
	assert.Equal(t, 100.0, pct, "progress is clamped")
}

func TestDispatcherDeliversLatest(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := NewDispatcher()
	defer d.Close()

	var mu sync.Mutex
	var got []float64
	notify := func(v float64) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, v)
	}

	for i := 0; i <= 100; i++ {
		d.Notify("job", float64(i), notify)
	}
	require.NoError(t, d.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), 101)
	assert.Equal(t, 100.0, got[len(got)-1])
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
}

func TestDispatcherDoesNotBlockOnSlowListener(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := NewDispatcher()
	defer d.Close()

	release := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(1)
	var once sync.Once
	slow := func(float64) {
		once.Do(calls.Done)
		<-release
	}

	d.Notify("slow", 1, slow)
	calls.Wait()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			d.Notify("slow", float64(i), slow)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked behind a slow listener")
	}
	close(release)
}

func TestDispatcherCloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := NewDispatcher()
	delivered := make(chan float64, 1)
	d.Notify("job", 42, func(v float64) { delivered <- v })
	d.Close()
	d.Close()

	assert.Equal(t, 42.0, <-delivered)

	// Updates after Close are dropped.
	d.Notify("job", 43, func(float64) { t.Error("notified after Close") })
	assert.NoError(t, d.Flush(context.Background()))
}
