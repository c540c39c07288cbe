package transcoder

import (
	"context"
	"sync"
)

type pendingProgress struct {
	percent float64
	notify  func(float64)
}

// Dispatcher delivers progress callbacks on its own goroutine so a slow
// listener never stalls a transfer. Updates for the same key that arrive
// faster than they are delivered are coalesced to the latest value.
type Dispatcher struct {
	mu      sync.Mutex
	pending map[string]pendingProgress
	order   []string
	closed  bool

	wake  chan struct{}
	flush chan chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

// NewDispatcher starts the delivery goroutine. Call Close to stop it.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		pending: make(map[string]pendingProgress),
		wake:    make(chan struct{}, 1),
		flush:   make(chan chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

// Notify queues percent for key. It never blocks on the listener.
func (d *Dispatcher) Notify(key string, percent float64, notify func(float64)) {
	if notify == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if _, ok := d.pending[key]; !ok {
		d.order = append(d.order, key)
	}
	d.pending[key] = pendingProgress{percent: percent, notify: notify}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every update queued before the call has been delivered.
func (d *Dispatcher) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case d.flush <- ack:
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close delivers what is queued and stops the goroutine.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.wake:
			d.deliver()
		case ack := <-d.flush:
			d.deliver()
			close(ack)
		case <-d.stop:
			d.deliver()
			return
		}
	}
}

func (d *Dispatcher) deliver() {
	d.mu.Lock()
	batch := make([]pendingProgress, 0, len(d.order))
	for _, key := range d.order {
		batch = append(batch, d.pending[key])
	}
	d.pending = make(map[string]pendingProgress)
	d.order = d.order[:0]
	d.mu.Unlock()

	for _, p := range batch {
		p.notify(p.percent)
	}
}
