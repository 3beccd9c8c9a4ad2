package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config sizes the event queue and picks the backpressure policy.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Dispatcher relays events to a sink on one background goroutine, in emit order.
//
// With DropIfFull a full buffer drops the event. Without it Emit waits for space until
// its context ends or the dispatcher shuts down; either way the event counts as dropped.
type Dispatcher struct {
	cfg  Config
	sink Sink

	// mu orders sends against close(queue): Emit holds it shared while sending.
	mu       sync.RWMutex
	queue    chan Event
	closed   bool
	stopping chan struct{}
	stopOnce sync.Once
	finished chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher returns nil when auditing is disabled; a nil *Dispatcher accepts and
// discards every call.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	cfg.BufferSize = max(cfg.BufferSize, 1)
	if sink == nil {
		sink = NoOpSink{}
	}
	d := &Dispatcher{
		cfg:      cfg,
		sink:     sink,
		queue:    make(chan Event, cfg.BufferSize),
		stopping: make(chan struct{}),
		finished: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.finished)
	for event := range d.queue {
		d.sink.Emit(context.Background(), event)
		d.delivered.Add(1)
	}
}

// Emit queues event for delivery. It never blocks when DropIfFull is set.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if d.cfg.DropIfFull {
		select {
		case d.queue <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.stopping:
		d.dropped.Add(1)
	}
}

// Close stops accepting events and blocks until buffered events are delivered. It is
// safe to call more than once.
func (d *Dispatcher) Close() {
	_ = d.Shutdown(context.Background())
}

// Shutdown is Close bounded by ctx. When ctx ends first it returns ctx.Err() and the
// remaining events are still delivered in the background.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.stopOnce.Do(func() {
		// Release emitters parked on a full queue before taking the write lock.
		close(d.stopping)
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})

	select {
	case <-d.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

func (d *Dispatcher) Delivered() uint64 {
	if d == nil {
		return 0
	}
	return d.delivered.Load()
}
