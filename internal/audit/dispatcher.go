package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// queued pairs an event with the context it was emitted under, so sinks see
// the caller's values (request IDs, trace metadata) without inheriting its
// cancellation.
type queued struct {
	ctx   context.Context
	event Event
}

// Dispatcher asynchronously forwards audit events to a sink. With DropIfFull
// set, Emit never blocks the token hot path; Close drains whatever is
// buffered before returning.
type Dispatcher struct {
	cfg       Config
	sink      Sink
	queue     chan queued
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		cfg:   cfg,
		sink:  sink,
		queue: make(chan queued, cfg.BufferSize),
		done:  make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case item := <-d.queue:
			d.deliver(item)
		case <-d.done:
			for {
				select {
				case item := <-d.queue:
					d.deliver(item)
				default:
					return
				}
			}
		}
	}
}

// deliver hands the event to the sink under a context that carries the
// emitter's values but cannot be canceled by it: the request that produced
// the event may be long gone by the time the sink runs.
func (d *Dispatcher) deliver(item queued) {
	ctx := item.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	d.sink.Emit(context.WithoutCancel(ctx), item.event)
}

func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	item := queued{ctx: ctx, event: event}

	if d.cfg.DropIfFull {
		select {
		case d.queue <- item:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- item:
	case <-ctx.Done():
	case <-d.done:
	}
}

func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
