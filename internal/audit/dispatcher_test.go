package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// blockingSink stalls the dispatcher worker until released, so tests can
// fill the buffer deterministically.
type blockingSink struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingSink() *blockingSink {
	return &blockingSink{
		started: make(chan struct{}, 64),
		release: make(chan struct{}),
	}
}

func (s *blockingSink) Emit(_ context.Context, _ Event) {
	s.started <- struct{}{}
	<-s.release
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("disabled config must yield a nil dispatcher")
	}

	// All methods are safe on nil.
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reports zero drops")
	}
}

func TestEventsReachSink(t *testing.T) {
	sink := NewChannelSink(16)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink)

	d.Emit(context.Background(), Event{EventType: "token_pair_issued", UserID: "u1", Success: true})
	d.Close()

	select {
	case event := <-sink.Events():
		if event.EventType != "token_pair_issued" || event.UserID != "u1" || !event.Success {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatal("event must be delivered before Close returns")
	}
}

func TestDropIfFullCountsDrops(t *testing.T) {
	sink := newBlockingSink()
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	ctx := context.Background()

	// First event: wait for the worker to pick it up and stall in the sink.
	d.Emit(ctx, Event{EventType: "a"})
	select {
	case <-sink.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the first event")
	}

	// Second fills the buffer, third has nowhere to go.
	d.Emit(ctx, Event{EventType: "b"})
	d.Emit(ctx, Event{EventType: "c"})

	if got := d.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}

	close(sink.release)
	d.Close()
}

func TestCloseDrainsBufferedEvents(t *testing.T) {
	var buf bytes.Buffer
	d := NewDispatcher(Config{Enabled: true, BufferSize: 64}, NewJSONWriterSink(&buf))

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: "token_revoked", Success: true})
	}
	d.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 10 {
		t.Fatalf("drained events = %d, want 10", len(lines))
	}
	var event Event
	if err := json.Unmarshal([]byte(lines[0]), &event); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	if event.EventType != "token_revoked" {
		t.Fatalf("event type = %q", event.EventType)
	}
}

func TestEmitAfterCloseIsNoOp(t *testing.T) {
	sink := NewChannelSink(16)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink)
	d.Close()

	d.Emit(context.Background(), Event{EventType: "late"})

	select {
	case event := <-sink.Events():
		t.Fatalf("unexpected event after close: %+v", event)
	default:
	}
}

// contextSink records the context each event is delivered under.
type contextSink struct {
	ctxs chan context.Context
}

func (s *contextSink) Emit(ctx context.Context, _ Event) {
	s.ctxs <- ctx
}

type emitterKey struct{}

func TestSinkSeesEmitContextValues(t *testing.T) {
	sink := &contextSink{ctxs: make(chan context.Context, 1)}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, emitterKey{}, "req-42")

	d.Emit(ctx, Event{EventType: "token_pair_issued"})
	cancel()
	d.Close()

	select {
	case delivered := <-sink.ctxs:
		if got, _ := delivered.Value(emitterKey{}).(string); got != "req-42" {
			t.Fatalf("sink context value = %q, want %q", got, "req-42")
		}
		if delivered.Err() != nil {
			t.Fatalf("sink context must outlive the emitter's cancellation, got %v", delivered.Err())
		}
	default:
		t.Fatal("event must be delivered before Close returns")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, NoOpSink{})
	d.Close()
	d.Close()
}
