package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, Event) {
	s.count.Add(1)
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{gate: make(chan struct{})}
}

func (s *gateSink) Emit(context.Context, Event) {
	<-s.gate
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := NewChannelSink(8)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)
	defer d.Close()

	for i := 0; i < 3; i++ {
		d.Emit(context.Background(), Event{EventType: "login", UserID: "u1"})
	}

	for i := 0; i < 3; i++ {
		select {
		case event := <-sink.Events():
			if event.EventType != "login" {
				t.Fatalf("event %d type = %q, want login", i, event.EventType)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
}

func TestDispatcherDisabledIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("disabled config must yield a nil dispatcher")
	}
	// Nil dispatchers absorb calls.
	d.Emit(context.Background(), Event{EventType: "login"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := newGateSink()
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// First event parks in the sink, second fills the buffer, the rest drop.
	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), Event{EventType: "login"})
	}
	if d.Dropped() == 0 {
		t.Fatal("expected dropped events with a full buffer")
	}

	close(sink.gate)
	d.Close()
}

func TestDispatcherBlockingEmitHonorsContext(t *testing.T) {
	sink := newGateSink()
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: false}, sink)

	d.Emit(context.Background(), Event{EventType: "login"})
	d.Emit(context.Background(), Event{EventType: "login"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.Emit(ctx, Event{EventType: "login"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocking emit did not release on context expiry")
	}
	if d.Dropped() != 0 {
		t.Fatal("blocking mode must not count drops")
	}

	close(sink.gate)
	d.Close()
}

func TestCloseDrainsBuffer(t *testing.T) {
	sink := &countingSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: "login"})
	}
	d.Close()

	if got := sink.count.Load(); got != 10 {
		t.Fatalf("delivered %d events after Close, want 10", got)
	}

	// Emit after Close is a no-op.
	d.Emit(context.Background(), Event{EventType: "login"})
	if got := sink.count.Load(); got != 10 {
		t.Fatalf("post-close emit delivered: %d", got)
	}
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), Event{
		EventType: "login",
		UserID:    "u1",
		Success:   true,
	})

	line := strings.TrimSpace(buf.String())
	var decoded Event
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("sink output is not json: %v", err)
	}
	if decoded.EventType != "login" || decoded.UserID != "u1" || !decoded.Success {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}
