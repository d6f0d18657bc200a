package metrics

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

type gatedObserver struct {
	inner   *MemoryObserver
	started chan struct{}
	release chan struct{}
}

func (g *gatedObserver) RecordEvent(ev MetricsEvent) {
	g.started <- struct{}{}
	<-g.release
	g.inner.RecordEvent(ev)
}

func TestAsyncObserverDropsWhenBufferFull(t *testing.T) {
	gate := &gatedObserver{
		inner:   NewMemoryObserver(),
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	async := NewAsyncObserver(gate, 1)

	async.RecordEvent(MetricsEvent{Name: "first"})
	<-gate.started // worker is now stuck inside the inner observer
	async.RecordEvent(MetricsEvent{Name: "second"})
	async.RecordEvent(MetricsEvent{Name: "third"})

	if got := async.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}

	close(gate.release)
	deadline := time.Now().Add(2 * time.Second)
	for len(gate.inner.Named("second")) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("buffered event never delivered")
		}
		time.Sleep(time.Millisecond)
	}
	async.Close()

	if len(gate.inner.Named("first")) != 1 || len(gate.inner.Named("third")) != 0 {
		t.Fatalf("events %v", gate.inner.Events)
	}
}

func TestAsyncObserverIgnoresEventsAfterClose(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 4)
	async.Close()
	async.RecordEvent(MetricsEvent{Name: "late"})
	if len(mem.Named("late")) != 0 {
		t.Fatalf("event recorded after close")
	}
}

func TestJSONLObserverEmitsTagsAndFields(t *testing.T) {
	var buf bytes.Buffer
	obs := NewJSONLObserver(&buf)
	obs.RecordEvent(MetricsEvent{
		Name:   EventChunkUploaded,
		Time:   time.Unix(1000, 0),
		Value:  1.5,
		Tags:   map[string]string{"session_id": "sess-1"},
		Fields: map[string]any{"bytes": 42},
	})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode: %v\n%s", err, buf.String())
	}
	if line["name"] != EventChunkUploaded {
		t.Fatalf("name %v", line["name"])
	}
	if line["session_id"] != "sess-1" {
		t.Fatalf("tag %v", line["session_id"])
	}
	if line["bytes"] != float64(42) {
		t.Fatalf("field %v", line["bytes"])
	}
}

func TestMemoryObserverFiltersByName(t *testing.T) {
	mem := NewMemoryObserver()
	mem.RecordEvent(MetricsEvent{Name: EventChunkSealed})
	mem.RecordEvent(MetricsEvent{Name: EventUploadGap})
	mem.RecordEvent(MetricsEvent{Name: EventChunkSealed})
	if got := len(mem.Named(EventChunkSealed)); got != 2 {
		t.Fatalf("named = %d, want 2", got)
	}
}
