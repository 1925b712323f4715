package eventlog

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	l := New()

	a := l.Append(ArtifactCreated, "alice", nil)
	b := l.Append(ArtifactWritten, "alice", nil)
	c := l.Append(ArtifactWritten, "bob", nil)

	if a.Sequence != 1 || b.Sequence != 2 || c.Sequence != 3 {
		t.Fatalf("expected sequential sequence numbers, got %d %d %d", a.Sequence, b.Sequence, c.Sequence)
	}
	if l.Len() != 3 {
		t.Fatalf("expected 3 events, got %d", l.Len())
	}
}

func TestReplaySinceSequence(t *testing.T) {
	l := New()
	l.Append(ArtifactCreated, "alice", nil)
	l.Append(ArtifactWritten, "alice", nil)
	l.Append(ArtifactDeleted, "alice", nil)

	replayed := l.Replay(1)
	if len(replayed) != 2 {
		t.Fatalf("expected 2 events after sequence 1, got %d", len(replayed))
	}
	if replayed[0].Type != ArtifactWritten || replayed[1].Type != ArtifactDeleted {
		t.Fatalf("unexpected replay order: %+v", replayed)
	}
}

func TestSubscribeReceivesMatchingEventsOnly(t *testing.T) {
	l := New()
	ch, cancel := l.Subscribe(func(e Event) bool { return e.Principal == "alice" })
	defer cancel()

	l.Append(ArtifactCreated, "alice", nil)
	l.Append(ArtifactCreated, "bob", nil)

	select {
	case ev := <-ch:
		if ev.Principal != "alice" {
			t.Fatalf("expected alice event, got %s", ev.Principal)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("did not expect a second event, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFileSinkWritesNDJSON(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir + "/events.ndjson")
	if err != nil {
		t.Fatalf("new file sink: %v", err)
	}
	defer sink.Close()

	l := New(WithSink(sink))
	l.Append(ArtifactCreated, "alice", map[string]any{"id": "art1"})

	if err := sink.f.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := os.ReadFile(dir + "/events.ndjson")
	if err != nil {
		t.Fatalf("read event log file: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), data)
	}
	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if ev.Sequence != 1 || ev.Type != ArtifactCreated || ev.Principal != "alice" {
		t.Fatalf("unexpected event on disk: %+v", ev)
	}
}
