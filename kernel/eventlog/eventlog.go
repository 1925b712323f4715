// Package eventlog implements an append-only, globally-sequenced event
// stream. It is modelled on system/events.Dispatcher: a registry of
// filtered subscriptions, each with its own buffered channel that
// Append delivers to synchronously, plus a durable slice that supports
// replay from a sequence number.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Type enumerates the event taxonomy every mutation appends under.
type Type string

const (
	ArtifactCreated        Type = "artifact_created"
	ArtifactWritten         Type = "artifact_written"
	ArtifactEdited          Type = "artifact_edited"
	ArtifactDeleted         Type = "artifact_deleted"
	ResourceConsumed        Type = "resource_consumed"
	ResourceSpent           Type = "resource_spent"
	ResourceAllocated       Type = "resource_allocated"
	Transfer                Type = "transfer"
	PermissionDecision      Type = "permission_decision"
	DanglingContractFallback Type = "dangling_contract_fallback"
	AgentStateChange        Type = "agent_state_change"
)

// Event is the envelope appended for every mutation.
type Event struct {
	Sequence     uint64         `json:"sequence"`
	TimestampISO string         `json:"timestamp_iso"`
	Type         Type           `json:"type"`
	Principal    string         `json:"principal"`
	Data         map[string]any `json:"data,omitempty"`
}

// Filter decides whether an event should be delivered to a subscriber.
type Filter func(Event) bool

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Event
}

// Log is the append-only event store. The zero value is not usable; use
// New.
type Log struct {
	clock Clock

	mu      sync.RWMutex
	events  []Event
	seq     atomic.Uint64
	subs    map[uint64]*subscription
	subSeq  atomic.Uint64
	sink    Sink
}

// Sink receives every appended event synchronously, in sequence order.
// Used for the optional newline-delimited file sink.
type Sink interface {
	Write(Event) error
}

// New creates an empty Log.
func New(opts ...Option) *Log {
	l := &Log{
		clock: time.Now,
		subs:  make(map[uint64]*subscription),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Option configures a Log at construction time.
type Option func(*Log)

// WithClock overrides the time source (tests only).
func WithClock(c Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithSink attaches a durability sink that mirrors every appended event.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sink = s }
}

// Append assigns the next monotonic sequence number and stores the
// event. It is the only path that ever grows the log; no event is ever
// mutated or removed afterward.
func (l *Log) Append(typ Type, principal string, data map[string]any) Event {
	l.mu.Lock()
	ev := Event{
		Sequence:     l.seq.Add(1),
		TimestampISO: l.clock().UTC().Format(time.RFC3339Nano),
		Type:         typ,
		Principal:    principal,
		Data:         data,
	}
	l.events = append(l.events, ev)
	if l.sink != nil {
		_ = l.sink.Write(ev)
	}
	subs := make([]*subscription, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		if s.filter == nil || s.filter(ev) {
			select {
			case s.ch <- ev:
			default:
				// Slow subscriber: drop rather than block the writer. The
				// replay API below lets a subscriber catch up from its last
				// seen sequence number.
			}
		}
	}

	return ev
}

// Subscribe registers a filtered channel of future events. Cancel the
// returned func to unsubscribe and close the channel.
func (l *Log) Subscribe(filter Filter) (<-chan Event, func()) {
	id := l.subSeq.Add(1)
	sub := &subscription{id: id, filter: filter, ch: make(chan Event, 256)}

	l.mu.Lock()
	l.subs[id] = sub
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
		close(sub.ch)
	}
	return sub.ch, cancel
}

// Replay returns every event with Sequence > since, in order.
func (l *Log) Replay(since uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0)
	for _, ev := range l.events {
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of appended events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// CurrentSequence returns the sequence number of the last appended
// event, or 0 if the log is empty.
func (l *Log) CurrentSequence() uint64 {
	return l.seq.Load()
}

// FileSink appends one JSON object per line to a file.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileSink opens (creating/appending) the file at path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log file %s: %w", path, err)
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) Write(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = s.f.Write(line)
	return err
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
