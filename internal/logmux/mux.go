// Package logmux fans in output events from a supervised child's streams and
// delivers them via a bounded channel. When downstream consumers cannot keep
// up and the output buffer would overflow, the mux drops events and emits a
// synthesized warning to surface the number of discarded entries.
package logmux

import (
	"fmt"
	"sync"
	"time"
)

// Stream names carried by events.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamSystem = "system"
)

// Event is one line of child output, or a synthesized notice about the
// stream itself.
type Event struct {
	Timestamp time.Time
	Pid       int
	Stream    string
	Level     string
	Message   string
}

// Mux fans in events from multiple sources behind one bounded channel.
type Mux struct {
	out chan Event

	mu     sync.Mutex
	drops  map[string]dropRecord
	inputs sync.WaitGroup
}

type dropRecord struct {
	count int
	pid   int
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan Event, size),
		drops: make(map[string]dropRecord),
	}
}

// Output exposes the muxed event channel.
func (m *Mux) Output() <-chan Event {
	return m.out
}

// Add registers a new source channel. The mux consumes events until the
// source channel is closed.
func (m *Mux) Add(source <-chan Event) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for evt := range source {
			m.deliver(normalize(evt))
		}
	}()
}

// Close waits for all sources to be drained, emits any pending drop
// metadata, and closes the output channel.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.flushDrops()
	close(m.out)
}

func (m *Mux) deliver(evt Event) {
	if !m.flushPending(evt.Stream) {
		m.recordDrop(evt.Stream, evt.Pid)
		return
	}
	if m.trySend(evt) {
		return
	}
	m.recordDrop(evt.Stream, evt.Pid)
}

func (m *Mux) flushPending(stream string) bool {
	for {
		rec := m.takeDrops(stream)
		if rec.count == 0 {
			return true
		}
		meta := synthesizeDropEvent(stream, rec)
		if m.trySend(meta) {
			continue
		}
		m.recordDropWithCount(stream, rec.count, rec.pid)
		return false
	}
}

func (m *Mux) takeDrops(stream string) dropRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[stream]
	if rec.count != 0 {
		delete(m.drops, stream)
	}
	return rec
}

func (m *Mux) recordDrop(stream string, pid int) {
	m.recordDropWithCount(stream, 1, pid)
}

func (m *Mux) recordDropWithCount(stream string, count, pid int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[stream]
	rec.count += count
	if pid != 0 || rec.pid == 0 {
		rec.pid = pid
	}
	m.drops[stream] = rec
}

func (m *Mux) flushDrops() {
	pending := m.collectDrops()
	for stream, rec := range pending {
		meta := synthesizeDropEvent(stream, rec)
		m.blockingSend(meta)
	}
}

func (m *Mux) collectDrops() map[string]dropRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.drops) == 0 {
		return nil
	}
	dup := make(map[string]dropRecord, len(m.drops))
	for stream, rec := range m.drops {
		if rec.count == 0 {
			continue
		}
		dup[stream] = rec
	}
	m.drops = make(map[string]dropRecord)
	return dup
}

func (m *Mux) trySend(evt Event) bool {
	select {
	case m.out <- evt:
		return true
	default:
		return false
	}
}

func (m *Mux) blockingSend(evt Event) {
	m.out <- evt
}

func normalize(evt Event) Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Stream == "" {
		evt.Stream = StreamStdout
	}
	if evt.Level == "" {
		if evt.Stream == StreamStderr {
			evt.Level = "warn"
		} else {
			evt.Level = "info"
		}
	}
	return evt
}

func synthesizeDropEvent(stream string, rec dropRecord) Event {
	return Event{
		Timestamp: time.Now(),
		Pid:       rec.pid,
		Stream:    StreamSystem,
		Level:     "warn",
		Message:   fmt.Sprintf("stream=%s dropped=%d", stream, rec.count),
	}
}
