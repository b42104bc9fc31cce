// Package pipe wraps OS pipe file descriptors as buffered, watermark-driven
// byte sources and sinks. Descriptor I/O runs on a per-endpoint pump
// goroutine multiplexed by the runtime poller; callers only ever suspend on
// channels, never on the descriptor itself.
package pipe

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
)

// Default watermarks controlling writer backpressure and read-ahead.
const (
	DefaultHighWatermark = 64 * 1024
	DefaultLowWatermark  = 16 * 1024
)

const readChunk = 32 * 1024

// ErrClosed is returned for operations on an endpoint after Close.
var ErrClosed = errors.New("pipe: endpoint closed")

// ErrDirection is returned when an operation does not match the endpoint
// direction, like writing to a Source.
var ErrDirection = errors.New("pipe: operation does not match endpoint direction")

// Direction distinguishes byte sources from byte sinks.
type Direction int

const (
	// Source endpoints deliver bytes read from the descriptor.
	Source Direction = iota
	// Sink endpoints flush enqueued bytes to the descriptor.
	Sink
)

const (
	stateOpen = iota
	stateClosing
	stateClosed
)

// Endpoint owns exactly one pipe descriptor. Sinks buffer writes and expose
// Drain for backpressure; sources buffer read-ahead and expose Read/ReadAll.
// Endpoints have a single-reader, single-writer contract: concurrent Read
// calls (or concurrent Write calls) race for bytes and are not supported.
type Endpoint struct {
	f   *os.File
	dir Direction

	high int
	low  int

	mu     sync.Mutex
	buf    []byte
	paused bool // sink only: buffered size crossed the high watermark
	eof    bool // source only: descriptor reached end of stream
	err    error
	state  int

	// wake is a generation channel closed whenever buffered state changes;
	// waiters grab the current generation under mu.
	wake chan struct{}

	// kick is the pump doorbell: sinks wait on it for bytes to flush,
	// sources wait on it to resume read-ahead below the high watermark.
	kick chan struct{}

	pumpDone chan struct{}
}

// NewSink wraps the write end of a pipe. Watermarks outside a sane range
// fall back to defaults.
func NewSink(f *os.File, high, low int) *Endpoint {
	e := newEndpoint(f, Sink, high, low)
	go e.writePump()
	return e
}

// NewSource wraps the read end of a pipe.
func NewSource(f *os.File, high, low int) *Endpoint {
	e := newEndpoint(f, Source, high, low)
	go e.readPump()
	return e
}

func newEndpoint(f *os.File, dir Direction, high, low int) *Endpoint {
	if high <= 0 {
		high = DefaultHighWatermark
	}
	if low <= 0 || low >= high {
		low = high / 4
	}
	return &Endpoint{
		f:        f,
		dir:      dir,
		high:     high,
		low:      low,
		wake:     make(chan struct{}),
		kick:     make(chan struct{}, 1),
		pumpDone: make(chan struct{}),
	}
}

// Direction reports whether the endpoint is a Source or a Sink.
func (e *Endpoint) Direction() Direction { return e.dir }

// Buffered reports the number of bytes currently buffered.
func (e *Endpoint) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

// Write enqueues p for delivery to the descriptor. It never blocks; callers
// that need backpressure follow up with Drain. Write fails once the peer has
// closed its end or the endpoint is closed.
func (e *Endpoint) Write(p []byte) (int, error) {
	if e.dir != Sink {
		return 0, ErrDirection
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return 0, e.err
	}
	if e.state != stateOpen {
		return 0, ErrClosed
	}
	e.buf = append(e.buf, p...)
	if len(e.buf) > e.high {
		e.paused = true
	}
	e.kickLocked()
	return len(p), nil
}

// Drain suspends the caller while the buffered size is above the high
// watermark, resuming once the pump has flushed it back below the low one.
// A write error observed by the pump (typically a broken pipe) surfaces
// here as well as from subsequent Writes.
func (e *Endpoint) Drain(ctx context.Context) error {
	e.mu.Lock()
	for {
		if e.err != nil {
			err := e.err
			e.mu.Unlock()
			return err
		}
		if !e.paused {
			e.mu.Unlock()
			return nil
		}
		ch := e.wake
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		e.mu.Lock()
	}
}

// Read suspends until at least one byte is buffered or the stream ends, then
// returns everything accumulated so far. End of stream is reported as io.EOF
// with no data.
func (e *Endpoint) Read(ctx context.Context) ([]byte, error) {
	if e.dir != Source {
		return nil, ErrDirection
	}
	e.mu.Lock()
	for {
		if len(e.buf) > 0 {
			out := e.buf
			e.buf = nil
			// Resume the pump if read-ahead paused at the high watermark.
			e.kickLocked()
			e.mu.Unlock()
			return out, nil
		}
		if e.eof {
			e.mu.Unlock()
			return nil, io.EOF
		}
		if e.err != nil {
			err := e.err
			e.mu.Unlock()
			return nil, err
		}
		if e.state != stateOpen {
			e.mu.Unlock()
			return nil, ErrClosed
		}
		ch := e.wake
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
		e.mu.Lock()
	}
}

// ReadAll accumulates bytes until end of stream.
func (e *Endpoint) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		chunk, err := e.Read(ctx)
		out = append(out, chunk...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
	}
}

// Close releases the descriptor. Sinks flush buffered bytes first; sources
// stop reading immediately while already-buffered bytes remain readable.
// Close is idempotent.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateOpen {
		return nil
	}
	if e.dir == Sink {
		e.state = stateClosing
		e.kickLocked()
	} else {
		// Closing the descriptor unblocks a pump stuck in Read.
		e.closeFileLocked()
		e.eof = true
		e.kickLocked()
	}
	e.wakeLocked()
	return nil
}

func (e *Endpoint) kickLocked() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Endpoint) wakeLocked() {
	close(e.wake)
	e.wake = make(chan struct{})
}

func (e *Endpoint) closeFileLocked() {
	if e.state != stateClosed {
		e.f.Close()
		e.state = stateClosed
	}
}

// writePump moves buffered bytes to the descriptor, clearing backpressure as
// the buffer falls below the low watermark and closing the descriptor once a
// close has been requested and the buffer is empty.
func (e *Endpoint) writePump() {
	defer close(e.pumpDone)
	for {
		e.mu.Lock()
		for len(e.buf) == 0 && e.state == stateOpen {
			e.mu.Unlock()
			<-e.kick
			e.mu.Lock()
		}
		if len(e.buf) == 0 {
			// Close requested with nothing left to flush.
			e.closeFileLocked()
			e.wakeLocked()
			e.mu.Unlock()
			return
		}
		chunk := e.buf
		e.buf = nil
		e.mu.Unlock()

		_, err := e.f.Write(chunk)

		e.mu.Lock()
		if err != nil {
			e.err = err
			e.buf = nil
			e.paused = false
			e.closeFileLocked()
			e.wakeLocked()
			e.mu.Unlock()
			return
		}
		if e.paused && len(e.buf) <= e.low {
			e.paused = false
		}
		e.wakeLocked()
		if e.state != stateOpen && len(e.buf) == 0 {
			e.closeFileLocked()
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
}

// readPump fills the buffer from the descriptor, pausing read-ahead at the
// high watermark until a reader consumes the backlog.
func (e *Endpoint) readPump() {
	defer close(e.pumpDone)
	tmp := make([]byte, readChunk)
	for {
		e.mu.Lock()
		for len(e.buf) >= e.high && e.state == stateOpen {
			e.mu.Unlock()
			<-e.kick
			e.mu.Lock()
		}
		if e.state != stateOpen {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()

		n, err := e.f.Read(tmp)

		e.mu.Lock()
		if n > 0 {
			e.buf = append(e.buf, tmp[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				e.eof = true
			} else {
				e.err = err
			}
			e.wakeLocked()
			e.mu.Unlock()
			return
		}
		e.wakeLocked()
		e.mu.Unlock()
	}
}
