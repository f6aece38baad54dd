package process

import (
	"io"
	"sync"
)

// StreamBuffer accumulates one stdio stream of a child process. Writers
// (the pipe pumps) never block; readers block until data arrives or the
// stream closes. Nothing is ever discarded: a slow reader falls behind
// in its own cursor, it does not lose bytes.
type StreamBuffer struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
	// notify is closed and replaced on every write so blocked readers
	// wake without the buffer tracking them.
	notify chan struct{}
}

// NewStreamBuffer creates an empty open buffer.
func NewStreamBuffer() *StreamBuffer {
	return &StreamBuffer{notify: make(chan struct{})}
}

// Write appends p to the buffer. Implements io.Writer; never fails
// while the buffer is open.
func (b *StreamBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.buf = append(b.buf, p...)
	close(b.notify)
	b.notify = make(chan struct{})
	return len(p), nil
}

// Close marks the stream finished. Blocked readers drain what remains
// and then see io.EOF.
func (b *StreamBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

// Bytes returns a copy of everything written so far.
func (b *StreamBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Len reports the number of bytes accumulated.
func (b *StreamBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Reader returns an independent cursor over the stream from its start.
// Multiple readers see the same byte sequence.
func (b *StreamBuffer) Reader() io.Reader {
	return &bufferReader{buf: b}
}

type bufferReader struct {
	buf    *StreamBuffer
	offset int
}

// Read blocks until data past the cursor exists or the stream closes.
func (r *bufferReader) Read(p []byte) (int, error) {
	for {
		r.buf.mu.Lock()
		if r.offset < len(r.buf.buf) {
			n := copy(p, r.buf.buf[r.offset:])
			r.offset += n
			r.buf.mu.Unlock()
			return n, nil
		}
		if r.buf.closed {
			r.buf.mu.Unlock()
			return 0, io.EOF
		}
		notify := r.buf.notify
		r.buf.mu.Unlock()
		<-notify
	}
}
