// Package ringbuf provides the bounded byte stream used for interactive input
// and the fan-out writer used for redirected output.
package ringbuf

import (
	"context"
	"io"
	"sync"
)

// DefaultCapacity is the capacity used for session stdin buffers.
const DefaultCapacity = 64 * 1024

// Buffer is a fixed-capacity circular byte stream. Writes never block: when
// the buffer is full the oldest unread bytes are discarded. Reads block until
// data arrives, the buffer is closed, or the read is cancelled; the latter two
// end the stream with io.EOF.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	start  int
	size   int
	closed bool
	// wake is closed and replaced on every state change so all waiting readers re-check.
	wake    chan struct{}
	dropped int64
}

// New creates a buffer holding at most capacity unread bytes.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		data: make([]byte, capacity),
		wake: make(chan struct{}),
	}
}

// Write appends p, dropping the oldest unread bytes when full.
// It returns io.ErrClosedPipe after Close.
func (b *Buffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}

	capacity := len(b.data)
	if len(p) >= capacity {
		b.dropped += int64(b.size + len(p) - capacity)
		copy(b.data, p[len(p)-capacity:])
		b.start = 0
		b.size = capacity
		b.signal()
		return n, nil
	}

	if over := b.size + len(p) - capacity; over > 0 {
		b.start = (b.start + over) % capacity
		b.size -= over
		b.dropped += int64(over)
	}
	end := (b.start + b.size) % capacity
	copied := copy(b.data[end:], p)
	copy(b.data, p[copied:])
	b.size += len(p)
	b.signal()
	return n, nil
}

// WriteString is Write for strings.
func (b *Buffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// Read blocks until data is available. It never returns an error other than io.EOF.
func (b *Buffer) Read(p []byte) (int, error) {
	return b.ReadContext(context.Background(), p)
}

// ReadContext is Read with cancellation. A cancelled context ends the stream
// with io.EOF instead of an error.
func (b *Buffer) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		b.mu.Lock()
		if b.size > 0 {
			n := b.take(p)
			b.mu.Unlock()
			return n, nil
		}
		if b.closed {
			b.mu.Unlock()
			return 0, io.EOF
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return 0, io.EOF
		}
	}
}

// take copies up to len(p) bytes out of the buffer. Caller holds mu.
func (b *Buffer) take(p []byte) int {
	capacity := len(b.data)
	n := 0
	for n < len(p) && b.size > 0 {
		chunk := b.size
		if b.start+chunk > capacity {
			chunk = capacity - b.start
		}
		c := copy(p[n:], b.data[b.start:b.start+chunk])
		n += c
		b.start = (b.start + c) % capacity
		b.size -= c
	}
	if b.size == 0 {
		b.start = 0
	}
	return n
}

// signal wakes every blocked reader. Caller holds mu.
func (b *Buffer) signal() {
	close(b.wake)
	b.wake = make(chan struct{})
}

// Close ends the stream. Pending data can still be read; blocked readers then get io.EOF.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.signal()
	return nil
}

// Len reports the number of unread bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap reports the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Dropped reports how many bytes were discarded to make room for newer writes.
func (b *Buffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
