package ringbuf

import (
	"io"
	"sync"
	"sync/atomic"
)

// Broadcaster fans every write out to a set of consumers and an optional
// local sink. A write that arrives while a broadcast is already running (for
// example a log line emitted by a failing consumer) goes to the local sink only.
// Writes are expected from one pumping goroutine at a time.
type Broadcaster struct {
	local      io.Writer
	onError    func(error)
	inProgress atomic.Bool

	mu        sync.Mutex
	nextID    int
	consumers map[int]io.Writer
	order     []int
}

// NewBroadcaster creates a broadcaster. local may be nil.
func NewBroadcaster(local io.Writer) *Broadcaster {
	return &Broadcaster{
		local:     local,
		consumers: make(map[int]io.Writer),
	}
}

// OnError sets a callback for consumer write failures.
func (b *Broadcaster) OnError(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// Add registers a consumer and returns a function removing it.
func (b *Broadcaster) Add(w io.Writer) (remove func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.consumers[id] = w
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Broadcaster) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.consumers, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Len reports the number of registered consumers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.consumers)
}

// Write sends p to every consumer and then to the local sink. Consumer
// failures are reported through OnError and never fail the write.
func (b *Broadcaster) Write(p []byte) (int, error) {
	if !b.inProgress.CompareAndSwap(false, true) {
		return b.writeLocal(p)
	}
	defer b.inProgress.Store(false)

	b.mu.Lock()
	targets := make([]io.Writer, 0, len(b.order))
	for _, id := range b.order {
		targets = append(targets, b.consumers[id])
	}
	onError := b.onError
	b.mu.Unlock()

	for _, w := range targets {
		if _, err := w.Write(p); err != nil && onError != nil {
			onError(err)
		}
	}
	return b.writeLocal(p)
}

func (b *Broadcaster) writeLocal(p []byte) (int, error) {
	if b.local == nil {
		return len(p), nil
	}
	return b.local.Write(p)
}
