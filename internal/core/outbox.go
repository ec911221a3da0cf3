package core

import (
	"sync"

	"github.com/dkeye/Collab/internal/domain"
)

// Outbox is a bounded FIFO of frames waiting for the write pump.
// When full, Push evicts the oldest frame instead of blocking or growing.
type Outbox struct {
	mu      sync.Mutex
	buf     []Frame
	head    int
	n       int
	closed  bool
	dropped uint64
	ready   chan struct{}
}

func NewOutbox(capacity int) *Outbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Outbox{
		buf:   make([]Frame, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push never blocks. It returns ErrBackpressure when a frame had to be
// evicted and domain.ErrTransportClosed after Close.
func (o *Outbox) Push(f Frame) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return domain.ErrTransportClosed
	}
	var err error
	if o.n == len(o.buf) {
		o.buf[o.head] = nil
		o.head = (o.head + 1) % len(o.buf)
		o.n--
		o.dropped++
		err = ErrBackpressure
	}
	o.buf[(o.head+o.n)%len(o.buf)] = f
	o.n++
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return err
}

// Ready fires at least once after any Push that found the queue idle.
func (o *Outbox) Ready() <-chan struct{} { return o.ready }

// Drain removes and returns everything queued, oldest first.
func (o *Outbox) Drain() []Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.n == 0 {
		return nil
	}
	out := make([]Frame, 0, o.n)
	for o.n > 0 {
		out = append(out, o.buf[o.head])
		o.buf[o.head] = nil
		o.head = (o.head + 1) % len(o.buf)
		o.n--
	}
	return out
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n
}

func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Close discards pending frames; later pushes fail.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for i := range o.buf {
		o.buf[i] = nil
	}
	o.n = 0
}
