package relay

import "sync"

// DefaultBufferSize is the per-camera frame capacity used when none is configured.
const DefaultBufferSize = 8

// MaxBufferSize caps the configurable per-camera capacity.
const MaxBufferSize = 1024

// FrameBuffer is a bounded FIFO ring of frames shared by exactly one producer
// (the capture session) and one consumer (the relay worker).
// When full, Push evicts the oldest frame so the producer never blocks.
type FrameBuffer struct {
	mu      sync.Mutex
	frames  []Frame
	head    int // index of the oldest frame
	size    int
	dropped uint64

	ready chan struct{}
}

// NewFrameBuffer returns an empty buffer holding at most capacity frames.
// capacity is clamped to 1..MaxBufferSize.
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity < 1 {
		capacity = 1
	}
	if capacity > MaxBufferSize {
		capacity = MaxBufferSize
	}
	return &FrameBuffer{
		frames: make([]Frame, capacity),
		ready:  make(chan struct{}, 1),
	}
}

// Push appends f. If the buffer is full the oldest frame is evicted and
// evicted is true.
func (b *FrameBuffer) Push(f Frame) (evicted bool) {
	b.mu.Lock()
	capacity := len(b.frames)
	if b.size == capacity {
		b.frames[b.head] = Frame{}
		b.head = (b.head + 1) % capacity
		b.size--
		b.dropped++
		evicted = true
	}
	b.frames[(b.head+b.size)%capacity] = f
	b.size++
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return evicted
}

// Pop removes and returns the oldest frame. ok is false when the buffer is empty;
// Pop never waits.
func (b *FrameBuffer) Pop() (f Frame, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 {
		return Frame{}, false
	}
	f = b.frames[b.head]
	b.frames[b.head] = Frame{}
	b.head = (b.head + 1) % len(b.frames)
	b.size--
	return f, true
}

// Ready is signalled after every Push. It holds at most one pending signal, so
// consumers must drain with Pop until empty before waiting on it again.
func (b *FrameBuffer) Ready() <-chan struct{} {
	return b.ready
}

// Len returns the number of buffered frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Cap returns the buffer capacity.
func (b *FrameBuffer) Cap() int {
	return len(b.frames)
}

// Dropped returns how many frames have been evicted since creation.
func (b *FrameBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
