package events

// RingBuffer is a fixed-capacity FIFO. Pushing onto a full buffer evicts
// the oldest element. It is not safe for concurrent use.
type RingBuffer[T any] struct {
	buf   []T
	head  int
	count int
}

// NewRingBuffer returns a buffer holding at most capacity elements.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when full. It reports
// whether an element was evicted.
func (r *RingBuffer[T]) Push(v T) bool {
	if r.count == len(r.buf) {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = v
	r.count++
	return false
}

// Drain removes and returns all elements, oldest first.
func (r *RingBuffer[T]) Drain() []T {
	out := make([]T, 0, r.count)
	var zero T
	for r.count > 0 {
		out = append(out, r.buf[r.head])
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.count--
	}
	r.head = 0
	return out
}

func (r *RingBuffer[T]) Len() int { return r.count }
func (r *RingBuffer[T]) Cap() int { return len(r.buf) }
