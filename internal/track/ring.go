package track

// ring is a fixed-capacity FIFO ring buffer. Oldest entries are overwritten
// once the capacity is reached. Not safe for concurrent use; the Tracker's
// mutex guards all access.
type ring[T any] struct {
	buf  []T
	head int // index of the oldest element
	n    int // number of live elements
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

// push appends v, overwriting the oldest element when full. It returns the
// evicted element and whether an eviction happened.
func (r *ring[T]) push(v T) (evicted T, didEvict bool) {
	if r.n < len(r.buf) {
		r.buf[(r.head+r.n)%len(r.buf)] = v
		r.n++
		return evicted, false
	}
	evicted = r.buf[r.head]
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	return evicted, true
}

// items returns the live elements oldest-first.
func (r *ring[T]) items() []T {
	out := make([]T, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

func (r *ring[T]) len() int { return r.n }
