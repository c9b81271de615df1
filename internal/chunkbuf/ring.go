package chunkbuf

import "sync/atomic"

// ring is a single-producer/single-consumer byte ring buffer.
//
// readPos and writePos are monotonically increasing byte counts; the ring
// position is the count modulo capacity. With exactly one writer and one
// reader, each side only advances its own cursor, so reads and writes proceed
// concurrently without locks: the writer never blocks on a slow reader beyond
// capacity (it truncates instead), and the reader never blocks at all.
type ring struct {
	data     []byte
	capacity uint64

	readPos   atomic.Uint64
	writePos  atomic.Uint64
	destroyed atomic.Bool
}

func newRing(capacity uint64) *ring {
	return &ring{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// write appends up to len(p) bytes, returning the count actually written.
// When the ring is full the write truncates rather than blocking.
func (r *ring) write(p []byte) (uint64, bool) {
	if r.destroyed.Load() {
		return 0, false
	}

	w := r.writePos.Load()
	used := w - r.readPos.Load()
	free := r.capacity - used

	n := uint64(len(p))
	if n > free {
		n = free
	}
	if n == 0 {
		return 0, true
	}

	// Copy in at most two segments around the wrap point.
	start := w % r.capacity
	first := r.capacity - start
	if first > n {
		first = n
	}
	copy(r.data[start:start+first], p[:first])
	copy(r.data[0:n-first], p[first:n])

	r.writePos.Store(w + n)
	return n, true
}

// read copies up to len(p) currently-available bytes into p, returning the
// count copied. Zero is returned when the ring is empty; read never blocks.
func (r *ring) read(p []byte) (uint64, bool) {
	if r.destroyed.Load() {
		return 0, false
	}

	rd := r.readPos.Load()
	available := r.writePos.Load() - rd

	n := uint64(len(p))
	if n > available {
		n = available
	}
	if n == 0 {
		return 0, true
	}

	start := rd % r.capacity
	first := r.capacity - start
	if first > n {
		first = n
	}
	copy(p[:first], r.data[start:start+first])
	copy(p[first:n], r.data[0:n-first])

	r.readPos.Store(rd + n)
	return n, true
}

// buffered returns the number of bytes currently readable.
func (r *ring) buffered() uint64 {
	return r.writePos.Load() - r.readPos.Load()
}

// destroy marks the ring dead. In-flight and subsequent operations fail.
func (r *ring) destroy() {
	r.destroyed.Store(true)
}
