// Package chunkbuf provides capacity-bounded byte buffers reachable by opaque
// handle across an ownership boundary.
//
// Buffers are created and destroyed explicitly and addressed only by
// InternKey, never by raw memory address, so the registry keeps Go's
// ownership model intact while preserving the fixed-size integer
// representation at the boundary.
//
// Concurrency discipline is single-producer/single-consumer per handle: the
// execution engine is the sole writer and the event-delivery layer is the
// sole reader. Read is a non-blocking poll; Write truncates with a partial
// count when the buffer is full. Waiting and backpressure belong to the
// event-delivery layer, not to the buffer.
package chunkbuf

import "sync"

// Manager owns the InternKey → buffer registry.
//
// The registry lock guards only create/destroy/lookup; byte movement on a
// live buffer synchronizes through the buffer's own atomic cursors, so
// operations on distinct handles never contend.
type Manager struct {
	mu      sync.RWMutex
	buffers map[InternKey]*ring
	nextKey InternKey
}

// NewManager creates an empty buffer registry.
func NewManager() *Manager {
	return &Manager{
		buffers: make(map[InternKey]*ring),
	}
}

// Create allocates a buffer of exactly capacity bytes and interns it.
// A zero capacity fails.
func (m *Manager) Create(capacity uint64) CreateResult {
	if capacity == 0 {
		return CreateResult{Tag: CreateFailed}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.nextKey
	m.nextKey++
	m.buffers[key] = newRing(capacity)

	return CreateResult{Tag: Created, Handle: key}
}

// Destroy releases the buffer behind handle. Liveness is tracked explicitly:
// a second destroy on the same handle returns DestroyFailed rather than being
// undefined. Operations in flight on another goroutine fail immediately.
func (m *Manager) Destroy(handle InternKey) DestroyResult {
	m.mu.Lock()
	r, ok := m.buffers[handle]
	if ok {
		delete(m.buffers, handle)
	}
	m.mu.Unlock()

	if !ok {
		return DestroyResult{Tag: DestroyFailed}
	}
	r.destroy()
	return DestroyResult{Tag: Destroyed}
}

// Read copies up to chunk.Len currently-available bytes into chunk.Data and
// returns the descriptor with Len set to the count copied, possibly zero.
// An empty-but-live buffer yields an empty chunk, not a failure.
//
// ReadFailed is returned only for an invalid/destroyed handle, a descriptor
// whose Len exceeds the buffer's capacity, or a malformed descriptor.
func (m *Manager) Read(handle InternKey, chunk ChunkDescriptor) ReadResult {
	r := m.lookup(handle)
	if r == nil || !chunk.valid() || chunk.Len > r.capacity {
		return ReadResult{Tag: ReadFailed}
	}

	n, ok := r.read(chunk.Data[:chunk.Len])
	if !ok {
		return ReadResult{Tag: ReadFailed}
	}
	chunk.Len = n
	return ReadResult{Tag: Read, Chunk: chunk}
}

// Write appends up to chunk.Len bytes from chunk.Data, returning the count
// actually written. The count may be less than chunk.Len when the buffer is
// full: the write truncates, it never blocks.
//
// WriteFailed is returned only for an invalid/destroyed handle or a
// malformed descriptor.
func (m *Manager) Write(handle InternKey, chunk ChunkDescriptor) WriteResult {
	r := m.lookup(handle)
	if r == nil || !chunk.valid() {
		return WriteResult{Tag: WriteFailed}
	}

	n, ok := r.write(chunk.Data[:chunk.Len])
	if !ok {
		return WriteResult{Tag: WriteFailed}
	}
	return WriteResult{Tag: Written, BytesWritten: n}
}

// Buffered returns the number of readable bytes behind handle, and whether
// the handle is live. Intended for the event-delivery layer's polling.
func (m *Manager) Buffered(handle InternKey) (uint64, bool) {
	r := m.lookup(handle)
	if r == nil {
		return 0, false
	}
	return r.buffered(), true
}

// Capacity returns the fixed capacity of the buffer behind handle.
func (m *Manager) Capacity(handle InternKey) (uint64, bool) {
	r := m.lookup(handle)
	if r == nil {
		return 0, false
	}
	return r.capacity, true
}

// Len returns the number of live buffers in the registry.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buffers)
}

// Close destroys every remaining buffer. The manager must not be used after.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, r := range m.buffers {
		r.destroy()
		delete(m.buffers, key)
	}
}

func (m *Manager) lookup(handle InternKey) *ring {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.buffers[handle]
}
