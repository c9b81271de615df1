package chunkbuf

// InternKey is the opaque 64-bit identity of a live buffer in the registry.
// Equality is the only defined operation on it. Keys are never reused.
type InternKey uint64

// ChunkDescriptor is a borrowed view into caller-owned memory used to move
// bytes across the buffer boundary. It mirrors the fixed C-ABI layout
// {ptr, len, capacity} and never outlives the call it is passed to.
//
// Data is the caller-supplied backing storage. Len is the number of bytes the
// caller wants transferred; Capacity is the total size of the backing storage.
// Len must never exceed Capacity.
type ChunkDescriptor struct {
	Data     []byte
	Len      uint64
	Capacity uint64
}

// NewChunk returns a descriptor over p with Len = Capacity = len(p).
func NewChunk(p []byte) ChunkDescriptor {
	return ChunkDescriptor{
		Data:     p,
		Len:      uint64(len(p)),
		Capacity: uint64(len(p)),
	}
}

// valid reports whether the descriptor is internally consistent.
func (c ChunkDescriptor) valid() bool {
	return c.Len <= c.Capacity && c.Capacity <= uint64(len(c.Data))
}

// Result discriminants. The Failed arm deliberately carries no payload and no
// diagnostic information: callers cannot distinguish failure causes from the
// tag alone. This lossy boundary is part of the original contract and is
// preserved here rather than silently extended.

// CreateTag discriminates CreateResult.
type CreateTag int32

const (
	// Created means the buffer was allocated and interned.
	Created CreateTag = 0
	// CreateFailed means the capacity was zero or allocation failed.
	CreateFailed CreateTag = 1
)

// CreateResult is the tagged result of Manager.Create.
type CreateResult struct {
	Tag    CreateTag
	Handle InternKey // valid iff Tag == Created
}

// DestroyTag discriminates DestroyResult.
type DestroyTag int32

const (
	// Destroyed means the buffer was released.
	Destroyed DestroyTag = 0
	// DestroyFailed means the handle was invalid or already destroyed.
	DestroyFailed DestroyTag = 1
)

// DestroyResult is the tagged result of Manager.Destroy.
type DestroyResult struct {
	Tag DestroyTag
}

// ReadTag discriminates ReadResult.
type ReadTag int32

const (
	// Read means bytes (possibly zero) were copied into the descriptor.
	Read ReadTag = 0
	// ReadFailed means the handle was invalid/destroyed or the descriptor
	// requested more than the buffer's capacity.
	ReadFailed ReadTag = 1
)

// ReadResult is the tagged result of Manager.Read.
type ReadResult struct {
	Tag   ReadTag
	Chunk ChunkDescriptor // valid iff Tag == Read; Len is the bytes copied
}

// WriteTag discriminates WriteResult.
type WriteTag int32

const (
	// Written means bytes (possibly fewer than requested) were appended.
	Written WriteTag = 0
	// WriteFailed means the handle was invalid or destroyed.
	WriteFailed WriteTag = 1
)

// WriteResult is the tagged result of Manager.Write.
type WriteResult struct {
	Tag          WriteTag
	BytesWritten uint64 // valid iff Tag == Written
}
