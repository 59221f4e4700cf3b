package ringbuf

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Header is the fixed in-memory layout placed at the start of a ring's
// backing storage: the head counter, then the tail counter, each
// cache-line padded, followed immediately (at HeaderSize()) by the
// slot array. When a ring lives in shared memory, the exact byte
// offsets of these three regions are published in a Metadata record
// (see package rendezvous) rather than hard-coded on the opening side,
// so that padding changes never desynchronize the two processes.
type Header struct {
	Head index
	Tail index
}

// HeaderSize returns the size in bytes of Header, i.e. the byte offset
// at which the slot array begins for a ring with no additional
// alignment padding required by its element type.
func HeaderSize() uint64 {
	return uint64(unsafe.Sizeof(Header{}))
}

// TailOffset returns the byte offset of the tail counter within
// Header. The head counter is always at offset 0.
func TailOffset() uint64 {
	return uint64(unsafe.Offsetof(Header{}.Tail))
}

// Ring is a fixed-capacity SPSC ring buffer over elements of type T.
// It is constructed either as a standalone heap allocation (New) or
// as a view over externally managed memory (NewInPlace / FromMetadata)
// so the same type serves both pure in-process use and the
// shared-memory handoff described in the top-level specification.
//
// A Ring has no single owner: it never frees the memory backing it.
// Callers that allocate that memory (New) hold it via the returned
// Ring for as long as they need it; callers that map shared memory
// are responsible for unmapping it themselves once both processes
// have signaled teardown.
type Ring[T any] struct {
	hdr   *Header
	buf   []T
	split atomic.Bool
}

// New allocates a new ring of capacity n wholly on the Go heap. N may
// be any value >= 1; a power of two is recommended (so that index mod
// N is cheap) but not required for correctness.
func New[T any](n uint64) *Ring[T] {
	if n == 0 {
		panic("ringbuf: capacity must be >= 1")
	}
	return &Ring[T]{
		hdr: &Header{},
		buf: make([]T, n),
	}
}

// NewInPlace constructs a ring of capacity n at the start of mem,
// placing the Header at mem[0:HeaderSize()] and the slot array
// immediately after (at the first offset compatible with T's
// alignment). mem must be at least HeaderSize()+n*sizeof(T) bytes
// (rounded up for alignment) and must remain valid and fixed in
// address for the life of the ring — exactly the guarantee a shared
// memory segment provides. The returned bufferOffset is the byte
// offset at which the slot array begins, for inclusion in a Metadata
// record.
func NewInPlace[T any](mem []byte, n uint64) (ring *Ring[T], bufferOffset uint64, err error) {
	if n == 0 {
		return nil, 0, fmt.Errorf("ringbuf: capacity must be >= 1")
	}
	hdrSize := HeaderSize()
	var zero T
	elemSize := uint64(unsafe.Sizeof(zero))
	elemAlign := uint64(unsafe.Alignof(zero))

	off := alignUp(hdrSize, elemAlign)
	need := off + n*elemSize
	if uint64(len(mem)) < need {
		return nil, 0, fmt.Errorf("ringbuf: backing memory too small: have %d bytes, need %d", len(mem), need)
	}

	hdr := (*Header)(unsafe.Pointer(&mem[0]))
	*hdr = Header{}

	buf := unsafe.Slice((*T)(unsafe.Pointer(&mem[off])), n)

	return &Ring[T]{hdr: hdr, buf: buf}, off, nil
}

// FromMetadata reconstructs a Ring view over mem using byte offsets
// that were published by the creating side, rather than recomputed
// locally. The slot array is placed at the published bufferOffset; the
// published tail offset must match this build's Header layout
// (tailOffset-headOffset equal to one padded counter), and a mismatch,
// such as different cache-line padding between builds, is reported as
// an error.
func FromMetadata[T any](mem []byte, headOffset, tailOffset, bufferOffset, n uint64) (*Ring[T], error) {
	if n == 0 {
		return nil, fmt.Errorf("ringbuf: capacity must be >= 1")
	}
	var zero T
	elemSize := uint64(unsafe.Sizeof(zero))
	need := bufferOffset + n*elemSize
	if uint64(len(mem)) < need {
		return nil, fmt.Errorf("ringbuf: backing memory too small: have %d bytes, need %d", len(mem), need)
	}
	if tailOffset-headOffset != uint64(unsafe.Sizeof(index{})) {
		return nil, fmt.Errorf("ringbuf: unexpected tail offset %d (head at %d)", tailOffset, headOffset)
	}

	hdr := (*Header)(unsafe.Pointer(&mem[headOffset]))
	buf := unsafe.Slice((*T)(unsafe.Pointer(&mem[bufferOffset])), n)

	return &Ring[T]{hdr: hdr, buf: buf}, nil
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

// Cap returns the ring's fixed capacity in elements.
func (r *Ring[T]) Cap() uint64 {
	return uint64(len(r.buf))
}

// RawBytes reinterprets the ring's slot array as a single contiguous
// byte slice, for registering it as one RDMA memory region. The
// slice aliases the same memory as every Sender/Receiver chunk.
func (r *Ring[T]) RawBytes() []byte {
	if len(r.buf) == 0 {
		return nil
	}
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	return unsafe.Slice((*byte)(unsafe.Pointer(&r.buf[0])), len(r.buf)*elemSize)
}

// Split returns the ring's Sender and Receiver endpoints. It must be
// called exactly once per ring; a second call panics. The two
// handles reference overlapping backing memory but disjoint index
// windows at any moment — the SPSC discipline is what makes this
// sound, and is an unchecked precondition on every operation below.
func (r *Ring[T]) Split() (*Sender[T], *Receiver[T]) {
	if !r.split.CompareAndSwap(false, true) {
		panic("ringbuf: Split called more than once on the same ring")
	}
	return &Sender[T]{r: r}, &Receiver[T]{r: r}
}

// Sender is the exclusive producer endpoint of a Ring, obtained via
// Split. It must be used by exactly one goroutine (or, for a
// shared-memory ring, exactly one process).
type Sender[T any] struct {
	r *Ring[T]
}

// TryReserve attempts to obtain a contiguous write window of exactly
// n uninitialised slots. It fails (returns ok=false) if there is not
// enough space that is also contiguous up to the buffer end from the
// current tail position — the caller should retry after the consumer
// advances head. n == 0 always succeeds and yields an empty chunk
// without advancing tail.
func (s *Sender[T]) TryReserve(n uint64) (chunk *WriteChunk[T], ok bool) {
	r := s.r
	cap_ := r.Cap()

	h := r.hdr.Head.loadAcquire()
	t := r.hdr.Tail.loadRelaxed()

	used := t - h
	free := cap_ - used
	toEnd := cap_ - (t % cap_)

	avail := free
	if toEnd < avail {
		avail = toEnd
	}
	if avail < n {
		return nil, false
	}

	return &WriteChunk[T]{r: r, start: t, end: t + n}, true
}

// Write copies up to len(src) elements into the ring, returning the
// number actually copied (k = min(len(src), free space)). It may
// wrap around the end of the slot array with two copies, has no
// commit handle, and publishes its writes immediately by
// release-storing tail+k before returning.
func (s *Sender[T]) Write(src []T) uint64 {
	r := s.r
	cap_ := r.Cap()

	h := r.hdr.Head.loadAcquire()
	t := r.hdr.Tail.loadRelaxed()

	free := cap_ - (t - h)
	k := uint64(len(src))
	if k > free {
		k = free
	}
	if k == 0 {
		return 0
	}

	start := t % cap_
	if start+k <= cap_ {
		copy(r.buf[start:start+k], src[:k])
	} else {
		firstLen := cap_ - start
		copy(r.buf[start:], src[:firstLen])
		copy(r.buf[:k-firstLen], src[firstLen:k])
	}

	r.hdr.Tail.storeRelease(t + k)
	return k
}

// Receiver is the exclusive consumer endpoint of a Ring, obtained via
// Split. It must be used by exactly one goroutine (or process).
type Receiver[T any] struct {
	r *Ring[T]
}

// ReadExact returns a contiguous readable window of exactly n
// elements, or ok=false if fewer than n readable and contiguous
// elements are currently available.
func (c *Receiver[T]) ReadExact(n uint64) (chunk *ReadChunk[T], ok bool) {
	r := c.r
	cap_ := r.Cap()

	h := r.hdr.Head.loadRelaxed()
	t := r.hdr.Tail.loadAcquire()

	avail := t - h
	toEnd := cap_ - (h % cap_)
	if toEnd < avail {
		avail = toEnd
	}
	if avail < n {
		return nil, false
	}

	return &ReadChunk[T]{r: r, start: h, end: h + n}, true
}

// Read returns a (possibly empty) contiguous window of all currently
// readable elements that do not cross the wraparound boundary.
func (c *Receiver[T]) Read() *ReadChunk[T] {
	r := c.r
	cap_ := r.Cap()

	h := r.hdr.Head.loadRelaxed()
	t := r.hdr.Tail.loadAcquire()

	avail := t - h
	toEnd := cap_ - (h % cap_)
	if toEnd < avail {
		avail = toEnd
	}

	return &ReadChunk[T]{r: r, start: h, end: h + avail}
}

// WriteChunk is an exclusive, contiguous window over n uninitialised
// slots returned by TryReserve. Commit publishes the write by
// release-storing tail = start+n; dropping the chunk without calling
// Commit abandons the reservation and leaves tail unchanged, so a
// subsequent reservation may succeed covering the same positions.
type WriteChunk[T any] struct {
	r         *Ring[T]
	start, end uint64
}

// Slice returns the chunk's backing elements for the caller to fill
// in. It is a single contiguous range by construction: TryReserve
// never straddles the end of the slot array within one reservation.
func (c *WriteChunk[T]) Slice() []T {
	cap_ := c.r.Cap()
	start := c.start % cap_
	return c.r.buf[start : start+(c.end-c.start)]
}

// Len returns the number of elements in the chunk.
func (c *WriteChunk[T]) Len() uint64 {
	return c.end - c.start
}

// Commit publishes the chunk's contents by advancing tail.
func (c *WriteChunk[T]) Commit() {
	c.r.hdr.Tail.storeRelease(c.end)
}

// ReadChunk is a contiguous window over k initialised elements
// returned by ReadExact or Read. Commit publishes the read by
// release-storing head = start+k, making the slots available for the
// producer to reuse.
type ReadChunk[T any] struct {
	r          *Ring[T]
	start, end uint64
}

// Slice returns the chunk's readable elements.
func (c *ReadChunk[T]) Slice() []T {
	cap_ := c.r.Cap()
	start := c.start % cap_
	return c.r.buf[start : start+(c.end-c.start)]
}

// Len returns the number of elements in the chunk.
func (c *ReadChunk[T]) Len() uint64 {
	return c.end - c.start
}

// Commit advances head, releasing the chunk's slots back to the
// producer.
func (c *ReadChunk[T]) Commit() {
	c.r.hdr.Head.storeRelease(c.end)
}
