// Package ringbuf implements a lock-free SPSC ring buffer: exactly one
// producer and one consumer, which may live in different processes,
// exchanging fixed-size events over a shared memory region.
//
// The header is laid out as plain 32-bit words so that a non-Go producer or
// consumer attached to the same mapping can manipulate write_pos/read_pos
// with its own compiler's acquire/release atomics without caring about the
// Go runtime's atomic type ABI. sync/atomic.Uint32's in-memory layout is a
// bare uint32 (the noCopy marker is zero-sized), so this holds in practice;
// see Header for the field-by-field justification.
package ringbuf

import (
	"sync/atomic"
	"unsafe"

	"github.com/adatrace/tracer-core/tracererr"
)

// Magic identifies an initialized ring buffer header.
const Magic uint32 = 0xADA0

// FormatVersion is the wire layout version of Header.
const FormatVersion uint32 = 1

// CacheLineSize is the alignment boundary used to keep write_pos and
// read_pos from false-sharing with neighboring structures.
const CacheLineSize = 64

const reservedWords = 10

// Header is the fixed 64-byte block at the start of every ring's memory
// region. All fields are plain 32-bit words; write_pos and read_pos are
// free-running counters manipulated with explicit acquire/release ops.
type Header struct {
	Magic         uint32
	Version       uint32
	Capacity      uint32
	WritePos      atomic.Uint32
	ReadPos       atomic.Uint32
	OverflowCount atomic.Uint32
	reserved      [reservedWords]uint32
}

const HeaderSize = unsafe.Sizeof(Header{})

func init() {
	if HeaderSize != CacheLineSize {
		panic("ringbuf: Header size drifted from one cache line")
	}
}

// Result is the outcome of a producer or consumer operation.
type Result int

const (
	OK Result = iota
	Full
	Empty
)

// Ring is a handle onto one ring buffer's header and payload region.
type Ring struct {
	header    *Header
	data      []byte
	eventSize uint32
	capacity  uint32
	mask      uint32
}

// headerOffset returns how many leading bytes of region must be skipped so
// the header starts on a cache-line boundary.
func headerOffset(region []byte) int {
	if len(region) == 0 {
		return 0
	}
	base := uintptr(unsafe.Pointer(&region[0]))
	aligned := (base + CacheLineSize - 1) &^ (CacheLineSize - 1)
	return int(aligned - base)
}

// prevPowerOfTwo returns the largest power of two <= n, or 0 if n == 0.
func prevPowerOfTwo(n int) uint32 {
	if n <= 0 {
		return 0
	}
	p := uint32(1)
	for p<<1 != 0 && int(p<<1) <= n {
		p <<= 1
	}
	return p
}

// layout computes the header offset, capacity and payload slice for region
// given an event size, without touching memory.
func layout(region []byte, eventSize uint32) (off int, capacity uint32, payload []byte, err error) {
	if eventSize == 0 {
		return 0, 0, nil, tracererr.New(tracererr.InvalidArgument, "ringbuf: eventSize must be > 0")
	}
	off = headerOffset(region)
	if off+int(HeaderSize) > len(region) {
		return 0, 0, nil, tracererr.New(tracererr.InvalidArgument, "ringbuf: region too small for header")
	}
	remaining := len(region) - off - int(HeaderSize)
	capacity = prevPowerOfTwo(remaining / int(eventSize))
	if capacity == 0 {
		return 0, 0, nil, tracererr.New(tracererr.InvalidArgument, "ringbuf: region too small for any event")
	}
	payloadStart := off + int(HeaderSize)
	payloadEnd := payloadStart + int(capacity)*int(eventSize)
	return off, capacity, region[payloadStart:payloadEnd], nil
}

// Create initializes a fresh ring buffer header over region and returns a
// handle to it. region must outlive the returned Ring.
func Create(region []byte, eventSize uint32) (*Ring, error) {
	off, capacity, payload, err := layout(region, eventSize)
	if err != nil {
		return nil, err
	}
	h := (*Header)(unsafe.Pointer(&region[off]))
	h.Magic = Magic
	h.Version = FormatVersion
	h.Capacity = capacity
	h.WritePos.Store(0)
	h.ReadPos.Store(0)
	h.OverflowCount.Store(0)
	for i := range h.reserved {
		h.reserved[i] = 0
	}
	return &Ring{header: h, data: payload, eventSize: eventSize, capacity: capacity, mask: capacity - 1}, nil
}

// Attach binds to an already-initialized ring buffer header without
// modifying it. An invalid magic is a hard error.
func Attach(region []byte, eventSize uint32) (*Ring, error) {
	off, capacity, payload, err := layout(region, eventSize)
	if err != nil {
		return nil, err
	}
	h := (*Header)(unsafe.Pointer(&region[off]))
	if h.Magic != Magic {
		return nil, tracererr.New(tracererr.InvalidArgument, "ringbuf: bad magic on attach")
	}
	if h.Version != FormatVersion {
		return nil, tracererr.New(tracererr.InvalidArgument, "ringbuf: unsupported format version on attach")
	}
	if h.Capacity != capacity {
		return nil, tracererr.New(tracererr.InvalidArgument, "ringbuf: capacity mismatch on attach")
	}
	return &Ring{header: h, data: payload, eventSize: eventSize, capacity: capacity, mask: capacity - 1}, nil
}

// Header returns the ring's header, e.g. for handing to the ring pool or a
// foreign (non-Go) producer via its shared-memory offset.
func (r *Ring) Header() *Header { return r.header }

// EventSize returns the fixed size in bytes of one event in this ring.
func (r *Ring) EventSize() uint32 { return r.eventSize }

// Capacity returns the number of event slots in this ring.
func (r *Ring) Capacity() uint32 { return r.capacity }

// Reset reinitializes the position counters and overflow count. Not safe to
// call concurrently with a producer or consumer.
func (r *Ring) Reset() {
	r.header.WritePos.Store(0)
	r.header.ReadPos.Store(0)
	r.header.OverflowCount.Store(0)
}

// Write publishes one event to the ring. event must be exactly EventSize()
// bytes. Only the producer may call this.
func (r *Ring) Write(event []byte) Result {
	return WriteRaw(r.header, r.data, r.eventSize, event)
}

// Read consumes one event from the ring into out, which must be exactly
// EventSize() bytes. Only the consumer may call this.
func (r *Ring) Read(out []byte) Result {
	return ReadRaw(r.header, r.data, r.eventSize, out)
}

// ReadBatch drains up to max contiguous events into out, which must be at
// least max*EventSize() bytes, returning the number of events copied.
func (r *Ring) ReadBatch(out []byte, max int) int {
	return ReadBatchRaw(r.header, r.data, r.eventSize, out, max)
}

// AvailableRead is a snapshot of the number of unread events. It may
// under-report under concurrent writes but never over-reports.
func (r *Ring) AvailableRead() uint32 {
	return AvailableReadRaw(r.header)
}

// AvailableWrite is a snapshot of the number of free slots.
func (r *Ring) AvailableWrite() uint32 {
	return availableWrite(r.header, r.capacity)
}

// IsEmpty reports whether the ring currently has no unread events.
func (r *Ring) IsEmpty() bool { return r.AvailableRead() == 0 }

// IsFull reports whether the ring currently has no free slots.
func (r *Ring) IsFull() bool { return r.AvailableWrite() == 0 }

// OverflowCount returns the number of writes rejected because the ring was
// full, since creation or the last Reset.
func (r *Ring) OverflowCount() uint32 { return r.header.OverflowCount.Load() }

// --- raw, header-only helpers -------------------------------------------
//
// These operate directly on a Header plus an adjacent payload slice with no
// Ring value in between: the true producer across the shared-memory
// boundary is not Go, and never constructs a Ring — it only ever sees
// header offsets. eventSize and data must agree with the Header's Capacity
// the same way layout() would have computed them.

func slot(pos, mask uint32) uint32 { return pos & mask }

// WriteRaw publishes one event directly against header/data.
func WriteRaw(header *Header, data []byte, eventSize uint32, event []byte) Result {
	capacity := header.Capacity
	mask := capacity - 1

	readPos := header.ReadPos.Load() // acquire: test fullness
	writePos := header.WritePos.Load()
	if writePos-readPos >= capacity {
		header.OverflowCount.Add(1)
		return Full
	}

	idx := slot(writePos, mask)
	copy(data[uint64(idx)*uint64(eventSize):], event[:eventSize])

	header.WritePos.Store(writePos + 1) // release: publish
	return OK
}

// ReadRaw consumes one event directly against header/data.
func ReadRaw(header *Header, data []byte, eventSize uint32, out []byte) Result {
	capacity := header.Capacity
	mask := capacity - 1

	writePos := header.WritePos.Load() // acquire
	readPos := header.ReadPos.Load()
	if writePos == readPos {
		return Empty
	}

	idx := slot(readPos, mask)
	copy(out[:eventSize], data[uint64(idx)*uint64(eventSize):])

	header.ReadPos.Store(readPos + 1) // release: publish
	return OK
}

// ReadBatchRaw drains up to max contiguous events directly against
// header/data, returning the number of events copied.
func ReadBatchRaw(header *Header, data []byte, eventSize uint32, out []byte, max int) int {
	capacity := header.Capacity
	mask := capacity - 1

	writePos := header.WritePos.Load()
	readPos := header.ReadPos.Load()
	available := int(writePos - readPos)
	if available > max {
		available = max
	}
	if available <= 0 {
		return 0
	}

	for i := 0; i < available; i++ {
		idx := slot(readPos+uint32(i), mask)
		copy(out[i*int(eventSize):], data[uint64(idx)*uint64(eventSize):uint64(idx)*uint64(eventSize)+uint64(eventSize)])
	}

	header.ReadPos.Store(readPos + uint32(available))
	return available
}

// AvailableReadRaw is a snapshot of the number of unread events.
func AvailableReadRaw(header *Header) uint32 {
	writePos := header.WritePos.Load()
	readPos := header.ReadPos.Load()
	return writePos - readPos
}

func availableWrite(header *Header, capacity uint32) uint32 {
	writePos := header.WritePos.Load()
	readPos := header.ReadPos.Load()
	used := writePos - readPos
	if used > capacity {
		return 0
	}
	return capacity - used
}

// AvailableWriteRaw is a snapshot of the number of free slots given a known
// capacity (header.Capacity).
func AvailableWriteRaw(header *Header) uint32 {
	return availableWrite(header, header.Capacity)
}
