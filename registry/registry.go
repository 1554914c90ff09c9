// Package registry implements the thread registry: a fixed-size array of
// thread slots, claimed by threads via an atomic fetch-add-then-publish
// protocol and walked by the drain worker via iteration that skips
// inactive slots.
//
// Like package ringbuf's Header, the registry's header and slot array are
// a POD byte layout overlaid directly onto a shared-memory region via
// Create/Attach: the region is initialized once by the creator, and a
// separate agent process attaches to it read-only, validating magic and
// version but never writing a header of its own. A slot stores its
// lanes' locations as byte offsets (IndexOffset, DetailOffset) into the
// Index/Detail segments rather than Go pointers, since a pointer from one
// process's address space is meaningless in another's.
package registry

import (
	"iter"
	"sync/atomic"
	"unsafe"

	"github.com/adatrace/tracer-core/tracererr"
)

const Magic uint32 = 0xADA1
const FormatVersion uint32 = 1

// CacheLineSize matches ringbuf's alignment boundary so the registry's
// header and slots never false-share with each other.
const CacheLineSize = 64

// Header is the fixed 64-byte block at the start of the registry's
// shared-memory region.
type Header struct {
	Magic       uint32
	Version     uint32
	Capacity    uint32
	PID         uint32
	SessionID   uint64
	ThreadCount atomic.Uint32
	reserved    [9]uint32
}

const HeaderSize = unsafe.Sizeof(Header{})

func init() {
	if HeaderSize != CacheLineSize {
		panic("registry: Header size drifted from one cache line")
	}
}

// Slot is one thread's published identity within the registry: one per
// claimed index, laid out contiguously immediately after Header. Active
// uses release/acquire semantics — Publish stores every other field
// first and Active last, so an agent observing Active true is guaranteed
// to see a consistent ThreadID/IndexOffset/DetailOffset.
type Slot struct {
	ThreadID     uint64
	IndexOffset  uint64
	DetailOffset uint64
	SlotIndex    uint32
	Active       atomic.Uint32
	reserved     [8]uint32
}

const SlotSize = unsafe.Sizeof(Slot{})

func init() {
	if SlotSize != CacheLineSize {
		panic("registry: Slot size drifted from one cache line")
	}
}

// SlotInfo is a read-only snapshot of one published slot. Unlike Slot it
// holds no atomic field, so it may be copied freely and handed to
// callers outside this package (e.g. the drain worker's scheduling
// logic).
type SlotInfo struct {
	ThreadID     uint64
	SlotIndex    uint32
	IndexOffset  uint64
	DetailOffset uint64
}

// Registry is a handle onto a registry region's header and slot array.
type Registry struct {
	header *Header
	slots  []Slot
}

// headerOffset returns how many leading bytes of region must be skipped
// so the header starts on a cache-line boundary.
func headerOffset(region []byte) int {
	if len(region) == 0 {
		return 0
	}
	base := uintptr(unsafe.Pointer(&region[0]))
	aligned := (base + CacheLineSize - 1) &^ (CacheLineSize - 1)
	return int(aligned - base)
}

// layout computes the header offset and the slot array's byte bounds for
// region given a capacity, without touching memory.
func layout(region []byte, capacity uint32) (off int, slotsRegion []byte, err error) {
	off = headerOffset(region)
	if off+int(HeaderSize) > len(region) {
		return 0, nil, tracererr.New(tracererr.InvalidArgument, "registry: region too small for header")
	}
	slotsStart := off + int(HeaderSize)
	slotsEnd := slotsStart + int(capacity)*int(SlotSize)
	if slotsEnd > len(region) {
		return 0, nil, tracererr.New(tracererr.InvalidArgument, "registry: region too small for capacity slots")
	}
	return off, region[slotsStart:slotsEnd], nil
}

func slotsOverlay(slotsRegion []byte, capacity uint32) []Slot {
	if capacity == 0 {
		return nil
	}
	return unsafe.Slice((*Slot)(unsafe.Pointer(&slotsRegion[0])), capacity)
}

// Create initializes a fresh registry header and slot array over region
// and returns a handle to it. region must outlive the returned Registry.
func Create(region []byte, capacity uint32, sessionID uint64, pid int) (*Registry, error) {
	off, slotsRegion, err := layout(region, capacity)
	if err != nil {
		return nil, err
	}

	h := (*Header)(unsafe.Pointer(&region[off]))
	h.Magic = Magic
	h.Version = FormatVersion
	h.Capacity = capacity
	h.PID = uint32(pid)
	h.SessionID = sessionID
	h.ThreadCount.Store(0)
	for i := range h.reserved {
		h.reserved[i] = 0
	}

	slots := slotsOverlay(slotsRegion, capacity)
	for i := range slots {
		slots[i].ThreadID = 0
		slots[i].IndexOffset = 0
		slots[i].DetailOffset = 0
		slots[i].SlotIndex = uint32(i)
		slots[i].Active.Store(0)
		for j := range slots[i].reserved {
			slots[i].reserved[j] = 0
		}
	}

	return &Registry{header: h, slots: slots}, nil
}

// Attach binds to an already-initialized registry region without
// modifying it. An invalid magic, version, or capacity mismatch is a
// hard error; attach(region) → registry is the only way a read-only
// consumer ever sees a Registry.
func Attach(region []byte, capacity uint32) (*Registry, error) {
	off, slotsRegion, err := layout(region, capacity)
	if err != nil {
		return nil, err
	}

	h := (*Header)(unsafe.Pointer(&region[off]))
	if h.Magic != Magic {
		return nil, tracererr.New(tracererr.InvalidArgument, "registry: bad magic on attach")
	}
	if h.Version != FormatVersion {
		return nil, tracererr.New(tracererr.InvalidArgument, "registry: unsupported format version on attach")
	}
	if h.Capacity != capacity {
		return nil, tracererr.New(tracererr.InvalidArgument, "registry: capacity mismatch on attach")
	}

	return &Registry{header: h, slots: slotsOverlay(slotsRegion, capacity)}, nil
}

func (r *Registry) Capacity() uint32    { return r.header.Capacity }
func (r *Registry) ActiveCount() uint32 { return r.header.ThreadCount.Load() }
func (r *Registry) SessionID() uint64   { return r.header.SessionID }
func (r *Registry) PID() int            { return int(r.header.PID) }

// Claim atomically reserves the next free slot index. Claimed indices are
// never recycled; a deactivated slot stays assigned to its thread for the
// life of the registry.
func (r *Registry) Claim() (slotIndex uint32, err error) {
	idx := r.header.ThreadCount.Add(1) - 1
	if idx >= r.header.Capacity {
		r.header.ThreadCount.Add(^uint32(0))
		return 0, tracererr.New(tracererr.Full, "registry: capacity exhausted")
	}
	return idx, nil
}

// Publish writes a claimed slot's identity and lane offsets and marks it
// active with release semantics, making it visible to Iterate.
func (r *Registry) Publish(slotIndex uint32, threadID uint64, indexOffset, detailOffset uint64) {
	s := &r.slots[slotIndex]
	s.ThreadID = threadID
	s.IndexOffset = indexOffset
	s.DetailOffset = detailOffset
	s.Active.Store(1)
}

// Deactivate clears a slot's active flag so Iterate skips it. The slot's
// index is not reclaimed.
func (r *Registry) Deactivate(slotIndex uint32) {
	if slotIndex >= uint32(len(r.slots)) {
		return
	}
	r.slots[slotIndex].Active.Store(0)
}

// SlotAt returns the published info for slotIndex, or ok=false if the
// slot is out of range or not currently active.
func (r *Registry) SlotAt(slotIndex uint32) (info SlotInfo, ok bool) {
	if slotIndex >= uint32(len(r.slots)) {
		return SlotInfo{}, false
	}
	s := &r.slots[slotIndex]
	if s.Active.Load() == 0 {
		return SlotInfo{}, false
	}
	return SlotInfo{ThreadID: s.ThreadID, SlotIndex: slotIndex, IndexOffset: s.IndexOffset, DetailOffset: s.DetailOffset}, true
}

// Iterate yields every currently active slot, in index order, skipping
// inactive ones.
func (r *Registry) Iterate() iter.Seq[SlotInfo] {
	return func(yield func(SlotInfo) bool) {
		n := r.header.ThreadCount.Load()
		if n > r.header.Capacity {
			n = r.header.Capacity
		}
		for i := uint32(0); i < n; i++ {
			s := &r.slots[i]
			if s.Active.Load() == 0 {
				continue
			}
			info := SlotInfo{ThreadID: s.ThreadID, SlotIndex: i, IndexOffset: s.IndexOffset, DetailOffset: s.DetailOffset}
			if !yield(info) {
				return
			}
		}
	}
}
