package ringpool

import (
	"sync/atomic"
	"unsafe"

	"github.com/adatrace/tracer-core/ringbuf"
	"github.com/adatrace/tracer-core/tracererr"
)

// Kind distinguishes the Index lane (no marking) from the Detail lane
// (selective-persistence marking applies).
type Kind int

const (
	Index Kind = iota
	Detail
)

// Magic identifies an initialized ring pool control block.
const Magic uint32 = 0xADA2

// FormatVersion is the wire layout version of Header.
const FormatVersion uint32 = 1

// CacheLineSize matches ringbuf's alignment boundary.
const CacheLineSize = ringbuf.CacheLineSize

// Header is the fixed 64-byte block at the start of a pool's control
// region: the active-ring index and the detail mark bit, the only state
// a non-Go producer or the drain worker must observe and mutate with
// explicit atomics, independent of process. The submit/free index queues
// follow immediately after Header in the same region.
type Header struct {
	Magic     uint32
	Version   uint32
	Kind      uint32
	RingCount uint32
	ActiveIdx atomic.Uint32
	MarkSeen  atomic.Uint32
	reserved  [10]uint32
}

const HeaderSize = unsafe.Sizeof(Header{})

func init() {
	if HeaderSize != CacheLineSize {
		panic("ringpool: Header size drifted from one cache line")
	}
}

// ControlSize is the total control-region footprint a pool needs ahead
// of its rings: the header plus the submit and free index queues.
const ControlSize = HeaderSize + 2*unsafe.Sizeof(indexQueue{})

// Pool owns the fixed set of rings backing one lane (Index or Detail) for
// one thread, plus the free/submit index queues used to rotate the active
// ring without ever moving a Ring by pointer — ownership transfers by
// index only. Header and the two index queues are overlaid on a shared
// control region the same way ringbuf.Ring overlays its Header; rings are
// independently created/attached by each process from the same
// deterministic sub-offsets, exactly as ringbuf.Ring already is.
type Pool struct {
	header *Header
	submit *indexQueue
	free   *indexQueue
	rings  []*ringbuf.Ring
}

func headerOffset(region []byte) int {
	if len(region) == 0 {
		return 0
	}
	base := uintptr(unsafe.Pointer(&region[0]))
	aligned := (base + CacheLineSize - 1) &^ (CacheLineSize - 1)
	return int(aligned - base)
}

// layout computes the header offset and the submit/free queue offsets
// for region, without touching memory.
func layout(region []byte) (off, submitOff, freeOff int, err error) {
	off = headerOffset(region)
	queueSize := int(unsafe.Sizeof(indexQueue{}))
	if off+int(HeaderSize)+2*queueSize > len(region) {
		return 0, 0, 0, tracererr.New(tracererr.InvalidArgument, "ringpool: region too small for pool control block")
	}
	submitOff = off + int(HeaderSize)
	freeOff = submitOff + queueSize
	return off, submitOff, freeOff, nil
}

// Create initializes a fresh pool control block over region and binds it
// to an already-created/attached set of rings. Ring 0 starts active;
// every other ring starts in the free queue. region must outlive the
// returned Pool.
func Create(region []byte, kind Kind, rings []*ringbuf.Ring) (*Pool, error) {
	if len(rings) == 0 {
		return nil, tracererr.New(tracererr.InvalidArgument, "ringpool: at least one ring required")
	}
	if len(rings) > MaxRingsPerLane {
		return nil, tracererr.New(tracererr.InvalidArgument, "ringpool: too many rings for one lane")
	}

	off, submitOff, freeOff, err := layout(region)
	if err != nil {
		return nil, err
	}

	h := (*Header)(unsafe.Pointer(&region[off]))
	h.Magic = Magic
	h.Version = FormatVersion
	h.Kind = uint32(kind)
	h.RingCount = uint32(len(rings))
	h.ActiveIdx.Store(0)
	h.MarkSeen.Store(0)
	for i := range h.reserved {
		h.reserved[i] = 0
	}

	submit := (*indexQueue)(unsafe.Pointer(&region[submitOff]))
	free := (*indexQueue)(unsafe.Pointer(&region[freeOff]))
	capacity := uint32(len(rings))
	submit.init(capacity)
	free.init(capacity)
	for i := uint32(1); i < capacity; i++ {
		free.push(i)
	}

	return &Pool{header: h, submit: submit, free: free, rings: append([]*ringbuf.Ring(nil), rings...)}, nil
}

// Attach binds to an already-initialized pool control block over region
// without modifying it, pairing it with rings that must already be
// independently attached by the caller.
func Attach(region []byte, kind Kind, rings []*ringbuf.Ring) (*Pool, error) {
	if len(rings) == 0 {
		return nil, tracererr.New(tracererr.InvalidArgument, "ringpool: at least one ring required")
	}

	off, submitOff, freeOff, err := layout(region)
	if err != nil {
		return nil, err
	}

	h := (*Header)(unsafe.Pointer(&region[off]))
	if h.Magic != Magic {
		return nil, tracererr.New(tracererr.InvalidArgument, "ringpool: bad magic on attach")
	}
	if h.Version != FormatVersion {
		return nil, tracererr.New(tracererr.InvalidArgument, "ringpool: unsupported format version on attach")
	}
	if Kind(h.Kind) != kind {
		return nil, tracererr.New(tracererr.InvalidArgument, "ringpool: kind mismatch on attach")
	}
	if int(h.RingCount) != len(rings) {
		return nil, tracererr.New(tracererr.InvalidArgument, "ringpool: ring count mismatch on attach")
	}

	submit := (*indexQueue)(unsafe.Pointer(&region[submitOff]))
	free := (*indexQueue)(unsafe.Pointer(&region[freeOff]))
	return &Pool{header: h, submit: submit, free: free, rings: append([]*ringbuf.Ring(nil), rings...)}, nil
}

// RingCount returns how many rings this pool manages.
func (p *Pool) RingCount() int { return len(p.rings) }

// Ring returns the ring at idx, or nil if out of range.
func (p *Pool) Ring(idx uint32) *ringbuf.Ring {
	if int(idx) >= len(p.rings) {
		return nil
	}
	return p.rings[idx]
}

// ActiveIndex returns the index of the ring currently receiving writes.
func (p *Pool) ActiveIndex() uint32 { return p.header.ActiveIdx.Load() }

// ActiveRing returns the ring currently receiving writes.
func (p *Pool) ActiveRing() *ringbuf.Ring { return p.rings[p.header.ActiveIdx.Load()] }

// ActiveHeader returns the header of the ring currently receiving writes —
// the producer's write target.
func (p *Pool) ActiveHeader() *ringbuf.Header { return p.ActiveRing().Header() }

// SwapActive atomically exchanges the active ring for a free one (or, if
// none is free and there is more than one ring, rotates deterministically
// to the next ring), then submits the previous active ring for draining.
// It fails only when no alternative ring exists at all.
func (p *Pool) SwapActive() (oldIdx uint32, ok bool) {
	newIdx, haveFree := p.free.pop()
	if !haveFree {
		if len(p.rings) <= 1 {
			return 0, false
		}
		cur := p.header.ActiveIdx.Load()
		newIdx = (cur + 1) % uint32(len(p.rings))
	}

	old := p.header.ActiveIdx.Swap(newIdx)

	// Best-effort: if the submit queue is full the drain worker is lagging
	// badly; the ring is dropped from bookkeeping here and will be picked
	// up again on the next swap once the drain worker catches up and frees
	// queue capacity.
	p.submit.push(old)

	return old, true
}

// TakeSubmitted pops the oldest ring submitted for draining. Called by the
// drain worker.
func (p *Pool) TakeSubmitted() (idx uint32, ok bool) { return p.submit.pop() }

// Return gives a drained ring back to the free queue. Called by the drain
// worker once it has consumed a submitted ring.
func (p *Pool) Return(idx uint32) bool { return p.free.push(idx) }

// HandleExhaustion implements the drop-oldest policy: when the free queue
// is empty and the producer cannot make progress, reclaim the oldest
// submitted-but-undrained ring directly back to the free queue, silently
// discarding whatever events are still in it.
func (p *Pool) HandleExhaustion() bool {
	oldest, ok := p.submit.pop()
	if !ok {
		return false
	}
	p.rings[oldest].Reset()
	return p.free.push(oldest)
}

// MarkDetail sets the lane-wide mark bit. No-op for Index pools.
func (p *Pool) MarkDetail() {
	if Kind(p.header.Kind) != Detail {
		return
	}
	p.header.MarkSeen.Store(1)
}

// IsDetailMarked reports the lane-wide mark bit. Always false for Index
// pools.
func (p *Pool) IsDetailMarked() bool {
	if Kind(p.header.Kind) != Detail {
		return false
	}
	return p.header.MarkSeen.Load() != 0
}

// ClearDetailMark resets the lane-wide mark bit, e.g. once the drain
// worker has observed and persisted the marked window.
func (p *Pool) ClearDetailMark() {
	if Kind(p.header.Kind) == Detail {
		p.header.MarkSeen.Store(0)
	}
}

// Kind reports whether this pool backs an Index or Detail lane.
func (p *Pool) Kind() Kind { return Kind(p.header.Kind) }
