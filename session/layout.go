// Package session wires the ring pools, thread registry, marking policy,
// detail controller, drain worker, trace writer, and shutdown coordinator
// into one running capture session.
package session

import (
	"github.com/adatrace/tracer-core/nativeevent"
	"github.com/adatrace/tracer-core/registry"
	"github.com/adatrace/tracer-core/ringbuf"
	"github.com/adatrace/tracer-core/ringpool"
	"github.com/adatrace/tracer-core/tracererr"
)

// IndexRingCount and DefaultDetailRings are the per-thread ring counts for
// each lane: 4 Index rings always, a configurable Detail ring count
// (default 4 here).
const (
	IndexRingCount     = 4
	DefaultDetailRings = 4
)

// Sizing controls how many bytes each thread's rings occupy within the
// Index and Detail shared-memory segments.
type Sizing struct {
	IndexRingCapacity  uint32 // events per Index ring, rounded down to a power of two
	DetailRingCount    int
	DetailRingCapacity uint32 // events per Detail ring, rounded down to a power of two
}

// DefaultSizing returns a modest configuration suitable for a single
// traced process with light call volume.
func DefaultSizing() Sizing {
	return Sizing{
		IndexRingCapacity:  128,
		DetailRingCount:    DefaultDetailRings,
		DetailRingCapacity: 32,
	}
}

func ringRegionSize(capacity uint32, eventSize uint32) int {
	return int(ringbuf.HeaderSize) + int(capacity)*int(eventSize) + int(ringbuf.CacheLineSize)
}

// controlRegionSize reserves room for a ring pool's own control block
// (header plus submit/free index queues) ahead of its rings.
func controlRegionSize() int {
	return int(ringpool.ControlSize) + int(ringpool.CacheLineSize)
}

// perThreadIndexBytes and perThreadDetailBytes size one thread's slice of
// the Index/Detail shared-memory segments: one pool control block
// followed by that lane's ring set.
func (s Sizing) perThreadIndexBytes() int {
	return controlRegionSize() + IndexRingCount*ringRegionSize(s.IndexRingCapacity, nativeevent.IndexEventSize)
}

func (s Sizing) perThreadDetailBytes() int {
	return controlRegionSize() + s.DetailRingCount*ringRegionSize(s.DetailRingCapacity, nativeevent.DetailEventSize)
}

// carveIndexPool builds the Index ring pool for one thread out of its
// slice of the Index segment.
func (s Sizing) carveIndexPool(region []byte) (*ringpool.Pool, error) {
	return carvePool(region, IndexRingCount, s.IndexRingCapacity, nativeevent.IndexEventSize, ringpool.Index)
}

// carveDetailPool builds the Detail ring pool for one thread out of its
// slice of the Detail segment.
func (s Sizing) carveDetailPool(region []byte) (*ringpool.Pool, error) {
	return carvePool(region, s.DetailRingCount, s.DetailRingCapacity, nativeevent.DetailEventSize, ringpool.Detail)
}

// carvePool lays out a pool's control block at the front of region, then
// one ring per slot in the remainder, and binds them together.
func carvePool(region []byte, count int, capacity uint32, eventSize uint32, kind ringpool.Kind) (*ringpool.Pool, error) {
	ctrlSize := controlRegionSize()
	if ctrlSize > len(region) {
		return nil, tracererr.New(tracererr.InvalidArgument, "session: thread region too small for pool control block")
	}
	controlRegion := region[:ctrlSize]
	ringsRegion := region[ctrlSize:]

	perRing := ringRegionSize(capacity, eventSize)
	rings := make([]*ringbuf.Ring, count)
	for i := 0; i < count; i++ {
		start := i * perRing
		end := start + perRing
		if end > len(ringsRegion) {
			return nil, tracererr.New(tracererr.InvalidArgument, "session: thread region too small for ring set")
		}
		r, err := ringbuf.Create(ringsRegion[start:end], eventSize)
		if err != nil {
			return nil, err
		}
		rings[i] = r
	}
	return ringpool.Create(controlRegion, kind, rings)
}

// registryRegionSize sizes the shared-memory segment backing the thread
// registry for threadCapacity slots.
func registryRegionSize(threadCapacity uint32) int {
	return int(registry.HeaderSize) + int(threadCapacity)*int(registry.SlotSize) + int(registry.CacheLineSize)
}
