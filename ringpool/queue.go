// Package ringpool implements a ring pool: a fixed set of ring buffers
// for one lane, plus bounded SPSC index queues used to rotate the active
// ring between producer and drain worker without ever moving a ring by
// pointer.
package ringpool

import (
	"sync/atomic"

	"github.com/adatrace/tracer-core/ringbuf"
)

// MaxRingsPerLane bounds how many rings a single lane may own: 4 Index
// rings and a configurable (default 4) count of Detail rings fit
// comfortably under this cap, which gives both a fixed-size backing
// array suitable for placement in shared memory.
const MaxRingsPerLane = 16

// noCopy matches sync/atomic's convention for go vet's copylocks check.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// indexQueue is a bounded SPSC ring of ring indices. Exactly one goroutine
// (possibly in a different process) may call Push; exactly one may call
// Pop. head and tail are kept on separate cache lines to avoid false
// sharing, mirroring the ring header layout in package ringbuf.
type indexQueue struct {
	_        noCopy
	capacity uint32
	head     atomic.Uint32
	_        [ringbuf.CacheLineSize - 4]byte
	tail     atomic.Uint32
	_        [ringbuf.CacheLineSize - 4]byte
	slots    [MaxRingsPerLane]uint32
}

// init sets the queue's logical capacity. capacity need not be a power of
// two: ring counts are small and configurable, so slot indexing uses a
// modulo rather than a mask.
func (q *indexQueue) init(capacity uint32) {
	q.capacity = capacity
	q.head.Store(0)
	q.tail.Store(0)
}

// push appends idx to the queue. Reports false if the queue is full.
func (q *indexQueue) push(idx uint32) bool {
	tail := q.tail.Load()
	head := q.head.Load() // acquire: test fullness
	if tail-head >= q.capacity {
		return false
	}
	q.slots[tail%q.capacity] = idx
	q.tail.Store(tail + 1) // release
	return true
}

// pop removes and returns the oldest index. ok is false if the queue is
// empty.
func (q *indexQueue) pop() (idx uint32, ok bool) {
	head := q.head.Load()
	tail := q.tail.Load() // acquire: see pushes
	if head == tail {
		return 0, false
	}
	idx = q.slots[head%q.capacity]
	q.head.Store(head + 1) // release
	return idx, true
}

func (q *indexQueue) len() uint32 {
	tail := q.tail.Load()
	head := q.head.Load()
	return tail - head
}
