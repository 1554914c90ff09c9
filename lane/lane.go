// Package lane implements the per-thread Index and Detail lanes: a lane
// pairs a ring pool with lane-level counters (events_generated,
// overflow), and for the Detail lane, the selective-persistence mark bit.
package lane

import (
	"sync/atomic"

	"github.com/adatrace/tracer-core/ringpool"
)

// Lane wraps a ring pool with lane-level bookkeeping. The mark bit lives
// on the underlying ringpool.Pool (see ringpool.Kind); Lane forwards to it
// since Pool is the only thing a Lane owns.
type Lane struct {
	Kind ringpool.Kind

	pool            *ringpool.Pool
	eventsGenerated atomic.Uint64
	overflow        atomic.Uint64
}

// New wraps an already-constructed ring pool as a lane.
func New(pool *ringpool.Pool) *Lane {
	return &Lane{Kind: pool.Kind(), pool: pool}
}

// Pool returns the underlying ring pool.
func (l *Lane) Pool() *ringpool.Pool { return l.pool }

// RecordEvent accounts for one event published to the active ring. wrote
// is the result of the Write call; RecordEvent increments the
// overflow counter when it was rejected.
func (l *Lane) RecordEvent(wrote bool) {
	l.eventsGenerated.Add(1)
	if !wrote {
		l.overflow.Add(1)
	}
}

// EventsGenerated returns the total number of events offered to this lane
// since creation.
func (l *Lane) EventsGenerated() uint64 { return l.eventsGenerated.Load() }

// Overflow returns the total number of events rejected because the active
// ring was full.
func (l *Lane) Overflow() uint64 { return l.overflow.Load() }

// MarkDetail forwards to the underlying pool's mark bit. No-op for Index
// lanes.
func (l *Lane) MarkDetail() { l.pool.MarkDetail() }

// IsDetailMarked forwards to the underlying pool's mark bit. Always false
// for Index lanes.
func (l *Lane) IsDetailMarked() bool { return l.pool.IsDetailMarked() }

// ClearDetailMark forwards to the underlying pool's mark bit.
func (l *Lane) ClearDetailMark() { l.pool.ClearDetailMark() }
