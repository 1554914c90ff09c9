// Package detail implements the detail-lane controller: deciding whether
// the current Detail ring should be dumped or discarded, tracking
// per-window metrics, coordinating a non-blocking swap with the ring
// pool, and emitting crash-safe per-window metadata.
package detail

import (
	"sync/atomic"

	"github.com/adatrace/tracer-core/lane"
	"github.com/adatrace/tracer-core/marking"
	"github.com/adatrace/tracer-core/tracererr"
)

// State is the controller's state machine position.
type State int

const (
	Idle State = iota
	Open
	DumpReady
	Discard
	Closed
	Dumped
)

// Window is a snapshot of one window's accounting, produced by
// CloseWindowForDump.
type Window struct {
	WindowID            uint64
	StartTimestampNs     int64
	EndTimestampNs       int64
	TotalEvents          uint64
	MarkedEvents         uint64
	FirstMarkTimestampNs int64
	MarkSeen             bool
}

// Metrics is the snapshot returned by CollectMetrics.
type Metrics struct {
	EventsProcessed         uint64
	MarkedEventsDetected    uint64
	SelectiveDumpsPerformed uint64
	WindowsDiscarded        uint64
	AvgWindowDurationNs     float64
	AvgEventsPerWindow      float64
	MetadataWriteFailures   uint64
}

// Controller drives one Detail lane's dump/discard decision for one ring's
// worth of events (one "window").
type Controller struct {
	pol  *marking.Policy
	lane *lane.Lane

	state atomic.Int32

	windowID             uint64
	startTimestampNs      int64
	totalEvents           atomic.Uint64
	markedEvents          atomic.Uint64
	firstMarkTimestampNs  atomic.Int64
	markSeen              atomic.Bool

	// cumulative, across all closed windows
	dumps                 uint64
	discards              uint64
	sumWindowDurationNs   uint64
	sumEventsPerWindow    uint64
	metadataWriteFailures uint64

	nextWindowID uint64
}

// New builds a controller over lane, applying policy at mark time. The
// controller starts IDLE.
func New(pol *marking.Policy, l *lane.Lane) *Controller {
	c := &Controller{pol: pol, lane: l}
	c.firstMarkTimestampNs.Store(0)
	return c
}

// State returns the controller's current state.
func (c *Controller) State() State { return State(c.state.Load()) }

// StartWindow resets per-window counters and opens a new window starting
// at t0.
func (c *Controller) StartWindow(t0 int64) {
	c.windowID = c.nextWindowID
	c.nextWindowID++
	c.startTimestampNs = t0
	c.totalEvents.Store(0)
	c.markedEvents.Store(0)
	c.firstMarkTimestampNs.Store(0)
	c.markSeen.Store(false)
	c.state.Store(int32(Open))
}

// MarkEvent records one probe against the policy. Always bumps
// total_events; if the probe matches, sets mark_seen, set-once-min's
// first_mark_timestamp_ns, bumps marked_events, and marks the underlying
// lane.
func (c *Controller) MarkEvent(probe marking.Probe, t int64) {
	c.totalEvents.Add(1)
	if !c.pol.Matches(probe) {
		return
	}
	c.markSeen.Store(true)
	c.markedEvents.Add(1)
	c.setFirstMarkMin(t)
	c.lane.MarkDetail()
}

// setFirstMarkMin performs a compare-exchange loop implementing
// set-once-min: the first write stores t, and a later write replaces the
// stored value only with an earlier timestamp.
func (c *Controller) setFirstMarkMin(t int64) {
	for {
		cur := c.firstMarkTimestampNs.Load()
		if cur != 0 && cur <= t {
			return
		}
		if c.firstMarkTimestampNs.CompareAndSwap(cur, t) {
			return
		}
	}
}

// ShouldDump reports whether the current window is ready to dump: the
// ring must be full and both the window and the lane must have seen a mark.
func (c *Controller) ShouldDump(ringFull bool) bool {
	return ringFull && c.markSeen.Load() && c.lane.IsDetailMarked()
}

// ObserveFill transitions OPEN to DUMP_READY or DISCARD once the ring is
// full, per ShouldDump. On discard, t is the time the window is re-armed
// at, so the resulting state is OPEN again. Returns the resulting state.
func (c *Controller) ObserveFill(ringFull bool, t int64) State {
	if !ringFull {
		return c.State()
	}
	if c.ShouldDump(true) {
		c.state.Store(int32(DumpReady))
		return DumpReady
	}

	c.discards++
	c.state.Store(int32(Discard))
	c.StartWindow(t)
	return c.State()
}

// CloseWindowForDump snapshots the window into an output Window, moving
// DUMP_READY to CLOSED. t1 must be >= start_timestamp_ns.
func (c *Controller) CloseWindowForDump(t1 int64) (Window, error) {
	if c.State() != DumpReady {
		return Window{}, tracererr.New(tracererr.State, "detail: close_window_for_dump outside DUMP_READY")
	}
	if t1 < c.startTimestampNs {
		return Window{}, tracererr.New(tracererr.InvalidArgument, "detail: end timestamp precedes window start")
	}

	w := Window{
		WindowID:             c.windowID,
		StartTimestampNs:     c.startTimestampNs,
		EndTimestampNs:       t1,
		TotalEvents:          c.totalEvents.Load(),
		MarkedEvents:         c.markedEvents.Load(),
		FirstMarkTimestampNs: c.firstMarkTimestampNs.Load(),
		MarkSeen:             c.markSeen.Load(),
	}
	c.state.Store(int32(Closed))
	return w, nil
}

// PerformSelectiveSwap asks the ring pool to swap the active ring,
// advancing CLOSED to DUMPED. Returns the submitted ring index.
func (c *Controller) PerformSelectiveSwap() (submittedIdx uint32, err error) {
	if c.State() != Closed {
		return 0, tracererr.New(tracererr.State, "detail: perform_selective_swap outside CLOSED")
	}
	old, ok := c.lane.Pool().SwapActive()
	if !ok {
		return 0, tracererr.New(tracererr.State, "detail: swap_active had no alternative ring")
	}
	c.state.Store(int32(Dumped))
	return old, nil
}

// MarkDumpComplete advances cumulative metrics and returns the controller
// to IDLE, ready for the next StartWindow.
func (c *Controller) MarkDumpComplete(w Window) {
	c.dumps++
	c.sumWindowDurationNs += uint64(w.EndTimestampNs - w.StartTimestampNs)
	c.sumEventsPerWindow += w.TotalEvents
	c.state.Store(int32(Idle))
}

// RollbackMarkIfNotReady implements the "mark cleared externally" path:
// if the lane's mark bit has been cleared by the drain worker before the
// ring fills, and this controller has not yet reached DUMP_READY, the
// controller's own cached mark_seen is rolled back to match.
func (c *Controller) RollbackMarkIfNotReady() {
	if c.State() == DumpReady {
		return
	}
	if !c.lane.IsDetailMarked() {
		c.markSeen.Store(false)
	}
}

// RecordMetadataWriteFailure bumps the metadata write failure counter,
// called by the writer when WriteWindowMetadata fails.
func (c *Controller) RecordMetadataWriteFailure() {
	c.metadataWriteFailures++
}

// CollectMetrics returns a snapshot. SelectiveDumpsPerformed,
// WindowsDiscarded and MetadataWriteFailures are cumulative;
// EventsProcessed and MarkedEventsDetected cover the current window only,
// since StartWindow resets them. The averages divide the sums recorded by
// MarkDumpComplete by dumps plus discards, and are zero when no windows
// have closed yet.
func (c *Controller) CollectMetrics() Metrics {
	denom := c.dumps + c.discards
	m := Metrics{
		EventsProcessed:         c.totalEvents.Load(),
		MarkedEventsDetected:    c.markedEvents.Load(),
		SelectiveDumpsPerformed: c.dumps,
		WindowsDiscarded:        c.discards,
		MetadataWriteFailures:   c.metadataWriteFailures,
	}
	if denom > 0 {
		m.AvgWindowDurationNs = float64(c.sumWindowDurationNs) / float64(denom)
		m.AvgEventsPerWindow = float64(c.sumEventsPerWindow) / float64(denom)
	}
	return m
}
