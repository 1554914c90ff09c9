// Package drain implements the single cooperative consumer: it owns the
// consumer end of every ring in the registry, rotating through
// registered thread slots and handing drained events to an injected
// writer.
package drain

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/adatrace/tracer-core/lane"
	"github.com/adatrace/tracer-core/registry"
	"github.com/adatrace/tracer-core/ringpool"
)

// Policy selects the scheduling discipline used to pick which slot to
// service next.
type Policy int

const (
	RoundRobin Policy = iota
	WeightedFair
)

// state is the worker's run state.
type state int32

const (
	running state = iota
	stopping
	stopped
)

// Writer receives drained events from one ring. It is injected and may be
// nil, in which case drained events are discarded ("drop mode"). Writer
// failures increment a counter; the worker continues regardless.
type Writer interface {
	AppendEvents(threadID uint64, kind ringpool.Kind, events [][]byte) error
}

// Resolver maps a published registry slot back to the process-local lane
// handles backing it. The registry itself holds only the POD slot state
// (identity plus byte offsets) that a separate agent process could also
// observe; Resolver is how the drain worker, running in the same process
// that built those lanes, recovers live *ringbuf.Ring access from a slot.
type Resolver interface {
	Resolve(info registry.SlotInfo) (*lane.ThreadLaneSet, bool)
}

// Config controls the worker's behavior.
type Config struct {
	Policy          Policy
	MaxBatchSize    int
	FairnessQuantum int
	PollInterval    time.Duration
}

// DefaultConfig returns the worker's default tuning.
func DefaultConfig() Config {
	return Config{
		Policy:          RoundRobin,
		MaxBatchSize:    64,
		FairnessQuantum: 8,
		PollInterval:    500 * time.Microsecond,
	}
}

// Worker drains every registered thread's Index and Detail lanes on a
// single cooperative goroutine.
type Worker struct {
	reg      *registry.Registry
	resolver Resolver
	writer   Writer
	cfg      Config
	log      *zap.SugaredLogger

	st state

	cursor uint32

	credits        map[uint32]uint64
	fairnessSwitch uint64
	writerFailures uint64
	ringsDrained   uint64
	eventsDrained  uint64

	iteration uint64
}

// New builds a worker over reg, draining into writer (nil for drop mode).
// resolver recovers a slot's live lane handles for draining; slots the
// resolver can't find (e.g. observed mid-registration) are skipped for
// that cycle and picked up once published.
func New(reg *registry.Registry, resolver Resolver, writer Writer, cfg Config, log *zap.SugaredLogger) *Worker {
	return &Worker{
		reg:      reg,
		resolver: resolver,
		writer:   writer,
		cfg:      cfg,
		log:      log,
		credits:  make(map[uint32]uint64, reg.Capacity()),
	}
}

// Stop flips the worker to STOPPING with release semantics. Run observes
// this with acquire, performs a final drain, then moves to STOPPED.
func (w *Worker) Stop() {
	atomic.StoreInt32((*int32)(&w.st), int32(stopping))
}

// Stopped reports whether the worker has completed its final drain.
func (w *Worker) Stopped() bool {
	return state(atomic.LoadInt32((*int32)(&w.st))) == stopped
}

// Run executes drain cycles until Stop is called, then performs a final
// drain with no per-lane cap before returning. Intended to run on its own
// goroutine; it is a single cooperative loop, not a fan-out pool, since
// the hot path is consumer-ordered per ring.
func (w *Worker) Run() {
	for {
		if state(atomic.LoadInt32((*int32)(&w.st))) == stopping {
			break
		}
		progressed := w.cycle(w.cfg.MaxBatchSize)
		w.iteration++
		if !progressed {
			time.Sleep(w.cfg.PollInterval)
		}
	}

	// Final drain: no per-lane cap, run until empty, then once more to
	// close races with in-flight producers.
	for w.cycle(0) {
	}
	w.cycle(0)

	atomic.StoreInt32((*int32)(&w.st), int32(stopped))
}

// cycle visits every active slot once (round-robin) or by credit order
// (weighted-fair), draining up to maxBatch rings per lane (0 meaning
// unbounded). Returns whether any event was drained.
func (w *Worker) cycle(maxBatch int) bool {
	slots := w.orderedSlots()
	progressed := false
	for _, s := range slots {
		if w.drainLane(s.ThreadID, s.Index, maxBatch) {
			progressed = true
		}
		if w.drainLane(s.ThreadID, s.Detail, maxBatch) {
			progressed = true
		}
		if w.cfg.Policy == WeightedFair {
			w.credits[s.SlotIndex]++
		}
	}
	return progressed
}

// orderedSlots snapshots the active slots in the order the scheduling
// policy wants them visited this cycle. A published slot the resolver
// can't yet map to live lanes is skipped for this cycle; it will resolve
// once its process-local lane handles are registered.
func (w *Worker) orderedSlots() []*lane.ThreadLaneSet {
	var slots []*lane.ThreadLaneSet
	for info := range w.reg.Iterate() {
		set, ok := w.resolver.Resolve(info)
		if !ok {
			w.log.Debugw("drain: slot not yet resolvable", "thread_id", info.ThreadID, "slot", info.SlotIndex)
			continue
		}
		slots = append(slots, set)
	}
	if w.cfg.Policy == RoundRobin || len(slots) <= 1 {
		return slots
	}

	// Weighted fair: the next thread minimizes credits/pending_work. A
	// thread with no pending work is never preferred over one that has
	// some, regardless of credit balance.
	pending := make([]uint64, len(slots))
	for i, s := range slots {
		pending[i] = uint64(s.Index.Pool().ActiveRing().AvailableRead()) + uint64(s.Detail.Pool().ActiveRing().AvailableRead())
	}
	ordered := append([]*lane.ThreadLaneSet(nil), slots...)
	for i := 0; i < len(ordered); i++ {
		best := i
		for j := i + 1; j < len(ordered); j++ {
			if pending[j] == 0 {
				continue
			}
			if fairnessScore(w.credits[ordered[j].SlotIndex], pending[j]) < fairnessScore(w.credits[ordered[best].SlotIndex], pending[best]) {
				best = j
			}
		}
		ordered[i], ordered[best] = ordered[best], ordered[i]
		pending[i], pending[best] = pending[best], pending[i]
	}
	return ordered
}

// fairnessScore approximates credits/pending_work with integer division:
// lower is better. A pending count of zero scores as the maximum value, the
// lowest priority.
func fairnessScore(credits, pending uint64) uint64 {
	if pending == 0 {
		return ^uint64(0)
	}
	return credits / pending
}

// drainLane drains up to maxBatch submitted rings (0 = unbounded) from one
// lane, handing events to the writer and returning drained rings to the
// free queue. Returns whether anything was drained.
func (w *Worker) drainLane(threadID uint64, l *lane.Lane, maxBatch int) bool {
	pool := l.Pool()
	drainedAny := false
	quantum := w.cfg.FairnessQuantum
	if maxBatch == 0 {
		quantum = 0
	}
	drained := 0

	for {
		if maxBatch > 0 && drained >= maxBatch {
			break
		}
		if quantum > 0 && drained >= quantum {
			w.fairnessSwitch++
			break
		}
		idx, ok := pool.TakeSubmitted()
		if !ok {
			break
		}
		w.drainRing(threadID, l, idx)
		pool.Return(idx)
		drained++
		drainedAny = true
		w.ringsDrained++
	}
	return drainedAny
}

// drainRing reads every available event out of the ring at idx and hands
// them to the writer as one batch.
func (w *Worker) drainRing(threadID uint64, l *lane.Lane, idx uint32) {
	r := l.Pool().Ring(idx)
	if r == nil {
		return
	}

	avail := int(r.AvailableRead())
	if avail == 0 {
		return
	}
	buf := make([]byte, avail*int(r.EventSize()))
	n := r.ReadBatch(buf, avail)
	if n == 0 {
		return
	}
	w.eventsDrained += uint64(n)

	if w.writer == nil {
		return
	}
	events := make([][]byte, n)
	for i := 0; i < n; i++ {
		events[i] = buf[i*int(r.EventSize()) : (i+1)*int(r.EventSize())]
	}
	if err := w.writer.AppendEvents(threadID, l.Kind, events); err != nil {
		w.writerFailures++
		w.log.Debugw("drain: writer rejected batch", "thread_id", threadID, "kind", l.Kind, "count", n, "err", err)
	}
}

// FairnessSwitches returns how many times a lane hit its fairness quantum
// mid-cycle.
func (w *Worker) FairnessSwitches() uint64 { return w.fairnessSwitch }

// WriterFailures returns how many AppendEvents calls returned an error.
func (w *Worker) WriterFailures() uint64 { return w.writerFailures }

// RingsDrained returns the cumulative count of rings returned to their
// free queue.
func (w *Worker) RingsDrained() uint64 { return w.ringsDrained }

// EventsDrained returns the cumulative count of events handed to the
// writer (or discarded, in drop mode).
func (w *Worker) EventsDrained() uint64 { return w.eventsDrained }
