package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adatrace/tracer-core/config"
	"github.com/adatrace/tracer-core/detail"
	"github.com/adatrace/tracer-core/drain"
	"github.com/adatrace/tracer-core/lane"
	"github.com/adatrace/tracer-core/marking"
	"github.com/adatrace/tracer-core/nativeevent"
	"github.com/adatrace/tracer-core/registry"
	"github.com/adatrace/tracer-core/ringpool"
	"github.com/adatrace/tracer-core/shm"
	"github.com/adatrace/tracer-core/shutdown"
	"github.com/adatrace/tracer-core/trace"
)

// Session owns every subsystem backing one capture for one traced
// process: the shared-memory segments, the thread registry, the
// marking policy, the drain worker, the trace writer, and the shutdown
// coordinator.
type Session struct {
	opts      config.Options
	sessionID uint64
	pid       int
	sizing    Sizing

	indexSeg  *shm.Segment
	detailSeg *shm.Segment
	regSeg    *shm.Segment

	reg    *registry.Registry
	pol    *marking.Policy
	writer *trace.Writer
	log    *zap.SugaredLogger

	mu     sync.Mutex
	cache  map[uint64]*lane.ThreadLaneSet
	bySlot map[uint32]*lane.ThreadLaneSet

	controllers map[uint64]*detail.Controller
	metaWriter  *detail.MetadataWriter

	worker      *drain.Worker
	coordinator *shutdown.Coordinator

	closeOnce sync.Once
}

// Open creates the Index/Detail shared-memory segments sized for
// threadCapacity threads, opens the trace writer, compiles the marking
// policy, and builds the thread registry. The caller is responsible for
// starting the drain worker via Run. log receives discard-path
// diagnostics (decode failures, writer failures) that would otherwise be
// visible only as counters.
func Open(opts config.Options, outputRoot, sessionLabel string, sessionID uint64, pid int, threadCapacity uint32, sizing Sizing, log *zap.SugaredLogger) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	indexName := shm.NameFor("index", pid, sessionID)
	detailName := shm.NameFor("detail", pid, sessionID)

	indexSeg, err := shm.Create(indexName, int(threadCapacity)*sizing.perThreadIndexBytes())
	if err != nil {
		return nil, err
	}
	detailSeg, err := shm.Create(detailName, int(threadCapacity)*sizing.perThreadDetailBytes())
	if err != nil {
		indexSeg.Close()
		return nil, err
	}

	regName := shm.NameFor("registry", pid, sessionID)
	regSeg, err := shm.Create(regName, registryRegionSize(threadCapacity))
	if err != nil {
		indexSeg.Close()
		detailSeg.Close()
		return nil, err
	}

	w, err := trace.Open(outputRoot, sessionLabel, sessionIDHex(sessionID), pid, time.Now().UnixNano())
	if err != nil {
		indexSeg.Close()
		detailSeg.Close()
		regSeg.Close()
		return nil, err
	}

	metaWriter, err := detail.OpenMetadataWriter(w.SessionDir())
	if err != nil {
		w.Close()
		indexSeg.Close()
		detailSeg.Close()
		regSeg.Close()
		return nil, err
	}

	var entries []marking.TriggerEntry
	for _, t := range opts.Triggers {
		if e, ok := t.ToMarkingEntry(); ok {
			entries = append(entries, e)
		}
	}
	pol := marking.Compile(entries)

	reg, err := registry.Create(regSeg.Region(), threadCapacity, sessionID, pid)
	if err != nil {
		w.Close()
		indexSeg.Close()
		detailSeg.Close()
		regSeg.Close()
		return nil, err
	}

	s := &Session{
		opts:        opts,
		sessionID:   sessionID,
		pid:         pid,
		sizing:      sizing,
		indexSeg:    indexSeg,
		detailSeg:   detailSeg,
		regSeg:      regSeg,
		reg:         reg,
		pol:         pol,
		writer:      w,
		log:         log,
		cache:       make(map[uint64]*lane.ThreadLaneSet),
		bySlot:      make(map[uint32]*lane.ThreadLaneSet),
		controllers: make(map[uint64]*detail.Controller),
		metaWriter:  metaWriter,
	}

	s.worker = drain.New(s.reg, s, &writerAdapter{s: s}, drainConfigFor(opts), log)

	s.coordinator = shutdown.New(shutdown.Hooks{
		StopDrain:            s.worker.Stop,
		DrainStopped:         s.worker.Stopped,
		SyncEvents:           s.writer.Sync,
		SyncManifest:         func() error { return nil },
		FinalizeWriter:       func() error { return s.writer.Finalize(time.Now().UnixNano()) },
		TotalEventsProcessed: func() uint64 { return s.writer.EventCount() },
		EventsInFlight: func() uint64 {
			s.mu.Lock()
			defer s.mu.Unlock()
			var n uint64
			for _, set := range s.bySlot {
				n += uint64(set.Index.Pool().ActiveRing().AvailableRead())
				n += uint64(set.Detail.Pool().ActiveRing().AvailableRead())
			}
			return n
		},
		ActiveThreadCount: func() int { return int(s.reg.ActiveCount()) },
		TotalThreadCount:  func() int { return int(s.reg.Capacity()) },
	})

	return s, nil
}

func sessionIDHex(sessionID uint64) string {
	return fmt.Sprintf("%08x", uint32(sessionID))
}

func drainConfigFor(opts config.Options) drain.Config {
	cfg := drain.DefaultConfig()
	if opts.IndexLaneEnabled && opts.DetailLaneEnabled {
		cfg.Policy = drain.WeightedFair
	}
	return cfg
}

// buildSlot carves this thread's Index/Detail ring pools out of the
// session's shared-memory segments and wraps them as lanes. slotIndex's
// offsets within the Index/Detail segments are what gets published to
// the registry, so a separate agent process can locate the same rings
// from the segment names alone.
func (s *Session) buildSlot(threadID uint64, slotIndex uint32) (*lane.ThreadLaneSet, uint64, uint64, error) {
	indexOffset := uint64(slotIndex) * uint64(s.sizing.perThreadIndexBytes())
	detailOffset := uint64(slotIndex) * uint64(s.sizing.perThreadDetailBytes())

	indexRegion := s.regionFor(s.indexSeg, slotIndex, s.sizing.perThreadIndexBytes())
	detailRegion := s.regionFor(s.detailSeg, slotIndex, s.sizing.perThreadDetailBytes())

	indexPool, err := s.sizing.carveIndexPool(indexRegion)
	if err != nil {
		return nil, 0, 0, err
	}
	detailPool, err := s.sizing.carveDetailPool(detailRegion)
	if err != nil {
		return nil, 0, 0, err
	}

	set := lane.NewThreadLaneSet(threadID, slotIndex, lane.New(indexPool), lane.New(detailPool))
	return set, indexOffset, detailOffset, nil
}

func (s *Session) regionFor(seg *shm.Segment, slotIndex uint32, perThread int) []byte {
	start := int(slotIndex) * perThread
	return seg.Region()[start : start+perThread]
}

// RegisterThread claims a registry slot for threadID, building its
// Index/Detail lanes and detail controller on first call, and publishing
// the slot's lane offsets to the shared registry region. existing should
// be the slot previously returned for this thread, if any; RegisterThread
// is also idempotent without it via its own process-local cache.
func (s *Session) RegisterThread(threadID uint64, existing *lane.ThreadLaneSet) (*lane.ThreadLaneSet, error) {
	if existing != nil && existing.ThreadID == threadID {
		return existing, nil
	}

	s.mu.Lock()
	if cached, ok := s.cache[threadID]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	s.mu.Unlock()

	slotIndex, err := s.reg.Claim()
	if err != nil {
		return nil, err
	}
	set, indexOffset, detailOffset, err := s.buildSlot(threadID, slotIndex)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[threadID] = set
	s.bySlot[slotIndex] = set
	s.controllers[threadID] = detail.New(s.pol, set.Detail)
	s.mu.Unlock()

	s.reg.Publish(slotIndex, threadID, indexOffset, detailOffset)
	s.log.Debugw("thread registered", "thread_id", threadID, "slot", slotIndex)
	return set, nil
}

// Resolve implements drain.Resolver, mapping a registry slot snapshot
// back to the process-local lane handles built for it by RegisterThread.
func (s *Session) Resolve(info registry.SlotInfo) (*lane.ThreadLaneSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.bySlot[info.SlotIndex]
	return set, ok
}

// DetailController returns the detail-lane controller for threadID, or
// nil if the thread has never registered.
func (s *Session) DetailController(threadID uint64) *detail.Controller {
	return s.controllers[threadID]
}

// RegisterModule records moduleUUID in the trace manifest under
// moduleName, unless moduleName matches the configured exclude set, in
// which case it is silently skipped and events from it are expected to
// carry no detail.
func (s *Session) RegisterModule(moduleName, moduleUUID string) error {
	if s.opts.Exclude != nil && s.opts.Exclude.Excluded(moduleName) {
		return nil
	}
	return s.writer.RegisterModule(moduleUUID)
}

// Run executes the drain worker's cooperative loop until Shutdown stops
// it. Intended to run on its own goroutine.
func (s *Session) Run() {
	s.worker.Run()
}

// RequestShutdown routes a signal or explicit stop request into the
// shutdown coordinator.
func (s *Session) RequestShutdown(reason string, signum int) {
	s.coordinator.RequestShutdown(reason, signum)
}

// Shutdown requests (idempotently) and runs the phased shutdown sequence
// to completion, closing the trace writer and shared-memory segments
// afterward regardless of outcome. Calling Shutdown more than once
// re-runs the coordinator's hooks against already-closed resources and
// should be avoided; RequestShutdown alone is the idempotent entry
// point for signal handlers.
func (s *Session) Shutdown(ctx context.Context, drainStopTimeout time.Duration) (string, error) {
	s.coordinator.RequestShutdown("session shutdown", 0)
	summary, err := s.coordinator.Execute(ctx, drainStopTimeout)
	s.closeResources()
	return summary, err
}

// closeResources releases the session's open files and shared-memory
// segments without running the shutdown coordinator's phased sequence.
// Safe to call more than once; only the first call does anything.
func (s *Session) closeResources() {
	s.closeOnce.Do(func() {
		s.metaWriter.Close()
		s.writer.Close()
		s.detailSeg.Close()
		s.indexSeg.Close()
		s.regSeg.Close()
	})
}

// writerAdapter translates drained raw ring bytes into trace.Event
// records appended to the session's writer. It implements drain.Writer.
type writerAdapter struct {
	s *Session
}

func (a *writerAdapter) AppendEvents(threadID uint64, kind ringpool.Kind, events [][]byte) error {
	var firstErr error
	for _, raw := range events {
		ev, err := a.decode(kind, raw)
		if err != nil {
			a.s.log.Debugw("discard event: decode failed", "thread_id", threadID, "kind", kind, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := a.s.writer.Append(ev); err != nil {
			a.s.log.Debugw("discard event: writer append failed", "thread_id", threadID, "kind", kind, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (a *writerAdapter) decode(kind ringpool.Kind, raw []byte) (trace.Event, error) {
	eventID := a.s.writer.NextEventID()
	if kind == ringpool.Detail {
		ev, err := nativeevent.DecodeDetail(raw)
		if err != nil {
			return trace.Event{}, err
		}
		return ev.ToTraceEvent(eventID), nil
	}
	ev, err := nativeevent.DecodeIndex(raw)
	if err != nil {
		return trace.Event{}, err
	}
	return ev.ToTraceEvent(eventID), nil
}
