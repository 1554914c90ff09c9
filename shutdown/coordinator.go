// Package shutdown implements the phased shutdown coordinator: cancel
// timers, stop-and-wait for the drain worker, fsync the writer's files,
// finalize the manifest, and print a one-shot human-readable summary.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/adatrace/tracer-core/tracererr"
)

// Phase is the coordinator's position in the shutdown sequence.
type Phase int32

const (
	Idle Phase = iota
	SignalReceived
	Draining
	Fsyncing
	Completed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case SignalReceived:
		return "SIGNAL_RECEIVED"
	case Draining:
		return "DRAINING"
	case Fsyncing:
		return "FSYNCING"
	case Completed:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// Hooks are the external operations the coordinator drives. Each is
// optional and a nil hook is skipped, except that a nil DrainStopped turns
// the drain-stop wait into a plain sleep of the drain-stop timeout.
type Hooks struct {
	CancelTimer      func()
	MarkNonAccepting func()
	StopDrain        func()
	DrainStopped     func() bool
	SyncEvents       func() error
	SyncManifest     func() error
	FinalizeWriter   func() error

	// Summary inputs, sampled at the moment execute() builds the summary.
	TotalEventsProcessed  func() uint64
	EventsInFlight        func() uint64
	ActiveThreadCount     func() int
	TotalThreadCount      func() int
}

// Coordinator drives the phased shutdown sequence exactly once; repeat
// requests after the first only update last reason/signal.
type Coordinator struct {
	hooks Hooks

	phase       atomic.Int32
	requests    atomic.Uint64
	lastSignal  atomic.Int32
	lastReason  atomic.Value // string
	filesSynced atomic.Uint64
	startedAt   time.Time

	enteredOnce atomic.Bool
}

// New builds a coordinator around hooks.
func New(hooks Hooks) *Coordinator {
	c := &Coordinator{hooks: hooks}
	c.lastReason.Store("")
	return c
}

// RequestShutdown routes both signal-handler-driven and explicit-API-call
// shutdown requests through one entry point. Exactly one caller
// transitions past IDLE; later callers only update bookkeeping.
func (c *Coordinator) RequestShutdown(reason string, signum int) {
	c.requests.Add(1)
	c.lastReason.Store(reason)
	c.lastSignal.Store(int32(signum))

	if !c.enteredOnce.CompareAndSwap(false, true) {
		return
	}
	c.startedAt = time.Now()
	c.phase.Store(int32(SignalReceived))
}

// Phase returns the coordinator's current phase.
func (c *Coordinator) Phase() Phase { return Phase(c.phase.Load()) }

// RequestCount returns how many times RequestShutdown has been called.
func (c *Coordinator) RequestCount() uint64 { return c.requests.Load() }

// Execute runs the phased sequence to completion and returns the summary
// text. It must only be called after RequestShutdown has transitioned the
// coordinator past IDLE.
func (c *Coordinator) Execute(ctx context.Context, drainStopTimeout time.Duration) (string, error) {
	if c.Phase() == Idle {
		return "", tracererr.New(tracererr.State, "shutdown: execute called before request_shutdown")
	}

	var errs error

	if c.hooks.CancelTimer != nil {
		c.hooks.CancelTimer()
	}
	if c.hooks.MarkNonAccepting != nil {
		c.hooks.MarkNonAccepting()
	}

	c.phase.Store(int32(Draining))
	if err := c.stopDrainAndWait(ctx, drainStopTimeout); err != nil {
		errs = multierr.Append(errs, err)
	}

	c.phase.Store(int32(Fsyncing))
	if err := c.fsyncAll(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.hooks.FinalizeWriter != nil {
		if err := c.hooks.FinalizeWriter(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	c.phase.Store(int32(Completed))

	return c.summary(), errs
}

// stopDrainAndWait calls the injected stop_drain, then bounded-retries
// until DrainStopped reports true (or there was no DrainStopped hook at
// all, in which case it bounded-sleeps instead).
func (c *Coordinator) stopDrainAndWait(ctx context.Context, timeout time.Duration) error {
	if c.hooks.StopDrain != nil {
		c.hooks.StopDrain()
	}
	if c.hooks.DrainStopped == nil {
		time.Sleep(timeout)
		return nil
	}

	op := func() (struct{}, error) {
		if c.hooks.DrainStopped() {
			return struct{}{}, nil
		}
		return struct{}{}, fmt.Errorf("drain worker not yet stopped")
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		return tracererr.Wrap(tracererr.State, "shutdown: drain worker did not stop in time", err)
	}
	return nil
}

// fsyncAll fsyncs the events file and the manifest file concurrently,
// counting how many succeeded.
func (c *Coordinator) fsyncAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)

	if c.hooks.SyncEvents != nil {
		g.Go(func() error {
			if err := c.hooks.SyncEvents(); err != nil {
				return err
			}
			c.filesSynced.Add(1)
			return nil
		})
	}
	if c.hooks.SyncManifest != nil {
		g.Go(func() error {
			if err := c.hooks.SyncManifest(); err != nil {
				return err
			}
			c.filesSynced.Add(1)
			return nil
		})
	}
	return g.Wait()
}

// summary renders the one-shot human-readable report.
func (c *Coordinator) summary() string {
	var b strings.Builder
	duration := time.Since(c.startedAt)

	fmt.Fprintf(&b, "Shutdown Summary (%s)\n", duration.Round(time.Millisecond))
	if c.hooks.TotalEventsProcessed != nil {
		fmt.Fprintf(&b, "Total Events Processed: %d\n", c.hooks.TotalEventsProcessed())
	}
	if c.hooks.EventsInFlight != nil {
		fmt.Fprintf(&b, "Events In Flight at Shutdown: %d\n", c.hooks.EventsInFlight())
	}
	fmt.Fprintf(&b, "Files Synced: %d\n", c.filesSynced.Load())
	if c.hooks.ActiveThreadCount != nil && c.hooks.TotalThreadCount != nil {
		fmt.Fprintf(&b, "Threads Flushed: %d/%d\n", c.hooks.ActiveThreadCount(), c.hooks.TotalThreadCount())
	}
	return b.String()
}

// PrintSummary writes the summary to stderr, matching the coordinator's
// one-shot reporting contract.
func (c *Coordinator) PrintSummary(summary string) {
	fmt.Fprint(os.Stderr, summary)
}
