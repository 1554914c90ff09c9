package detail

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adatrace/tracer-core/lane"
	"github.com/adatrace/tracer-core/marking"
	"github.com/adatrace/tracer-core/ringbuf"
	"github.com/adatrace/tracer-core/ringpool"
)

const testEventSize = 512

func newDetailLane(t *testing.T) *lane.Lane {
	t.Helper()
	rings := make([]*ringbuf.Ring, 2)
	for i := range rings {
		region := make([]byte, int(ringbuf.HeaderSize)+128*testEventSize+ringbuf.CacheLineSize)
		r, err := ringbuf.Create(region, testEventSize)
		require.NoError(t, err)
		rings[i] = r
	}
	control := make([]byte, int(ringpool.ControlSize)+ringpool.CacheLineSize)
	p, err := ringpool.Create(control, ringpool.Detail, rings)
	require.NoError(t, err)
	return lane.New(p)
}

func criticalPolicy() *marking.Policy {
	return marking.Compile([]marking.TriggerEntry{
		{Target: marking.Symbol, Match: marking.Literal, Pattern: "Critical", CaseSensitive: false},
	})
}

// A window containing a marked event dumps on ring fill instead of discarding.
func TestSelectiveDumpOnMarkedWindow(t *testing.T) {
	c := New(criticalPolicy(), newDetailLane(t))

	c.StartWindow(100)
	c.MarkEvent(marking.Probe{SymbolName: "critical", HasSymbolName: true}, 110)

	require.True(t, c.ShouldDump(true))
	st := c.ObserveFill(true, 999)
	require.Equal(t, DumpReady, st)

	w, err := c.CloseWindowForDump(150)
	require.NoError(t, err)

	assert.Equal(t, int64(100), w.StartTimestampNs)
	assert.Equal(t, int64(150), w.EndTimestampNs)
	assert.Equal(t, uint64(1), w.TotalEvents)
	assert.Equal(t, uint64(1), w.MarkedEvents)
	assert.True(t, w.MarkSeen)
	assert.Equal(t, int64(110), w.FirstMarkTimestampNs)
}

// An unmarked window is discarded on ring fill and the next window is re-armed at discard time.
func TestDiscardUnmarkedWindow(t *testing.T) {
	c := New(criticalPolicy(), newDetailLane(t))

	c.StartWindow(200)
	st := c.ObserveFill(true, 260)
	assert.Equal(t, Open, st, "discard re-arms back into OPEN")

	m := c.CollectMetrics()
	assert.Equal(t, uint64(1), m.WindowsDiscarded)
	assert.Equal(t, int64(260), c.startTimestampNs, "window re-armed at the discard time")
}

func TestCloseWindowForDumpRejectsWrongState(t *testing.T) {
	c := New(criticalPolicy(), newDetailLane(t))
	c.StartWindow(0)
	_, err := c.CloseWindowForDump(10)
	require.Error(t, err)
}

func TestCloseWindowForDumpRejectsEndBeforeStart(t *testing.T) {
	c := New(criticalPolicy(), newDetailLane(t))
	c.StartWindow(100)
	c.MarkEvent(marking.Probe{SymbolName: "critical", HasSymbolName: true}, 105)
	c.ObserveFill(true, 0)

	_, err := c.CloseWindowForDump(50)
	require.Error(t, err)
}

func TestPerformSelectiveSwapAndDumpComplete(t *testing.T) {
	c := New(criticalPolicy(), newDetailLane(t))
	c.StartWindow(0)
	c.MarkEvent(marking.Probe{SymbolName: "critical", HasSymbolName: true}, 1)
	c.ObserveFill(true, 0)
	w, err := c.CloseWindowForDump(10)
	require.NoError(t, err)

	_, err = c.PerformSelectiveSwap()
	require.NoError(t, err)
	assert.Equal(t, Dumped, c.State())

	c.MarkDumpComplete(w)
	assert.Equal(t, Idle, c.State())

	m := c.CollectMetrics()
	assert.Equal(t, uint64(1), m.SelectiveDumpsPerformed)
	assert.Greater(t, m.AvgEventsPerWindow, float64(0))
}

func TestFirstMarkTimestampIsSetOnceMin(t *testing.T) {
	c := New(criticalPolicy(), newDetailLane(t))
	c.StartWindow(0)

	c.MarkEvent(marking.Probe{SymbolName: "critical", HasSymbolName: true}, 500)
	c.MarkEvent(marking.Probe{SymbolName: "critical", HasSymbolName: true}, 100)
	c.MarkEvent(marking.Probe{SymbolName: "critical", HasSymbolName: true}, 800)

	c.ObserveFill(true, 0)
	w, err := c.CloseWindowForDump(1000)
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.FirstMarkTimestampNs)
	assert.Equal(t, uint64(3), w.MarkedEvents)
}

func TestRollbackMarkIfNotReadyFollowsLane(t *testing.T) {
	l := newDetailLane(t)
	c := New(criticalPolicy(), l)
	c.StartWindow(0)
	c.MarkEvent(marking.Probe{SymbolName: "critical", HasSymbolName: true}, 1)

	l.ClearDetailMark()
	c.RollbackMarkIfNotReady()
	assert.False(t, c.markSeen.Load())
}

func TestRollbackMarkIfNotReadyNoOpOnceDumpReady(t *testing.T) {
	l := newDetailLane(t)
	c := New(criticalPolicy(), l)
	c.StartWindow(0)
	c.MarkEvent(marking.Probe{SymbolName: "critical", HasSymbolName: true}, 1)
	c.ObserveFill(true, 0)
	require.Equal(t, DumpReady, c.State())

	l.ClearDetailMark()
	c.RollbackMarkIfNotReady()
	assert.True(t, c.markSeen.Load(), "rollback must not apply once DUMP_READY")
}

func TestMetadataWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenMetadataWriter(dir)
	require.NoError(t, err)
	defer w.Close()

	err = w.WriteWindowMetadata(Window{
		WindowID: 1, StartTimestampNs: 100, EndTimestampNs: 150,
		TotalEvents: 1, MarkedEvents: 1, FirstMarkTimestampNs: 110, MarkSeen: true,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "window_metadata.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"window_id":1`)
	assert.Contains(t, string(data), `"mark_seen":true`)
}

func TestMetadataWriterRejectsEmptySessionDir(t *testing.T) {
	_, err := OpenMetadataWriter("")
	require.Error(t, err)
}
