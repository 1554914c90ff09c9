package ringpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adatrace/tracer-core/ringbuf"
)

const testEventSize = 32

func newRings(t *testing.T, count, capacity int) []*ringbuf.Ring {
	t.Helper()
	rings := make([]*ringbuf.Ring, count)
	for i := range rings {
		region := make([]byte, int(ringbuf.HeaderSize)+capacity*testEventSize+ringbuf.CacheLineSize)
		r, err := ringbuf.Create(region, testEventSize)
		require.NoError(t, err)
		rings[i] = r
	}
	return rings
}

func newControlRegion(t *testing.T) []byte {
	t.Helper()
	return make([]byte, int(ControlSize)+CacheLineSize)
}

func newPool(t *testing.T, kind Kind, rings []*ringbuf.Ring) *Pool {
	t.Helper()
	p, err := Create(newControlRegion(t), kind, rings)
	require.NoError(t, err)
	return p
}

func fillEvent(id uint32) []byte {
	ev := make([]byte, testEventSize)
	ev[0] = byte(id)
	ev[1] = byte(id >> 8)
	ev[2] = byte(id >> 16)
	ev[3] = byte(id >> 24)
	return ev
}

func TestCreateRejectsEmptyRingSet(t *testing.T) {
	_, err := Create(newControlRegion(t), Index, nil)
	require.Error(t, err)
}

func TestCreateRejectsUndersizedRegion(t *testing.T) {
	_, err := Create(make([]byte, int(HeaderSize)), Index, newRings(t, 2, 128))
	require.Error(t, err)
}

func TestNewPoolStartsWithRing0Active(t *testing.T) {
	rings := newRings(t, 4, 128)
	p := newPool(t, Index, rings)
	assert.Equal(t, uint32(0), p.ActiveIndex())
}

func TestAttachRejectsBadMagic(t *testing.T) {
	rings := newRings(t, 2, 128)
	_, err := Attach(newControlRegion(t), Index, rings)
	require.Error(t, err)
}

func TestAttachSeesCreatorRotation(t *testing.T) {
	region := newControlRegion(t)
	rings := newRings(t, 4, 128)
	creator, err := Create(region, Index, rings)
	require.NoError(t, err)

	old, ok := creator.SwapActive()
	require.True(t, ok)

	reader, err := Attach(region, Index, rings)
	require.NoError(t, err)
	assert.Equal(t, creator.ActiveIndex(), reader.ActiveIndex())

	idx, ok := reader.TakeSubmitted()
	require.True(t, ok)
	assert.Equal(t, old, idx)
}

func TestSwapActiveRotatesThroughFreeQueue(t *testing.T) {
	rings := newRings(t, 4, 128)
	p := newPool(t, Index, rings)

	seen := map[uint32]bool{0: true}
	for i := 0; i < 3; i++ {
		old, ok := p.SwapActive()
		require.True(t, ok)
		assert.True(t, seen[old])
		seen[p.ActiveIndex()] = true
	}
	assert.Len(t, seen, 4)
}

func TestSwapActiveFailsWithSingleRing(t *testing.T) {
	rings := newRings(t, 1, 128)
	p := newPool(t, Index, rings)

	_, ok := p.SwapActive()
	assert.False(t, ok, "single-ring pool has no alternative to swap to")
}

// TestDropOldestOnLag exercises ring count 4, capacity 128, a paused
// consumer that never drains, and enough swaps to exhaust the free
// queue. HandleExhaustion must reclaim the oldest submitted ring rather
// than block the producer.
func TestDropOldestOnLag(t *testing.T) {
	const ringCount = 4
	const capacity = 128
	rings := newRings(t, ringCount, capacity)
	p := newPool(t, Detail, rings)

	written := uint32(0)
	for i := 0; i < 1000; i++ {
		res := p.ActiveRing().Write(fillEvent(written))
		written++
		if res == ringbuf.Full {
			if _, ok := p.SwapActive(); !ok {
				require.True(t, p.HandleExhaustion(), "must be able to reclaim a submitted ring")
				_, ok = p.SwapActive()
				require.True(t, ok)
			}
		}
	}

	// Every ring index must be accounted for in exactly one place: active,
	// free queue, or submit queue (pool conservation, invariant #3).
	locations := map[uint32]int{}
	locations[p.ActiveIndex()]++
	for {
		idx, ok := p.free.pop()
		if !ok {
			break
		}
		locations[idx]++
	}
	for {
		idx, ok := p.submit.pop()
		if !ok {
			break
		}
		locations[idx]++
	}
	assert.Len(t, locations, ringCount)
	for idx, count := range locations {
		assert.Equal(t, 1, count, "ring %d must appear in exactly one pool location", idx)
	}
}

func TestHandleExhaustionFalseWhenSubmitQueueEmpty(t *testing.T) {
	rings := newRings(t, 2, 128)
	p := newPool(t, Detail, rings)
	assert.False(t, p.HandleExhaustion())
}

func TestMarkDetailNoOpForIndexPool(t *testing.T) {
	rings := newRings(t, 2, 128)
	p := newPool(t, Index, rings)

	p.MarkDetail()
	assert.False(t, p.IsDetailMarked())
}

func TestMarkDetailRoundTripForDetailPool(t *testing.T) {
	rings := newRings(t, 2, 128)
	p := newPool(t, Detail, rings)

	assert.False(t, p.IsDetailMarked())
	p.MarkDetail()
	assert.True(t, p.IsDetailMarked())
	p.ClearDetailMark()
	assert.False(t, p.IsDetailMarked())
}

func TestTakeSubmittedAndReturnRoundTrip(t *testing.T) {
	rings := newRings(t, 3, 128)
	p := newPool(t, Index, rings)

	old, ok := p.SwapActive()
	require.True(t, ok)

	idx, ok := p.TakeSubmitted()
	require.True(t, ok)
	assert.Equal(t, old, idx)

	assert.True(t, p.Return(idx))
}
