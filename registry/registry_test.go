package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegion(t *testing.T, capacity uint32) []byte {
	t.Helper()
	return make([]byte, int(HeaderSize)+int(capacity)*int(SlotSize)+CacheLineSize)
}

func TestClaimAssignsSequentialSlots(t *testing.T) {
	region := newTestRegion(t, 4)
	r, err := Create(region, 4, 0xfeed, 1234)
	require.NoError(t, err)

	s0, err := r.Claim()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), s0)

	s1, err := r.Claim()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), s1)

	assert.Equal(t, uint32(2), r.ActiveCount())
}

func TestClaimFailsWhenCapacityExhausted(t *testing.T) {
	region := newTestRegion(t, 1)
	r, err := Create(region, 1, 0, 0)
	require.NoError(t, err)

	_, err = r.Claim()
	require.NoError(t, err)

	_, err = r.Claim()
	require.Error(t, err)
	// Capacity exhaustion must roll back the reservation rather than
	// permanently wedging ThreadCount past Capacity.
	assert.Equal(t, uint32(1), r.ActiveCount())
}

func TestPublishMakesSlotVisibleToIterate(t *testing.T) {
	region := newTestRegion(t, 4)
	r, err := Create(region, 4, 0, 0)
	require.NoError(t, err)

	idx, err := r.Claim()
	require.NoError(t, err)
	r.Publish(idx, 100, 0x1000, 0x2000)

	var seen []SlotInfo
	for info := range r.Iterate() {
		seen = append(seen, info)
	}
	require.Len(t, seen, 1)
	assert.Equal(t, uint64(100), seen[0].ThreadID)
	assert.Equal(t, uint64(0x1000), seen[0].IndexOffset)
	assert.Equal(t, uint64(0x2000), seen[0].DetailOffset)
}

func TestIterateSkipsInactiveSlots(t *testing.T) {
	region := newTestRegion(t, 4)
	r, err := Create(region, 4, 0, 0)
	require.NoError(t, err)

	idx0, err := r.Claim()
	require.NoError(t, err)
	r.Publish(idx0, 1, 0, 0)

	idx1, err := r.Claim()
	require.NoError(t, err)
	r.Publish(idx1, 2, 0, 0)

	r.Deactivate(idx0)

	var seen []uint64
	for info := range r.Iterate() {
		seen = append(seen, info.ThreadID)
	}
	assert.Equal(t, []uint64{2}, seen)
}

func TestSlotAtOutOfRangeIsNotOK(t *testing.T) {
	region := newTestRegion(t, 2)
	r, err := Create(region, 2, 0, 0)
	require.NoError(t, err)
	_, ok := r.SlotAt(5)
	assert.False(t, ok)
}

func TestAttachRejectsBadMagic(t *testing.T) {
	region := newTestRegion(t, 4)
	_, err := Attach(region, 4)
	require.Error(t, err)
}

func TestAttachRejectsCapacityMismatch(t *testing.T) {
	region := newTestRegion(t, 4)
	_, err := Create(region, 4, 0, 0)
	require.NoError(t, err)

	_, err = Attach(region, 8)
	require.Error(t, err)
}

// TestAttachSeesCreatorPublish exercises the cross-process contract: a
// reader attaching to the same region after the creator publishes a slot
// must observe it without ever writing a header itself.
func TestAttachSeesCreatorPublish(t *testing.T) {
	region := newTestRegion(t, 4)
	creator, err := Create(region, 4, 0xfeed, 42)
	require.NoError(t, err)

	idx, err := creator.Claim()
	require.NoError(t, err)
	creator.Publish(idx, 7, 0x100, 0x200)

	reader, err := Attach(region, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xfeed), reader.SessionID())
	assert.Equal(t, 42, reader.PID())

	info, ok := reader.SlotAt(idx)
	require.True(t, ok)
	assert.Equal(t, uint64(7), info.ThreadID)
	assert.Equal(t, uint64(0x100), info.IndexOffset)
	assert.Equal(t, uint64(0x200), info.DetailOffset)
}
