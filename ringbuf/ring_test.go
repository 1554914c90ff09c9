package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventSize = 32

func newTestRegion(t *testing.T, capacity int) []byte {
	t.Helper()
	region := make([]byte, int(HeaderSize)+capacity*eventSize+CacheLineSize)
	return region
}

func makeEvent(id uint32) []byte {
	ev := make([]byte, eventSize)
	ev[0] = byte(id)
	ev[1] = byte(id >> 8)
	ev[2] = byte(id >> 16)
	ev[3] = byte(id >> 24)
	return ev
}

func eventID(ev []byte) uint32 {
	return uint32(ev[0]) | uint32(ev[1])<<8 | uint32(ev[2])<<16 | uint32(ev[3])<<24
}

func TestCreateComputesPowerOfTwoCapacity(t *testing.T) {
	region := newTestRegion(t, 100)
	r, err := Create(region, eventSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), r.Capacity(), "100 slots worth of room should floor to 64")
}

func TestCreateRejectsUndersizedRegion(t *testing.T) {
	region := make([]byte, int(HeaderSize))
	_, err := Create(region, eventSize)
	require.Error(t, err)
}

func TestAttachRejectsBadMagic(t *testing.T) {
	region := newTestRegion(t, 16)
	_, err := Attach(region, eventSize)
	require.Error(t, err)
}

func TestAttachRejectsCapacityMismatch(t *testing.T) {
	region := newTestRegion(t, 16)
	_, err := Create(region, eventSize)
	require.NoError(t, err)

	smaller := region[:int(HeaderSize)+8*eventSize]
	_, err = Attach(smaller, eventSize)
	require.Error(t, err)
}

// TestSingleRingFillDrain exercises capacity 128, writes id = 0..126,
// batch-drain of 10 at a time.
func TestSingleRingFillDrain(t *testing.T) {
	region := newTestRegion(t, 128)
	r, err := Create(region, eventSize)
	require.NoError(t, err)
	require.Equal(t, uint32(128), r.Capacity())

	for id := uint32(0); id < 127; id++ {
		res := r.Write(makeEvent(id))
		require.Equal(t, OK, res)
	}

	got := make([]uint32, 0, 127)
	buf := make([]byte, 10*eventSize)
	for {
		n := r.ReadBatch(buf, 10)
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			got = append(got, eventID(buf[i*eventSize:(i+1)*eventSize]))
		}
	}

	require.Len(t, got, 127)
	for i, id := range got {
		assert.Equal(t, uint32(i), id)
	}
	assert.Zero(t, r.OverflowCount())
	assert.True(t, r.IsEmpty())
}

func TestWriteFullIncrementsOverflow(t *testing.T) {
	region := newTestRegion(t, 4)
	r, err := Create(region, eventSize)
	require.NoError(t, err)

	for i := uint32(0); i < 4; i++ {
		require.Equal(t, OK, r.Write(makeEvent(i)))
	}
	assert.Equal(t, Full, r.Write(makeEvent(99)))
	assert.Equal(t, uint32(1), r.OverflowCount())

	out := make([]byte, eventSize)
	require.Equal(t, OK, r.Read(out))
	assert.Equal(t, uint32(0), eventID(out))
}

func TestReadEmptyRing(t *testing.T) {
	region := newTestRegion(t, 4)
	r, err := Create(region, eventSize)
	require.NoError(t, err)

	out := make([]byte, eventSize)
	assert.Equal(t, Empty, r.Read(out))
}

func TestFIFOOrderPreserved(t *testing.T) {
	region := newTestRegion(t, 16)
	r, err := Create(region, eventSize)
	require.NoError(t, err)

	for i := uint32(0); i < 10; i++ {
		require.Equal(t, OK, r.Write(makeEvent(i)))
	}
	out := make([]byte, eventSize)
	for i := uint32(0); i < 10; i++ {
		require.Equal(t, OK, r.Read(out))
		assert.Equal(t, i, eventID(out))
	}
}

func TestAttachSeesProducerWrites(t *testing.T) {
	region := newTestRegion(t, 16)
	producer, err := Create(region, eventSize)
	require.NoError(t, err)
	require.Equal(t, OK, producer.Write(makeEvent(42)))

	consumer, err := Attach(region, eventSize)
	require.NoError(t, err)

	out := make([]byte, eventSize)
	require.Equal(t, OK, consumer.Read(out))
	assert.Equal(t, uint32(42), eventID(out))
}

func TestBoundedInvariant(t *testing.T) {
	region := newTestRegion(t, 8)
	r, err := Create(region, eventSize)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		r.Write(makeEvent(uint32(i)))
		avail := r.AvailableRead()
		assert.LessOrEqual(t, avail, r.Capacity())
	}
}
