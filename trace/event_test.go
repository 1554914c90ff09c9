package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ev := Event{
		EventID:      42,
		Kind:         FunctionCall,
		Timestamp:    TimestampFromNanos(1_500_000_123),
		ThreadID:     7,
		FunctionID:   (uint64(3) << 32) | 9,
		CallDepth:    2,
		ArgRegisters: []uint64{1, 2, 3},
		LinkPointer:  0xdead,
		FramePointer: 0xbeef,
		StackPointer: 0xc0de,
		StackSnap:    []byte{1, 2, 3, 4},
	}

	data := EncodeEvent(ev)
	got, err := DecodeEvent(data)
	require.NoError(t, err)

	assert.Equal(t, ev.EventID, got.EventID)
	assert.Equal(t, ev.Kind, got.Kind)
	assert.Equal(t, ev.Timestamp, got.Timestamp)
	assert.Equal(t, ev.ThreadID, got.ThreadID)
	assert.Equal(t, ev.FunctionID, got.FunctionID)
	assert.Equal(t, ev.CallDepth, got.CallDepth)
	assert.Equal(t, ev.ArgRegisters, got.ArgRegisters)
	assert.Equal(t, ev.LinkPointer, got.LinkPointer)
	assert.Equal(t, ev.FramePointer, got.FramePointer)
	assert.Equal(t, ev.StackPointer, got.StackPointer)
	assert.Equal(t, ev.StackSnap, got.StackSnap)
}

func TestEncodeOmitsDefaultFields(t *testing.T) {
	data := EncodeEvent(Event{})
	assert.Empty(t, data, "an all-default event should encode to zero bytes")
}

func TestTimestampFromNanosSplitsSecondsAndNanos(t *testing.T) {
	ts := TimestampFromNanos(2_000_000_500)
	assert.Equal(t, int64(2), ts.Seconds)
	assert.Equal(t, int32(500), ts.Nanos)
}
