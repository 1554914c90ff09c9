package nativeevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeIndexRoundTrip(t *testing.T) {
	ev := IndexEvent{
		TimestampNs: 1_700_000_000_000,
		FunctionID:  (uint64(3) << 32) | 7,
		ThreadID:    42,
		Kind:        Return,
		CallDepth:   5,
	}
	raw := EncodeIndex(ev)
	assert.Len(t, raw, IndexEventSize)

	got, err := DecodeIndex(raw)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestDecodeIndexRejectsWrongSize(t *testing.T) {
	_, err := DecodeIndex(make([]byte, 16))
	require.Error(t, err)
}

func TestEncodeDecodeDetailRoundTrip(t *testing.T) {
	ev := DetailEvent{
		IndexEvent: IndexEvent{
			TimestampNs: 123,
			FunctionID:  99,
			ThreadID:    7,
			Kind:        Call,
			CallDepth:   2,
		},
		ArgRegisters: [MaxArgRegisters]uint64{1, 2, 3, 4, 5, 6, 7, 8},
		LinkPointer:  0xdead,
		FramePointer: 0xbeef,
		StackPointer: 0xcafe,
		StackSnap:    []byte("deadbeefstacksnapshotdata"),
	}
	raw := EncodeDetail(ev)
	assert.Len(t, raw, DetailEventSize)

	got, err := DecodeDetail(raw)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestEncodeDetailTruncatesOversizedStackSnap(t *testing.T) {
	oversized := make([]byte, StackSnapCap+50)
	for i := range oversized {
		oversized[i] = byte(i)
	}
	ev := DetailEvent{StackSnap: oversized}
	raw := EncodeDetail(ev)

	got, err := DecodeDetail(raw)
	require.NoError(t, err)
	assert.Len(t, got.StackSnap, StackSnapCap)
	assert.Equal(t, oversized[:StackSnapCap], got.StackSnap)
}

func TestDetailToTraceEventCarriesDetailFields(t *testing.T) {
	ev := DetailEvent{
		IndexEvent:   IndexEvent{ThreadID: 1, FunctionID: 2, Kind: Call},
		ArgRegisters: [MaxArgRegisters]uint64{9},
		LinkPointer:  10,
	}
	tev := ev.ToTraceEvent(55)
	assert.Equal(t, uint64(55), tev.EventID)
	assert.Equal(t, uint64(1), tev.ThreadID)
	assert.Equal(t, uint64(10), tev.LinkPointer)
	assert.Equal(t, uint64(9), tev.ArgRegisters[0])
}

func TestIndexToTraceEventHasNoDetailFields(t *testing.T) {
	ev := IndexEvent{ThreadID: 3, Kind: Exception}
	tev := ev.ToTraceEvent(1)
	assert.Nil(t, tev.ArgRegisters)
	assert.Equal(t, uint64(0), tev.LinkPointer)
}
