// Package nativeevent encodes and decodes the fixed-size event records
// that actually travel through a ring: 32 bytes for the Index lane, 512
// bytes for the Detail lane, both packed little-endian so a non-Go
// producer writing into the same shared memory region uses an identical
// byte layout.
package nativeevent

import (
	"encoding/binary"

	"github.com/adatrace/tracer-core/tracererr"
	"github.com/adatrace/tracer-core/trace"
)

// EventKind is the native event_kind enum, distinct from trace.Kind: the
// ring carries only the three kinds an instrumented call site can emit
// directly. Exception maps to trace.SignalDelivery; TraceStart/TraceEnd
// are synthesized elsewhere in the pipeline.
type EventKind uint32

const (
	Call EventKind = iota
	Return
	Exception
)

func (k EventKind) toTraceKind() trace.Kind {
	switch k {
	case Return:
		return trace.FunctionReturn
	case Exception:
		return trace.SignalDelivery
	default:
		return trace.FunctionCall
	}
}

// IndexEventSize is the packed size of one Index-lane record.
const IndexEventSize = 32

// IndexEvent is the Index lane's fixed-size record.
type IndexEvent struct {
	TimestampNs int64
	FunctionID  uint64
	ThreadID    uint64
	Kind        EventKind
	CallDepth   uint32
}

// EncodeIndex packs ev into a fresh IndexEventSize-byte buffer.
func EncodeIndex(ev IndexEvent) []byte {
	b := make([]byte, IndexEventSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(ev.TimestampNs))
	binary.LittleEndian.PutUint64(b[8:16], ev.FunctionID)
	binary.LittleEndian.PutUint64(b[16:24], ev.ThreadID)
	binary.LittleEndian.PutUint32(b[24:28], uint32(ev.Kind))
	binary.LittleEndian.PutUint32(b[28:32], ev.CallDepth)
	return b
}

// DecodeIndex unpacks an IndexEventSize-byte record.
func DecodeIndex(raw []byte) (IndexEvent, error) {
	if len(raw) != IndexEventSize {
		return IndexEvent{}, tracererr.New(tracererr.InvalidArgument, "nativeevent: index record must be 32 bytes")
	}
	return IndexEvent{
		TimestampNs: int64(binary.LittleEndian.Uint64(raw[0:8])),
		FunctionID:  binary.LittleEndian.Uint64(raw[8:16]),
		ThreadID:    binary.LittleEndian.Uint64(raw[16:24]),
		Kind:        EventKind(binary.LittleEndian.Uint32(raw[24:28])),
		CallDepth:   binary.LittleEndian.Uint32(raw[28:32]),
	}, nil
}

// ToTraceEvent converts a decoded Index record into the writer's Event
// shape; it carries no Detail-only fields.
func (ev IndexEvent) ToTraceEvent(eventID uint64) trace.Event {
	return trace.Event{
		EventID:    eventID,
		Kind:       ev.Kind.toTraceKind(),
		Timestamp:  trace.TimestampFromNanos(ev.TimestampNs),
		ThreadID:   ev.ThreadID,
		FunctionID: ev.FunctionID,
		CallDepth:  ev.CallDepth,
	}
}

// MaxArgRegisters is how many general-purpose argument registers a
// Detail record carries.
const MaxArgRegisters = 8

// StackSnapCap is the default fixed-size shallow stack snapshot length.
const StackSnapCap = 128

// DetailEventSize is the packed size of one Detail-lane record: the
// Index fields, 8 argument registers, 3 pointers, a length-prefixed
// stack snapshot, and trailing reserved padding out to 512 bytes.
const DetailEventSize = 512

const (
	detailFixedSize = IndexEventSize + MaxArgRegisters*8 + 3*8 + 4 // + stack snap length prefix
)

func init() {
	if detailFixedSize+StackSnapCap > DetailEventSize {
		panic("nativeevent: detail record layout overflows its fixed 512-byte size")
	}
}

// DetailEvent is the Detail lane's fixed-size record.
type DetailEvent struct {
	IndexEvent
	ArgRegisters [MaxArgRegisters]uint64
	LinkPointer  uint64
	FramePointer uint64
	StackPointer uint64
	StackSnap    []byte // up to StackSnapCap bytes
}

// EncodeDetail packs ev into a fresh DetailEventSize-byte buffer. A
// StackSnap longer than StackSnapCap is truncated.
func EncodeDetail(ev DetailEvent) []byte {
	b := make([]byte, DetailEventSize)
	copy(b[0:IndexEventSize], EncodeIndex(ev.IndexEvent))

	off := IndexEventSize
	for _, reg := range ev.ArgRegisters {
		binary.LittleEndian.PutUint64(b[off:off+8], reg)
		off += 8
	}
	binary.LittleEndian.PutUint64(b[off:off+8], ev.LinkPointer)
	off += 8
	binary.LittleEndian.PutUint64(b[off:off+8], ev.FramePointer)
	off += 8
	binary.LittleEndian.PutUint64(b[off:off+8], ev.StackPointer)
	off += 8

	snap := ev.StackSnap
	if len(snap) > StackSnapCap {
		snap = snap[:StackSnapCap]
	}
	binary.LittleEndian.PutUint32(b[off:off+4], uint32(len(snap)))
	off += 4
	copy(b[off:off+len(snap)], snap)

	return b
}

// DecodeDetail unpacks a DetailEventSize-byte record.
func DecodeDetail(raw []byte) (DetailEvent, error) {
	if len(raw) != DetailEventSize {
		return DetailEvent{}, tracererr.New(tracererr.InvalidArgument, "nativeevent: detail record must be 512 bytes")
	}
	idx, err := DecodeIndex(raw[0:IndexEventSize])
	if err != nil {
		return DetailEvent{}, err
	}

	ev := DetailEvent{IndexEvent: idx}
	off := IndexEventSize
	for i := range ev.ArgRegisters {
		ev.ArgRegisters[i] = binary.LittleEndian.Uint64(raw[off : off+8])
		off += 8
	}
	ev.LinkPointer = binary.LittleEndian.Uint64(raw[off : off+8])
	off += 8
	ev.FramePointer = binary.LittleEndian.Uint64(raw[off : off+8])
	off += 8
	ev.StackPointer = binary.LittleEndian.Uint64(raw[off : off+8])
	off += 8

	snapLen := binary.LittleEndian.Uint32(raw[off : off+4])
	off += 4
	if int(snapLen) > StackSnapCap || off+int(snapLen) > len(raw) {
		return DetailEvent{}, tracererr.New(tracererr.InvalidArgument, "nativeevent: stack snap length out of range")
	}
	if snapLen > 0 {
		ev.StackSnap = append([]byte(nil), raw[off:off+int(snapLen)]...)
	}

	return ev, nil
}

// ToTraceEvent converts a decoded Detail record into the writer's Event
// shape, including the Detail-only fields.
func (ev DetailEvent) ToTraceEvent(eventID uint64) trace.Event {
	base := ev.IndexEvent.ToTraceEvent(eventID)
	base.ArgRegisters = append([]uint64(nil), ev.ArgRegisters[:]...)
	base.LinkPointer = ev.LinkPointer
	base.FramePointer = ev.FramePointer
	base.StackPointer = ev.StackPointer
	base.StackSnap = ev.StackSnap
	return base
}
