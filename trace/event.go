// Package trace implements length-delimited protobuf event framing, the
// on-disk event stream writer, and a crash-safe JSON manifest.
package trace

import "google.golang.org/protobuf/encoding/protowire"

// Kind is the event kind enum carried by every record.
type Kind int32

const (
	TraceStart Kind = iota
	TraceEnd
	FunctionCall
	FunctionReturn
	SignalDelivery
)

// Timestamp mirrors the well-known Timestamp shape: seconds since epoch
// plus a nanosecond remainder, derived from timestamp_ns.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

// TimestampFromNanos splits a timestamp_ns value into Timestamp's
// seconds/nanos pair.
func TimestampFromNanos(ns int64) Timestamp {
	const nsPerSecond = 1_000_000_000
	return Timestamp{Seconds: ns / nsPerSecond, Nanos: int32(ns % nsPerSecond)}
}

// Event is the in-memory shape of one trace record. Field numbers below
// are the wire field numbers used by EncodeEvent/DecodeEvent; they are
// part of the on-disk format and must not be renumbered.
type Event struct {
	EventID      uint64
	Kind         Kind
	Timestamp    Timestamp
	ThreadID     uint64
	FunctionID   uint64 // module_id<<32 | symbol_index
	CallDepth    uint32
	ArgRegisters []uint64 // up to 8 general-purpose registers, Detail only
	LinkPointer  uint64
	FramePointer uint64
	StackPointer uint64
	StackSnap    []byte
	SignalNum    int32
}

const (
	fieldEventID      = 1
	fieldKind         = 2
	fieldTimestamp    = 3
	fieldThreadID     = 4
	fieldFunctionID   = 5
	fieldCallDepth    = 6
	fieldArgRegisters = 7
	fieldLinkPointer  = 8
	fieldFramePointer = 9
	fieldStackPointer = 10
	fieldStackSnap    = 11
	fieldSignalNum    = 12

	fieldTimestampSeconds = 1
	fieldTimestampNanos   = 2
)

// EncodeEvent serializes ev as a protobuf message using only the varint
// and length-delimited wire types, field key = (field_number << 3) |
// wire_type, default-valued fields omitted.
func EncodeEvent(ev Event) []byte {
	var b []byte

	if ev.EventID != 0 {
		b = appendVarintField(b, fieldEventID, ev.EventID)
	}
	if ev.Kind != TraceStart { // TraceStart == 0, the enum default
		b = appendVarintField(b, fieldKind, uint64(ev.Kind))
	}
	if ev.Timestamp != (Timestamp{}) {
		b = appendMessageField(b, fieldTimestamp, encodeTimestamp(ev.Timestamp))
	}
	if ev.ThreadID != 0 {
		b = appendVarintField(b, fieldThreadID, ev.ThreadID)
	}
	if ev.FunctionID != 0 {
		b = appendVarintField(b, fieldFunctionID, ev.FunctionID)
	}
	if ev.CallDepth != 0 {
		b = appendVarintField(b, fieldCallDepth, uint64(ev.CallDepth))
	}
	for _, reg := range ev.ArgRegisters {
		b = appendVarintField(b, fieldArgRegisters, reg)
	}
	if ev.LinkPointer != 0 {
		b = appendVarintField(b, fieldLinkPointer, ev.LinkPointer)
	}
	if ev.FramePointer != 0 {
		b = appendVarintField(b, fieldFramePointer, ev.FramePointer)
	}
	if ev.StackPointer != 0 {
		b = appendVarintField(b, fieldStackPointer, ev.StackPointer)
	}
	if len(ev.StackSnap) > 0 {
		b = protowire.AppendTag(b, fieldStackSnap, protowire.BytesType)
		b = protowire.AppendBytes(b, ev.StackSnap)
	}
	if ev.SignalNum != 0 {
		b = appendVarintField(b, fieldSignalNum, uint64(uint32(ev.SignalNum)))
	}

	return b
}

func encodeTimestamp(ts Timestamp) []byte {
	var b []byte
	if ts.Seconds != 0 {
		b = appendVarintField(b, fieldTimestampSeconds, uint64(ts.Seconds))
	}
	if ts.Nanos != 0 {
		b = appendVarintField(b, fieldTimestampNanos, uint64(uint32(ts.Nanos)))
	}
	return b
}

func appendVarintField(b []byte, field protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, field, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessageField(b []byte, field protowire.Number, payload []byte) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

// DecodeEvent parses an event payload previously produced by EncodeEvent.
// Unknown fields are skipped, matching standard protobuf forward
// compatibility.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Event{}, protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case fieldEventID:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Event{}, protowire.ParseError(m)
			}
			ev.EventID = v
			data = data[m:]
		case fieldKind:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Event{}, protowire.ParseError(m)
			}
			ev.Kind = Kind(v)
			data = data[m:]
		case fieldTimestamp:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Event{}, protowire.ParseError(m)
			}
			ts, err := decodeTimestamp(v)
			if err != nil {
				return Event{}, err
			}
			ev.Timestamp = ts
			data = data[m:]
		case fieldThreadID:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Event{}, protowire.ParseError(m)
			}
			ev.ThreadID = v
			data = data[m:]
		case fieldFunctionID:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Event{}, protowire.ParseError(m)
			}
			ev.FunctionID = v
			data = data[m:]
		case fieldCallDepth:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Event{}, protowire.ParseError(m)
			}
			ev.CallDepth = uint32(v)
			data = data[m:]
		case fieldArgRegisters:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Event{}, protowire.ParseError(m)
			}
			ev.ArgRegisters = append(ev.ArgRegisters, v)
			data = data[m:]
		case fieldLinkPointer:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Event{}, protowire.ParseError(m)
			}
			ev.LinkPointer = v
			data = data[m:]
		case fieldFramePointer:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Event{}, protowire.ParseError(m)
			}
			ev.FramePointer = v
			data = data[m:]
		case fieldStackPointer:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Event{}, protowire.ParseError(m)
			}
			ev.StackPointer = v
			data = data[m:]
		case fieldStackSnap:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Event{}, protowire.ParseError(m)
			}
			ev.StackSnap = append([]byte(nil), v...)
			data = data[m:]
		case fieldSignalNum:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Event{}, protowire.ParseError(m)
			}
			ev.SignalNum = int32(uint32(v))
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return Event{}, protowire.ParseError(m)
			}
			data = data[m:]
		}
	}
	return ev, nil
}

func decodeTimestamp(data []byte) (Timestamp, error) {
	var ts Timestamp
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Timestamp{}, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case fieldTimestampSeconds:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Timestamp{}, protowire.ParseError(m)
			}
			ts.Seconds = int64(v)
			data = data[m:]
		case fieldTimestampNanos:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Timestamp{}, protowire.ParseError(m)
			}
			ts.Nanos = int32(uint32(v))
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return Timestamp{}, protowire.ParseError(m)
			}
			data = data[m:]
		}
	}
	return ts, nil
}
