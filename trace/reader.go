package trace

import (
	"bufio"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/adatrace/tracer-core/tracererr"
)

// ReadAll decodes every length-delimited record in r, in order. Used by
// tests and offline tooling to validate what Writer.Append produced.
func ReadAll(r io.Reader) ([]Event, error) {
	br := bufio.NewReader(r)
	var events []Event
	for {
		length, err := readVarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil, tracererr.Wrap(tracererr.IOFailure, "trace: read event payload", err)
		}
		ev, err := DecodeEvent(payload)
		if err != nil {
			return nil, tracererr.Wrap(tracererr.Parse, "trace: decode event", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// readVarint reads a single little-endian base-128 varint byte-by-byte
// from br, matching the encoding protowire.AppendVarint produces.
func readVarint(br *bufio.Reader) (uint64, error) {
	var buf []byte
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF && len(buf) == 0 {
				return 0, io.EOF
			}
			return 0, tracererr.Wrap(tracererr.IOFailure, "trace: read varint length prefix", err)
		}
		buf = append(buf, b)
		if b&0x80 == 0 {
			break
		}
		if len(buf) > 10 {
			return 0, tracererr.New(tracererr.Parse, "trace: varint too long")
		}
	}
	v, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return 0, tracererr.New(tracererr.Parse, "trace: malformed varint")
	}
	return v, nil
}
