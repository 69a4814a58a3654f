package wire

import "encoding/binary"

// EventTypeCode is the fixed type code of the per-event envelope that a
// segment's appended bytes are framed with (spec §4.7): a 4-byte type, a
// 4-byte big-endian length, then the event's payload. It is distinct from
// the outer command type codes in commands.go, which frame client/store
// RPCs rather than the events a segment's bytes decode into.
const EventTypeCode int32 = 0

// EncodeEvent wraps |payload| in its event envelope, ready to be appended to
// a segment.
func EncodeEvent(payload []byte) []byte {
	var buf = make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(EventTypeCode))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	return buf
}

// DecodeEvents parses as many complete event envelopes as are present at
// the front of |buf|, returning their payloads and the number of bytes
// consumed. A partial trailing envelope (spec §4.7: "partial trailing
// events in a chunk are carried over to the next read") is left unconsumed,
// not an error.
func DecodeEvents(buf []byte) (events [][]byte, consumed int) {
	for {
		if len(buf)-consumed < 8 {
			return events, consumed
		}
		var length = binary.BigEndian.Uint32(buf[consumed+4 : consumed+8])
		if len(buf)-consumed-8 < int(length) {
			return events, consumed
		}
		var payload = buf[consumed+8 : consumed+8+int(length)]
		events = append(events, append([]byte(nil), payload...))
		consumed += 8 + int(length)
	}
}
