package wire

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// Message is implemented by every typed wire message. TypeCode identifies the
// concrete type on the wire; encodeBody/decodeBody (de)serialize the
// message's field list into/from a scratch buffer. Encode/Decode (below)
// handle framing around a Message's body.
type Message interface {
	TypeCode() int32
	encodeBody(*encoder)
	decodeBody(*decoder) error
}

// MaxPayloadLength is the largest payload Encode will produce, matching the
// signed 4-byte length prefix's range (spec §4.1).
const MaxPayloadLength = (1 << 31) - 1

// Encode renders |m| as a complete frame: 4-byte big-endian type code,
// 4-byte big-endian payload length, payload. It never fails except when the
// encoded payload would exceed MaxPayloadLength.
func Encode(m Message) ([]byte, error) {
	var enc encoder
	m.encodeBody(&enc)
	if len(enc.buf) > MaxPayloadLength {
		return nil, ErrPayloadTooLarge
	}

	var out = make([]byte, 8+len(enc.buf))
	binary.BigEndian.PutUint32(out[0:4], uint32(m.TypeCode()))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(enc.buf)))
	copy(out[8:], enc.buf)
	return out, nil
}

// Decode parses a single complete frame (type code + length + payload,
// exactly len(b) bytes, no trailing data) into its typed Message. It returns
// ErrInvalidData for any malformed input: an unknown type code, a length
// prefix that disagrees with the supplied buffer, or a field-level parse
// error. Decode never panics and never reads past the end of |b|.
func Decode(b []byte) (Message, error) {
	if len(b) < 8 {
		return nil, errors.Wrap(ErrInvalidData, "frame shorter than header")
	}
	var typeCode = int32(binary.BigEndian.Uint32(b[0:4]))
	var length = binary.BigEndian.Uint32(b[4:8])
	if length > uint32(MaxPayloadLength) || int(length) != len(b)-8 {
		return nil, errors.Wrap(ErrInvalidData, "payload length mismatch")
	}

	var ctor, ok = registry[typeCode]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidData, "unknown type code %d", typeCode)
	}

	var dec = decoder{buf: b[8:]}
	var msg = ctor()
	if err := msg.decodeBody(&dec); err != nil {
		return nil, err
	}
	if !dec.atEnd() {
		return nil, errors.Wrap(ErrInvalidData, "trailing bytes after message body")
	}
	return msg, nil
}

// registry maps a message's TypeCode to a constructor producing a zero-value
// instance ready for decodeBody. Populated by init() in commands.go.
var registry = map[int32]func() Message{}

func register(code int32, ctor func() Message) {
	registry[code] = ctor
}

// encoder accumulates a message body. Its Write* methods cannot fail: the
// only way Encode can fail is the overall length check above.
type encoder struct{ buf []byte }

func (e *encoder) WriteBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) WriteI32(v int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(v))
	e.buf = append(e.buf, tmp[:]...)
}

func (e *encoder) WriteI64(v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	e.buf = append(e.buf, tmp[:]...)
}

func (e *encoder) WriteU64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	e.buf = append(e.buf, tmp[:]...)
}

func (e *encoder) WriteBytes(b []byte) {
	e.WriteI32(int32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) WriteString(s string) {
	e.WriteI32(int32(len(s)))
	e.buf = append(e.buf, s...)
}

// decoder consumes a message body field by field, returning ErrInvalidData
// on any truncation, negative length, or invalid UTF-8.
type decoder struct {
	buf []byte
	off int
}

func (d *decoder) atEnd() bool { return d.off == len(d.buf) }

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) ReadBool() (bool, error) {
	if d.remaining() < 1 {
		return false, errors.Wrap(ErrInvalidData, "truncated bool")
	}
	var v = d.buf[d.off]
	d.off++
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errors.Wrapf(ErrInvalidData, "invalid bool byte %d", v)
	}
}

func (d *decoder) ReadI32() (int32, error) {
	if d.remaining() < 4 {
		return 0, errors.Wrap(ErrInvalidData, "truncated i32")
	}
	var v = int32(binary.BigEndian.Uint32(d.buf[d.off : d.off+4]))
	d.off += 4
	return v, nil
}

func (d *decoder) ReadI64() (int64, error) {
	if d.remaining() < 8 {
		return 0, errors.Wrap(ErrInvalidData, "truncated i64")
	}
	var v = int64(binary.BigEndian.Uint64(d.buf[d.off : d.off+8]))
	d.off += 8
	return v, nil
}

func (d *decoder) ReadU64() (uint64, error) {
	if d.remaining() < 8 {
		return 0, errors.Wrap(ErrInvalidData, "truncated u64")
	}
	var v = binary.BigEndian.Uint64(d.buf[d.off : d.off+8])
	d.off += 8
	return v, nil
}

func (d *decoder) ReadBytes() ([]byte, error) {
	var length, err = d.ReadI32()
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, errors.Wrap(ErrInvalidData, "negative byte length")
	}
	if d.remaining() < int(length) {
		return nil, errors.Wrap(ErrInvalidData, "truncated bytes field")
	}
	var v = d.buf[d.off : d.off+int(length)]
	d.off += int(length)
	return v, nil
}

func (d *decoder) ReadString() (string, error) {
	var b, err = d.ReadBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.Wrap(ErrInvalidData, "malformed UTF-8 in string field")
	}
	return string(b), nil
}
