package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"sensor-emulator/internal/events"
)

var magic = [4]byte{0xDE, 0xAD, 0xBE, 0xEF}

const terminator byte = 0x00

var (
	ErrProtocol      = errors.New("protocol error")
	ErrBadMagic      = fmt.Errorf("%w: wrong magic number", ErrProtocol)
	ErrBadTerminator = fmt.Errorf("%w: wrong terminator", ErrProtocol)
	ErrBadValue      = fmt.Errorf("%w: malformed value", ErrProtocol)
)

// Encoding selects how float values go on the wire.
type Encoding struct {
	// Float32Compat writes floats the way legacy collectors expect them: a
	// length of 8 followed by a 4-byte little-endian float32.
	Float32Compat bool
}

// readField fills buf, giving the read its own idle deadline.
func readField(conn net.Conn, buf []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	_, err := io.ReadFull(conn, buf)
	return err
}

// ReadRequest reads magic, timestamp bound and terminator.
func ReadRequest(conn net.Conn, timeout time.Duration) (int64, error) {
	var m [4]byte
	if err := readField(conn, m[:], timeout); err != nil {
		return 0, err
	}
	if m != magic {
		return 0, fmt.Errorf("%w % x", ErrBadMagic, m[:])
	}

	var ts [8]byte
	if err := readField(conn, ts[:], timeout); err != nil {
		return 0, err
	}

	var term [1]byte
	if err := readField(conn, term[:], timeout); err != nil {
		return 0, err
	}
	if term[0] != terminator {
		return 0, fmt.Errorf("%w 0x%02x", ErrBadTerminator, term[0])
	}
	return int64(binary.BigEndian.Uint64(ts[:])), nil
}

func AppendRequest(dst []byte, bound int64) []byte {
	dst = append(dst, magic[:]...)
	dst = binary.BigEndian.AppendUint64(dst, uint64(bound))
	return append(dst, terminator)
}

// AppendReply encodes a full reply: magic, count, the events and the
// terminator.
func AppendReply(dst []byte, evs []events.Event, enc Encoding) ([]byte, error) {
	dst = append(dst, magic[:]...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(evs)))
	for _, ev := range evs {
		dst = binary.BigEndian.AppendUint64(dst, uint64(ev.ID))
		dst = binary.BigEndian.AppendUint64(dst, uint64(ev.Timestamp))
		var err error
		if dst, err = appendValue(dst, ev.Value, enc); err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.ID, err)
		}
	}
	return append(dst, terminator), nil
}

func appendValue(dst []byte, v events.Value, enc Encoding) ([]byte, error) {
	switch v.Kind {
	case events.KindInt:
		dst = binary.BigEndian.AppendUint32(dst, 8)
		return binary.BigEndian.AppendUint64(dst, uint64(v.Int)), nil
	case events.KindFloat:
		dst = binary.BigEndian.AppendUint32(dst, 8)
		if enc.Float32Compat {
			return binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(v.Float))), nil
		}
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(v.Float)), nil
	case events.KindString:
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(v.Str)))
		return append(dst, v.Str...), nil
	}
	return nil, fmt.Errorf("unsupported value kind %s", v.Kind)
}

// ReadReply decodes a reply produced by AppendReply. kind is the value
// kind of the queried device.
func ReadReply(r io.Reader, kind events.Kind, enc Encoding) ([]events.Event, error) {
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	if [4]byte(head[:4]) != magic {
		return nil, fmt.Errorf("%w % x", ErrBadMagic, head[:4])
	}
	count := binary.BigEndian.Uint32(head[4:])

	out := make([]events.Event, 0, min(count, 1024))
	var rec [20]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return nil, err
		}
		ev := events.Event{
			ID:        int64(binary.BigEndian.Uint64(rec[0:8])),
			Timestamp: int64(binary.BigEndian.Uint64(rec[8:16])),
		}
		v, err := readValue(r, binary.BigEndian.Uint32(rec[16:20]), kind, enc)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.ID, err)
		}
		ev.Value = v
		ev.Raw = v.String()
		out = append(out, ev)
	}

	var term [1]byte
	if _, err := io.ReadFull(r, term[:]); err != nil {
		return nil, err
	}
	if term[0] != terminator {
		return nil, fmt.Errorf("%w 0x%02x", ErrBadTerminator, term[0])
	}
	return out, nil
}

func readValue(r io.Reader, n uint32, kind events.Kind, enc Encoding) (events.Value, error) {
	switch kind {
	case events.KindInt:
		if n != 8 {
			return events.Value{}, fmt.Errorf("%w: int length %d", ErrBadValue, n)
		}
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return events.Value{}, err
		}
		return events.Int(int64(binary.BigEndian.Uint64(b[:]))), nil
	case events.KindFloat:
		if n != 8 {
			return events.Value{}, fmt.Errorf("%w: float length %d", ErrBadValue, n)
		}
		if enc.Float32Compat {
			var b [4]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return events.Value{}, err
			}
			return events.Float(float64(math.Float32frombits(binary.LittleEndian.Uint32(b[:])))), nil
		}
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return events.Value{}, err
		}
		return events.Float(math.Float64frombits(binary.BigEndian.Uint64(b[:]))), nil
	case events.KindString:
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return events.Value{}, err
		}
		return events.String(string(b)), nil
	}
	return events.Value{}, fmt.Errorf("unsupported value kind %s", kind)
}
