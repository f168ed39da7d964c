package eventsock

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const DefaultMaxFrame = 1 << 20

var ErrFrameTooLarge = errors.New("frame too large")

type Request struct {
	DevName string `json:"dev_name"`
	TS      int64  `json:"ts"`
	Value   string `json:"value"`
	Retries *int   `json:"retries,omitempty"`
}

type Reply struct {
	ID    *int64 `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

func okReply(id int64) Reply { return Reply{ID: &id} }

func errReply(format string, args ...any) Reply {
	return Reply{Error: fmt.Sprintf(format, args...)}
}

// ReadFrame reads a 4-byte big-endian length and that many bytes.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(head[:])
	if max > 0 && n > uint32(max) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame JSON-encodes v and writes it length-prefixed in one write.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	_, err = w.Write(append(buf, data...))
	return err
}
