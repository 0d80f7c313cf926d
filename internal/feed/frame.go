package feed

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// maxFrameSize caps a single encoded event (1 MB).
	maxFrameSize = 1 << 20

	// lengthPrefixSize is the size of the frame length prefix in bytes.
	lengthPrefixSize = 4

	// subscribeSize is the size of the subscribe request: the first wanted sequence number.
	subscribeSize = 8
)

// writeFrame writes a length-prefixed frame.
// Format: [4 bytes big-endian length] [payload]
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(data), maxFrameSize)
	}

	buf := make([]byte, lengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[lengthPrefixSize:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame:\n%w", err)
	}

	return nil
}

// readFrame reads a length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [lengthPrefixSize]byte

	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length:\n%w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d > %d", length, maxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload:\n%w", err)
	}

	return data, nil
}

// encodeSubscribe builds the subscribe request for events starting at from.
func encodeSubscribe(from uint64) []byte {
	buf := make([]byte, subscribeSize)
	binary.BigEndian.PutUint64(buf, from)

	return buf
}

// decodeSubscribe parses a subscribe request. A zero start means the first event.
func decodeSubscribe(data []byte) (uint64, error) {
	if len(data) != subscribeSize {
		return 0, fmt.Errorf("subscribe request: got %d bytes, want %d", len(data), subscribeSize)
	}

	from := binary.BigEndian.Uint64(data)
	if from == 0 {
		from = 1
	}

	return from, nil
}
