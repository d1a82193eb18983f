package rpcserver

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameLen bounds a single frame payload. Frames claiming more are a
// protocol violation, not a read to attempt.
const maxFrameLen = 1 << 20

// ReadFrame reads one length-prefixed payload: a 4-byte big-endian length
// followed by that many bytes of UTF-8 JSON.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 || n > maxFrameLen {
		return nil, fmt.Errorf("invalid frame length %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("truncated frame: %w", err)
	}
	return payload, nil
}

// WriteFrame writes payload with its 4-byte big-endian length prefix as a
// single write.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameLen {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}
