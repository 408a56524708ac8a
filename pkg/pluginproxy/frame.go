package pluginproxy

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single message so a misbehaving plugin can't
// exhaust memory with a bogus length prefix.
const maxFrameBytes = 16 << 20

// writeFrame writes payload as a 4-byte big-endian length prefix followed
// by its bytes (spec §6.5: "length-delimited binary channel").
func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed message from r.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("pluginproxy: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
