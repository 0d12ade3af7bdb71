package rpc

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cuemby/warden/pkg/errdefs"
)

// MaxMessage bounds a single frame; anything larger is a protocol
// violation, not a legitimate request.
const MaxMessage = 16 << 20

// WriteFrame writes one <uvarint length><bytes> frame.
func WriteFrame(w io.Writer, msg []byte) error {
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(msg)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

// ReadFrame reads one frame. io.EOF on a clean connection close.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > MaxMessage {
		return nil, errdefs.Newf(errdefs.InvalidData, "frame of %d bytes exceeds limit", size)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
