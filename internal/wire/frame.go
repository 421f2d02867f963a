// Package wire implements the VSOCK guest protocol: a 4-byte little-endian
// length header, a protobuf-encoded payload, and a 4-byte little-endian
// status code written back as the acknowledgment.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds the payload length accepted from a guest. Inventory
// snapshots marshal well under this; anything larger is treated as hostile.
const MaxFrameSize = 1 << 20

// Status is the acknowledgment code returned for each received frame.
type Status uint32

const (
	StatusOK          Status = 0
	StatusDecodeError Status = 1
	StatusTooLarge    Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDecodeError:
		return "decode_error"
	case StatusTooLarge:
		return "too_large"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// ErrFrameTooLarge is returned by ReadFrame when the announced length
// exceeds the configured maximum. The connection must be closed without
// writing an acknowledgment.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, rejecting payloads larger than
// max bytes. io.EOF is returned unwrapped when the peer closed the stream
// cleanly between frames.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// WriteStatus writes the 4-byte acknowledgment for the last received frame.
func WriteStatus(w io.Writer, s Status) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(s))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	return nil
}

// ReadStatus reads the 4-byte acknowledgment sent by the server.
func ReadStatus(r io.Reader) (Status, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("read ack: %w", err)
	}
	return Status(binary.LittleEndian.Uint32(buf[:])), nil
}
