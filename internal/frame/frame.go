// Package frame implements the relay wire framing: a 4-byte big-endian length
// prefix followed by that many payload bytes. A zero-length frame is a
// heartbeat and carries no payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the length prefix in bytes.
	HeaderSize = 4

	// MaxPayloadSize bounds what Reader accepts from a peer (16 MiB).
	MaxPayloadSize = 16 << 20
)

var ErrFrameTooLarge = errors.New("frame: payload too large")

var heartbeat = [HeaderSize]byte{}

// Encode prepends the big-endian payload length to payload.
func Encode(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// Heartbeat returns a frame declaring a zero-length payload.
func Heartbeat() []byte {
	hb := heartbeat
	return hb[:]
}

// IsHeartbeat reports whether b is exactly one heartbeat frame.
func IsHeartbeat(b []byte) bool {
	return len(b) == HeaderSize && binary.BigEndian.Uint32(b) == 0
}

// Reader splits a byte stream back into frame payloads.
type Reader struct {
	r      io.Reader
	header [HeaderSize]byte
	max    int
}

// NewReader returns a Reader that rejects payloads above MaxPayloadSize.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, max: MaxPayloadSize}
}

// Next returns the payload of the next frame. Heartbeats yield an empty,
// non-nil payload.
func (fr *Reader) Next() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(fr.header[:])
	if int64(length) > int64(fr.max) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
