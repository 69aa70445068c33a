package frame

import (
	"encoding/binary"
	"errors"
)

const (
	// Magic1 and Magic2 are the stream sentinel bytes that open every frame.
	Magic1 byte = 0x94
	Magic2 byte = 0x93

	// HeaderLen is magic (2) plus big-endian payload length (2).
	HeaderLen = 4

	// MaxPayloadLen is the largest payload the 16-bit length field can carry.
	MaxPayloadLen = 0xFFFF
)

var ErrPayloadTooLarge = errors.New("frame: payload exceeds 16-bit length limit")

// Frame is one complete wire message payload.
type Frame struct {
	Payload []byte
}

// Decoder accumulates raw stream bytes and yields complete frames.
// Partial frames are buffered across Feed calls. A Decoder carries no
// connection state and is not safe for concurrent use.
type Decoder struct {
	buf []byte

	// Discarded counts bytes dropped while hunting for the magic
	// sentinel. Nonzero after corrupt or unsynced input.
	Discarded uint64
}

// Feed appends p to the internal buffer and returns every frame that is
// now complete. Resync policy: when the bytes at the scan position are
// not the magic sentinel, the leading byte is discarded and scanning
// retries one byte later. A payload that happens to contain the sentinel
// bytes can therefore be misread as a frame start after corruption; the
// wire protocol offers no escaping or checksum to detect that case.
func (d *Decoder) Feed(p []byte) []Frame {
	d.buf = append(d.buf, p...)

	var frames []Frame
	for {
		f, ok := d.next()
		if !ok {
			return frames
		}
		frames = append(frames, f)
	}
}

func (d *Decoder) next() (Frame, bool) {
	for len(d.buf) >= 2 {
		if d.buf[0] == Magic1 && d.buf[1] == Magic2 {
			break
		}
		d.buf = d.buf[1:]
		d.Discarded++
	}
	if len(d.buf) < HeaderLen {
		return Frame{}, false
	}

	length := int(binary.BigEndian.Uint16(d.buf[2:4]))
	if len(d.buf) < HeaderLen+length {
		// Incomplete frame: keep buffering, never interpret.
		return Frame{}, false
	}

	payload := make([]byte, length)
	copy(payload, d.buf[HeaderLen:HeaderLen+length])
	d.buf = d.buf[HeaderLen+length:]
	return Frame{Payload: payload}, true
}

// Buffered reports how many bytes are held awaiting frame completion.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops partial frame state, typically on reconnect so stale bytes
// from a prior connection cannot prefix the new stream.
func (d *Decoder) Reset() {
	d.buf = nil
}

// Encode wraps payload with the magic sentinel and big-endian length
// header. It fails only when payload exceeds MaxPayloadLen.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, HeaderLen+len(payload))
	out[0] = Magic1
	out[1] = Magic2
	binary.BigEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[HeaderLen:], payload)
	return out, nil
}
