package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	pkgerrors "github.com/pkg/errors"

	"github.com/zeusync/hotswap/pkg/generic"
)

// HeaderSize is the fixed frame header: channel then type, both big-endian uint16.
const HeaderSize = 4

// DefaultMaxPayloadSize caps Data when a source is built without a limit.
const DefaultMaxPayloadSize = 64 << 10

var (
	ErrShortFrame    = errors.New("transport: frame shorter than header")
	ErrFrameTooLarge = errors.New("transport: frame exceeds max payload size")
	ErrNoRoute       = errors.New("transport: no handler for channel")
)

// Payload is one inbound unit of work. Channel selects the handler, Type is
// left to the handler to interpret.
type Payload struct {
	Channel uint16
	Type    uint16
	Data    []byte
}

func (p Payload) String() string {
	return fmt.Sprintf("payload(ch=%d type=%d len=%d)", p.Channel, p.Type, len(p.Data))
}

var headers = generic.NewPool(func() *[HeaderSize + 4]byte {
	return new([HeaderSize + 4]byte)
})

// Encode renders p as header followed by Data.
func Encode(p Payload) []byte {
	frame := make([]byte, HeaderSize+len(p.Data))
	binary.BigEndian.PutUint16(frame[0:2], p.Channel)
	binary.BigEndian.PutUint16(frame[2:4], p.Type)
	copy(frame[HeaderSize:], p.Data)
	return frame
}

// Decode parses a frame produced by Encode. Data aliases frame. A max of zero
// or less means DefaultMaxPayloadSize.
func Decode(frame []byte, max int) (Payload, error) {
	if max <= 0 {
		max = DefaultMaxPayloadSize
	}
	if len(frame) < HeaderSize {
		return Payload{}, ErrShortFrame
	}
	if len(frame)-HeaderSize > max {
		return Payload{}, ErrFrameTooLarge
	}
	return Payload{
		Channel: binary.BigEndian.Uint16(frame[0:2]),
		Type:    binary.BigEndian.Uint16(frame[2:4]),
		Data:    frame[HeaderSize:],
	}, nil
}

// WriteFrame writes p to a byte stream as a uint32 length prefix followed by
// the encoded frame.
func WriteFrame(w io.Writer, p Payload) error {
	hdr := headers.Get()
	defer headers.Put(hdr)

	binary.BigEndian.PutUint32(hdr[0:4], uint32(HeaderSize+len(p.Data)))
	binary.BigEndian.PutUint16(hdr[4:6], p.Channel)
	binary.BigEndian.PutUint16(hdr[6:8], p.Type)
	if _, err := w.Write(hdr[:]); err != nil {
		return pkgerrors.Wrap(err, "write frame header")
	}
	if len(p.Data) == 0 {
		return nil
	}
	if _, err := w.Write(p.Data); err != nil {
		return pkgerrors.Wrap(err, "write frame data")
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame. io.EOF is returned unwrapped
// when the stream ends cleanly between frames.
func ReadFrame(r io.Reader, max int) (Payload, error) {
	if max <= 0 {
		max = DefaultMaxPayloadSize
	}
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Payload{}, io.EOF
		}
		return Payload{}, pkgerrors.Wrap(err, "read frame length")
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n < HeaderSize {
		return Payload{}, ErrShortFrame
	}
	if uint64(n)-HeaderSize > uint64(max) {
		return Payload{}, ErrFrameTooLarge
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return Payload{}, pkgerrors.Wrap(err, "read frame")
	}
	return Decode(frame, max)
}
