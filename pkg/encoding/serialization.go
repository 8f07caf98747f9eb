package encoding

import (
	"encoding/binary"
	"errors"
)

// Serializable provides a clean, simple interface for serializing and deserializing values.
type Serializable[T any] interface {
	Serialize() ([]byte, error)
	Deserialize([]byte) error
}

var ErrShortEnvelope = errors.New("encoding: envelope shorter than header")

const envelopeHeader = 8

// Envelope tags an opaque payload with the version of the layout that produced it.
type Envelope struct {
	Version uint64
	Payload []byte
}

var _ Serializable[Envelope] = (*Envelope)(nil)

func (e *Envelope) Serialize() ([]byte, error) {
	out := make([]byte, envelopeHeader+len(e.Payload))
	binary.BigEndian.PutUint64(out, e.Version)
	copy(out[envelopeHeader:], e.Payload)
	return out, nil
}

func (e *Envelope) Deserialize(data []byte) error {
	if len(data) < envelopeHeader {
		return ErrShortEnvelope
	}
	e.Version = binary.BigEndian.Uint64(data)
	e.Payload = append([]byte(nil), data[envelopeHeader:]...)
	return nil
}
