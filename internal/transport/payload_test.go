package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	p := Payload{Channel: 7, Type: 0x0102, Data: []byte("move")}
	frame := Encode(p)
	require.Len(t, frame, HeaderSize+4)
	assert.Equal(t, []byte{0, 7, 1, 2}, frame[:HeaderSize])

	got, err := Decode(frame, 0)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		max   int
		err   error
	}{
		{name: "empty", frame: nil, err: ErrShortFrame},
		{name: "partial header", frame: []byte{0, 1, 0}, err: ErrShortFrame},
		{name: "too large", frame: make([]byte, HeaderSize+9), max: 8, err: ErrFrameTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame, tt.max)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	p, err := Decode([]byte{0, 3, 0, 4}, 8)
	require.NoError(t, err)
	assert.Empty(t, p.Data, "header-only frame is valid")
}

func TestFrameStream(t *testing.T) {
	var buf bytes.Buffer
	in := []Payload{
		{Channel: 1, Type: 1, Data: []byte("a")},
		{Channel: 2, Type: 9},
		{Channel: 3, Type: 4, Data: bytes.Repeat([]byte{0xff}, 100)},
	}
	for _, p := range in {
		require.NoError(t, WriteFrame(&buf, p))
	}

	for _, want := range in {
		got, err := ReadFrame(&buf, 0)
		require.NoError(t, err)
		assert.Equal(t, want.Channel, got.Channel)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, len(want.Data), len(got.Data))
	}
	_, err := ReadFrame(&buf, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameLimits(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Payload{Channel: 1, Data: make([]byte, 32)}))
	_, err := ReadFrame(&buf, 16)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 2, 1, 1}), 0)
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0, 0, 8, 0, 1}), 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
