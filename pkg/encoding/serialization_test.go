package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	in := Envelope{Version: 0xdeadbeef, Payload: []byte("state")}
	data, err := in.Serialize()
	require.NoError(t, err)

	var out Envelope
	require.NoError(t, out.Deserialize(data))
	assert.Equal(t, in, out)

	assert.ErrorIs(t, out.Deserialize([]byte{1, 2}), ErrShortEnvelope)
}
