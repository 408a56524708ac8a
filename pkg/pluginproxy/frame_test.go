package pluginproxy

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	payload := []byte(`{"type":"result","data":{"ok":true}}`)

	require.NoError(t, writeFrame(&buf, payload))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrame_MultipleMessages(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	messages := [][]byte{
		[]byte(`{"type":"state_changed","code":1,"message":"a"}`),
		[]byte(`{"type":"result","data":{}}`),
	}
	for _, m := range messages {
		require.NoError(t, writeFrame(&buf, m))
	}
	for _, want := range messages {
		got, err := readFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestFrame_RejectsOversizedLength(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	var header [4]byte
	header[0] = 0xff
	header[1] = 0xff
	header[2] = 0xff
	header[3] = 0xff
	buf.Write(header[:])

	_, err := readFrame(&buf)
	assert.Error(t, err)
}
