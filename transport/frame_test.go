package transport

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncoding(t *testing.T) {
	data := bytes.Repeat([]byte("compressible "), 64)
	for _, opts := range []FrameOptions{
		DefaultFrameOptions,
		{},
		{Snappy: true},
		{Checksum: true},
	} {
		f := &Frame{StreamID: 9, Type: FramePayload, Flags: FlagNext | FlagComplete, N: 3, Metadata: []byte("md"), Data: data}
		got, err := decodeFrame(encodeFrame(f, opts))
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}

	compressed := encodeFrame(&Frame{Type: FramePayload, Data: data}, FrameOptions{Snappy: true})
	assert.Less(t, len(compressed), len(data))
}

func TestFrameChecksumMismatch(t *testing.T) {
	b := encodeFrame(&Frame{StreamID: 1, Type: FramePayload, Data: []byte("hello")}, FrameOptions{Checksum: true})
	b[len(b)-5] ^= 0xff
	_, err := decodeFrame(b)
	assert.Error(t, err)

	_, err = decodeFrame([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestStreamFrameConn(t *testing.T) {
	a, b := net.Pipe()
	ca := NewStreamFrameConn(a, FrameOptions{})
	cb := NewStreamFrameConn(b, FrameOptions{Checksum: true, MaxFrameSize: 64})
	defer ca.Close()
	defer cb.Close()

	go func() {
		ca.WriteFrame(&Frame{StreamID: 1, Type: FrameRequestN, N: 16})
		ca.WriteFrame(&Frame{StreamID: 1, Type: FramePayload, Data: bytes.Repeat([]byte{1}, 128)})
	}()

	f, err := cb.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameRequestN, f.Type)
	assert.EqualValues(t, 16, f.N)

	_, err = cb.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
