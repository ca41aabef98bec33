package codec

import (
	"testing"

	"github.com/Lubby-ch/protorpc-channel/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripEnvelope(t *testing.T) {
	payload := WriteEnvelope("Echo.Say", Call, 7, []byte("body"))

	h := new(wire.RequestHeader)
	h.SetKind(wire.SingleResponse)
	body, err := StripEnvelope(h, payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("body"), body)
	assert.Equal(t, "Echo.Say", h.Name())
	assert.EqualValues(t, 7, h.SeqID())
}

func TestStripEnvelopeRejects(t *testing.T) {
	single := func() *wire.RequestHeader {
		h := new(wire.RequestHeader)
		h.SetKind(wire.SingleResponse)
		return h
	}
	long := make([]byte, MaxNameLen+1)

	cases := map[string][]byte{
		"empty":         nil,
		"short":         []byte{0x80, 0x01},
		"version":       append([]byte{0x00, 0x00, 0x00, 0x01}, WriteEnvelope("a", Call, 1, nil)[4:]...),
		"reply":         WriteEnvelope("a", Reply, 1, nil),
		"kind mismatch": WriteEnvelope("a", Oneway, 1, nil),
		"name too long": WriteEnvelope(string(long), Call, 1, nil),
		"truncated":     WriteEnvelope("abcdef", Call, 1, nil)[:10],
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := StripEnvelope(single(), payload)
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}

func TestMethodTable(t *testing.T) {
	table := NewMethodTable(
		Method{Name: "Echo.Notify", Kind: wire.NoResponse},
		Method{Name: "Echo.Count", Kind: wire.StreamingResponse},
	)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, wire.NoResponse, table.Kind("Echo.Notify"))
	assert.Equal(t, wire.StreamingResponse, table.Kind("Echo.Count"))
	assert.Equal(t, wire.SingleResponse, table.Kind("Echo.Say"))

	assert.Panics(t, func() { NewMethodTable(Method{Name: "x", Kind: wire.RpcKind(2)}) })
	assert.Panics(t, func() {
		NewMethodTable(Method{Name: "x", Kind: wire.NoResponse}, Method{Name: "x", Kind: wire.NoResponse})
	})
}
