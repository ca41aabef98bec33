package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestHeaderRoundTrip(t *testing.T) {
	h := new(RequestHeader)
	h.SetProtocol(CompactProtocol)
	h.SetName("Echo.Say")
	h.SetKind(StreamingResponse)
	h.SetSeqID(0)
	h.SetClientTimeoutMs(1500)
	h.SetPriority(Important)
	h.SetHost("svc.local")
	h.SetOtherMetadata(map[string]string{"trace": "abc", "Caller": "x"})

	got, err := UnmarshalRequestHeader(h.Marshal())
	require.NoError(t, err)
	assert.Equal(t, CompactProtocol, got.Protocol())
	assert.Equal(t, "Echo.Say", got.Name())
	assert.Equal(t, StreamingResponse, got.Kind())

	ms, ok := got.ClientTimeoutMs()
	assert.True(t, ok)
	assert.EqualValues(t, 1500, ms)
	_, ok = got.QueueTimeoutMs()
	assert.False(t, ok, "queue timeout was never set")
	p, ok := got.Priority()
	assert.True(t, ok)
	assert.Equal(t, Important, p)
	host, ok := got.Host()
	assert.True(t, ok)
	assert.Equal(t, "svc.local", host)
	_, ok = got.URL()
	assert.False(t, ok)
	assert.Equal(t, map[string]string{"trace": "abc", "Caller": "x"}, got.OtherMetadata())
}

func TestRequestHeaderEmptyMetadataIsUnset(t *testing.T) {
	h := new(RequestHeader)
	h.SetOtherMetadata(map[string]string{})
	assert.Nil(t, h.OtherMetadata())
	assert.Empty(t, h.Marshal())
}

func TestRequestHeaderCloneIsDeep(t *testing.T) {
	h := new(RequestHeader)
	h.SetOtherMetadata(map[string]string{"a": "1"})
	c := h.Clone()
	c.SetOtherMetadata(map[string]string{"a": "2"})
	assert.Equal(t, "1", h.OtherMetadata()["a"])
}

func TestUnmarshalRequestHeaderRejectsGarbage(t *testing.T) {
	_, err := UnmarshalRequestHeader([]byte{0x12, 0x05, 'a'})
	assert.Error(t, err)
}

func TestResponseHeaderRoundTrip(t *testing.T) {
	h := new(ResponseHeader)
	h.SetError(TimedOut)
	h.Set("ex", "1")

	got, err := UnmarshalResponseHeader(h.Marshal())
	require.NoError(t, err)
	kind, ok := got.ErrorKind()
	assert.True(t, ok)
	assert.Equal(t, TimedOut, kind)
	v, ok := got.Get("ex")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	empty, err := UnmarshalResponseHeader(nil)
	require.NoError(t, err)
	_, ok = empty.ErrorKind()
	assert.False(t, ok)
	assert.Nil(t, empty.OtherMetadata())
}
