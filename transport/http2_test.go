package transport

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Lubby-ch/protorpc-channel/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHTTP2Pair(t *testing.T, h Handler) *HTTP2 {
	srv := httptest.NewServer(NewHTTP2Handler(h, nil))
	t.Cleanup(srv.Close)
	tr, err := DialHTTP2(srv.URL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestHTTP2RequestResponse(t *testing.T) {
	tr := newHTTP2Pair(t, echoHandler(nil))
	ctx := context.Background()

	h := new(wire.RequestHeader)
	h.SetProtocol(wire.CompactProtocol)
	h.SetName("echo")
	h.SetKind(wire.SingleResponse)
	h.SetOtherMetadata(map[string]string{"Trace-ID": "t-1", "tenant": "a"})

	p, err := tr.RequestResponse(ctx, wire.NewRequestPayload(h, []byte("ping")))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), p.Data)
	rh, err := wire.UnmarshalResponseHeader(p.Metadata)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Trace-ID": "t-1", "tenant": "a", "method": "echo"}, rh.OtherMetadata())
	assert.True(t, tr.IsDetachable())

	_, err = tr.RequestResponse(ctx, request("fail", wire.SingleResponse))
	assert.ErrorIs(t, err, ErrApplication)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "boom", te.Message)
}

func TestHTTP2MetadataExcludesHTTPHeaders(t *testing.T) {
	tr := newHTTP2Pair(t, echoHandler(nil))

	h := new(wire.RequestHeader)
	h.SetProtocol(wire.CompactProtocol)
	h.SetName("echo")
	h.SetKind(wire.SingleResponse)
	h.SetOtherMetadata(map[string]string{"content-type": "custom", "date": "today"})

	p, err := tr.RequestResponse(context.Background(), wire.NewRequestPayload(h, []byte("ping")))
	require.NoError(t, err)
	rh, err := wire.UnmarshalResponseHeader(p.Metadata)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"content-type": "custom", "date": "today", "method": "echo"}, rh.OtherMetadata())

	p, err = tr.RequestResponse(context.Background(), request("echo", wire.SingleResponse))
	require.NoError(t, err)
	rh, err = wire.UnmarshalResponseHeader(p.Metadata)
	require.NoError(t, err)
	for _, k := range []string{"content-type", "content-length", "date"} {
		assert.NotContains(t, rh.OtherMetadata(), k)
	}
}

func TestHTTP2FireAndForget(t *testing.T) {
	notes := make(chan []byte, 1)
	tr := newHTTP2Pair(t, echoHandler(notes))

	require.NoError(t, tr.FireAndForget(context.Background(), request("note", wire.NoResponse)))
	select {
	case got := <-notes:
		assert.Equal(t, []byte("ping"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("oneway request never reached the handler")
	}
}

func TestHTTP2ServerTimeout(t *testing.T) {
	tr := newHTTP2Pair(t, echoHandler(nil))

	h := new(wire.RequestHeader)
	h.SetProtocol(wire.CompactProtocol)
	h.SetName("hang")
	h.SetKind(wire.SingleResponse)
	h.SetClientTimeoutMs(50)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := tr.RequestResponse(ctx, wire.NewRequestPayload(h, nil))
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestHTTP2RejectsStreaming(t *testing.T) {
	tr := newHTTP2Pair(t, echoHandler(nil))
	ctx := context.Background()

	_, err := tr.RequestStream(ctx, request("count", wire.StreamingResponse))
	assert.ErrorIs(t, err, ErrInvalidRpcKind)

	// A streaming kind smuggled into a single request is refused by the server.
	_, err = tr.RequestResponse(ctx, request("count", wire.StreamingResponse))
	assert.ErrorIs(t, err, ErrInvalidRpcKind)
}

func TestHTTP2Close(t *testing.T) {
	tr := newHTTP2Pair(t, echoHandler(nil))
	obs := new(recordingObserver)
	tr.SetStatusObserver(obs)

	require.NoError(t, tr.Close())
	assert.Equal(t, []string{"connected", "closed"}, obs.Events())
	_, err := tr.RequestResponse(context.Background(), request("echo", wire.SingleResponse))
	assert.ErrorIs(t, err, ErrNotOpen)
}
