package transport

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Lubby-ch/protorpc-channel/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketDuplex(t *testing.T) {
	srv := httptest.NewServer(NewWebSocketHandler(echoHandler(nil), DefaultFrameOptions, nil))
	defer srv.Close()

	ctx := context.Background()
	d, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), DefaultFrameOptions, nil)
	require.NoError(t, err)
	defer d.Close()

	p, err := d.RequestResponse(ctx, request("echo", wire.SingleResponse))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), p.Data)

	s, err := d.RequestStream(ctx, request("count", wire.StreamingResponse))
	require.NoError(t, err)
	n := 0
	for {
		_, err := s.Recv(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 101, n)
}
