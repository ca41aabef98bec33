package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, timeout time.Duration) string {
	t.Helper()
	mux := http.NewServeMux()
	NewRegistry(timeout, nil).HandleHTTP(mux, DefaultPath)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL + DefaultPath
}

func TestHeartbeatAndDiscover(t *testing.T) {
	url := newTestRegistry(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := Discover(ctx, url)
	assert.ErrorIs(t, err, ErrNoServers)

	endpoints := []string{"ws://127.0.0.1:9001/ws", "tcp://127.0.0.1:9000"}
	require.NoError(t, Heartbeat(ctx, url, endpoints, time.Hour, nil))

	got, err := Discover(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp://127.0.0.1:9000", "ws://127.0.0.1:9001/ws"}, got)
}

func TestRegistryExpiresEndpoints(t *testing.T) {
	url := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, Heartbeat(ctx, url, []string{"tcp://127.0.0.1:9000"}, time.Hour, nil))
	got, err := Discover(ctx, url)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	time.Sleep(100 * time.Millisecond)
	_, err = Discover(ctx, url)
	assert.ErrorIs(t, err, ErrNoServers)
}

func TestRegistryRejectsBadRequests(t *testing.T) {
	url := newTestRegistry(t, 0)

	resp, err := http.Post(url, "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, url, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	err = Heartbeat(context.Background(), "http://127.0.0.1:1/nowhere", []string{"tcp://x:1"}, time.Hour, nil)
	assert.Error(t, err)
}
