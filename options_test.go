package rpc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Lubby-ch/protorpc-channel/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	opt, err := parseOptions()
	require.NoError(t, err)
	assert.Equal(t, DefaultOption.Protocol, opt.Protocol)
	assert.NotNil(t, opt.Logger)

	opt, err = parseOptions(&Option{MaxPendingRequests: 3})
	require.NoError(t, err)
	assert.EqualValues(t, 3, opt.MaxPendingRequests)
	assert.NotNil(t, opt.Logger)

	_, err = parseOptions(DefaultOption, DefaultOption)
	assert.Error(t, err)
}

func TestLoadOption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
protocol: 1
connect_timeout: 3s
max_pending_requests: 64
host: echo.internal
persistent_headers:
  tenant: blue
snappy: false
`), 0o600))

	opt, err := LoadOption(path)
	require.NoError(t, err)
	assert.Equal(t, wire.JSONProtocol, opt.Protocol)
	assert.Equal(t, 3*time.Second, opt.ConnectTimeout)
	assert.EqualValues(t, 64, opt.MaxPendingRequests)
	assert.Equal(t, "echo.internal", opt.Host)
	assert.Equal(t, map[string]string{"tenant": "blue"}, opt.PersistentHeaders)
	assert.False(t, opt.Snappy)
	// unset keys keep their defaults
	assert.True(t, opt.Checksum)

	_, err = LoadOption(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
