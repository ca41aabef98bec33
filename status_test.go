package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionStatusFiresOnEdgeOnly(t *testing.T) {
	var s connectionStatus
	fired := 0
	s.setCloseCallback(CloseCallbackFunc(func() { fired++ }))

	s.onDisconnected()
	assert.Equal(t, 0, fired)

	s.onConnected()
	assert.True(t, s.isConnected())
	s.onDisconnected()
	assert.False(t, s.isConnected())
	assert.Equal(t, 1, fired)

	s.onClosed()
	assert.Equal(t, 1, fired)

	s.onConnected()
	s.onClosed()
	assert.Equal(t, 2, fired)

	s.setCloseCallback(nil)
	s.onConnected()
	s.onDisconnected()
	assert.Equal(t, 2, fired)
}
