package rpc

// CloseCallback is told when a connected channel loses its connection.
type CloseCallback interface {
	ChannelClosed()
}

// CloseCallbackFunc adapts a function to CloseCallback.
type CloseCallbackFunc func()

func (f CloseCallbackFunc) ChannelClosed() { f() }

// connectionStatus tracks whether the transport is connected. Owned by the
// channel's executor.
type connectionStatus struct {
	connected bool
	onClose   CloseCallback
}

func (s *connectionStatus) onConnected() { s.connected = true }

func (s *connectionStatus) onDisconnected() { s.closed() }

func (s *connectionStatus) onClosed() { s.closed() }

// closed notifies the close callback on the connected -> disconnected edge only.
func (s *connectionStatus) closed() {
	if !s.connected {
		return
	}
	s.connected = false
	if s.onClose != nil {
		s.onClose.ChannelClosed()
	}
}

func (s *connectionStatus) isConnected() bool { return s.connected }

func (s *connectionStatus) setCloseCallback(cb CloseCallback) { s.onClose = cb }
