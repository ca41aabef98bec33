// Package transport moves serialized requests and responses between a client
// channel and a remote service. A Transport offers the three call shapes a
// channel dispatches onto: fire-and-forget, single response and streaming
// response.
package transport

import (
	"context"

	"github.com/Lubby-ch/protorpc-channel/wire"
)

// Transport is the client side of a connection.
type Transport interface {
	// FireAndForget sends p and returns once it has been handed to the connection.
	FireAndForget(ctx context.Context, p wire.Payload) error
	// RequestResponse sends p and blocks until the single response arrives.
	RequestResponse(ctx context.Context, p wire.Payload) (wire.Payload, error)
	// RequestStream sends p and returns the stream of responses. The first item
	// carries the response metadata.
	RequestStream(ctx context.Context, p wire.Payload) (Stream, error)

	// SetStatusObserver registers o and immediately reports the current
	// connection state to it. A nil observer detaches the previous one.
	SetStatusObserver(o StatusObserver)
	// IsDetachable reports whether the transport has no work in flight.
	IsDetachable() bool
	Close() error
}

// Stream is the response side of a streaming call.
type Stream interface {
	// Recv returns the next item, io.EOF once the stream completes, or the
	// error that terminated it.
	Recv(ctx context.Context) (wire.Payload, error)
	// Cancel stops the stream and tells the remote end to stop producing.
	Cancel()
}

// StatusObserver receives connection state changes. Implementations must not block.
type StatusObserver interface {
	OnConnected()
	OnDisconnected(err error)
	OnClosed(err error)
}

// Handler is the service side of a connection.
type Handler interface {
	// OnRequest is called once per request. The handler answers through rc,
	// either before returning or later from another goroutine.
	OnRequest(ctx context.Context, h *wire.RequestHeader, payload []byte, rc ResponseChannel)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, h *wire.RequestHeader, payload []byte, rc ResponseChannel)

func (f HandlerFunc) OnRequest(ctx context.Context, h *wire.RequestHeader, payload []byte, rc ResponseChannel) {
	f(ctx, h, payload, rc)
}

// ResponseChannel carries the answer to one request back to the caller.
// Answers to no-response requests are discarded.
type ResponseChannel interface {
	// SendResponse sends the single response, or the head of a stream.
	SendResponse(h *wire.ResponseHeader, payload []byte) error
	// SendError terminates the request with an error.
	SendError(kind wire.ErrorKind, message string) error
	// SendStreamItem sends one more stream item, waiting for the caller to
	// grant credit.
	SendStreamItem(ctx context.Context, payload []byte) error
	// CompleteStream ends a stream successfully.
	CompleteStream() error
}
