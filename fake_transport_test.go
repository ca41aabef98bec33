package rpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Lubby-ch/protorpc-channel/codec"
	"github.com/Lubby-ch/protorpc-channel/transport"
	"github.com/Lubby-ch/protorpc-channel/wire"
	"github.com/stretchr/testify/require"
)

// fakeTransport hands every request to the test through channels.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	observer  transport.StatusObserver
	closed    atomic.Bool

	requests chan *fakeRequest
	oneway   chan *fakeRequest
	streams  chan *fakeStream
}

type fakeRequest struct {
	ctx   context.Context
	p     wire.Payload
	reply chan fakeReply
}

type fakeReply struct {
	p   wire.Payload
	err error
}

func newFakeTransport(connected bool) *fakeTransport {
	return &fakeTransport{
		connected: connected,
		requests:  make(chan *fakeRequest, 8),
		oneway:    make(chan *fakeRequest, 8),
		streams:   make(chan *fakeStream, 8),
	}
}

func (f *fakeTransport) FireAndForget(ctx context.Context, p wire.Payload) error {
	f.oneway <- &fakeRequest{ctx: ctx, p: p}
	return nil
}

func (f *fakeTransport) RequestResponse(ctx context.Context, p wire.Payload) (wire.Payload, error) {
	req := &fakeRequest{ctx: ctx, p: p, reply: make(chan fakeReply, 1)}
	f.requests <- req
	select {
	case r := <-req.reply:
		return r.p, r.err
	case <-ctx.Done():
		return wire.Payload{}, ctx.Err()
	}
}

func (f *fakeTransport) RequestStream(ctx context.Context, p wire.Payload) (transport.Stream, error) {
	s := &fakeStream{ctx: ctx, p: p, items: make(chan wire.Payload, 16)}
	f.streams <- s
	return s, nil
}

func (f *fakeTransport) SetStatusObserver(o transport.StatusObserver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observer = o
	if o == nil {
		return
	}
	if f.connected {
		o.OnConnected()
	} else {
		o.OnDisconnected(errors.New("not connected"))
	}
}

func (f *fakeTransport) disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.observer.OnDisconnected(errors.New("connection reset"))
}

func (f *fakeTransport) IsDetachable() bool { return true }

func (f *fakeTransport) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.observer != nil {
		f.observer.OnClosed(nil)
	}
	return nil
}

func (f *fakeTransport) nextRequest(t *testing.T) *fakeRequest {
	t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request reached the transport")
	}
	return nil
}

func (f *fakeTransport) nextStream(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-f.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no stream reached the transport")
	}
	return nil
}

type fakeStream struct {
	ctx       context.Context
	p         wire.Payload
	items     chan wire.Payload
	cancelled atomic.Bool
}

func (s *fakeStream) Recv(ctx context.Context) (wire.Payload, error) {
	select {
	case p, ok := <-s.items:
		if !ok {
			return wire.Payload{}, io.EOF
		}
		return p, nil
	case <-ctx.Done():
		return wire.Payload{}, ctx.Err()
	}
}

func (s *fakeStream) Cancel() { s.cancelled.Store(true) }

// recorder is a RequestCallback that buffers what it is told.
type recorder struct {
	sent chan struct{}
	resp chan *Response
	errs chan error
}

func newRecorder() *recorder {
	return &recorder{
		sent: make(chan struct{}, 4),
		resp: make(chan *Response, 4),
		errs: make(chan error, 4),
	}
}

func (r *recorder) OnRequestSent(context.Context)                { r.sent <- struct{}{} }
func (r *recorder) OnResponse(_ context.Context, resp *Response) { r.resp <- resp }
func (r *recorder) OnError(_ context.Context, err error)         { r.errs <- err }

func (r *recorder) waitSent(t *testing.T) {
	t.Helper()
	select {
	case <-r.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("request was not reported sent")
	}
}

func (r *recorder) waitResponse(t *testing.T) *Response {
	t.Helper()
	select {
	case resp := <-r.resp:
		return resp
	case err := <-r.errs:
		t.Fatalf("expected a response, got error %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("no response delivered")
	}
	return nil
}

func (r *recorder) waitError(t *testing.T) *transport.Error {
	t.Helper()
	select {
	case err := <-r.errs:
		var te *transport.Error
		require.ErrorAs(t, err, &te)
		return te
	case resp := <-r.resp:
		t.Fatalf("expected an error, got response %q", resp.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("no error delivered")
	}
	return nil
}

func envelope(kind wire.RpcKind, name string) []byte {
	return codec.WriteEnvelope(name, codec.MessageTypeFor(kind), 7, []byte("body"))
}

func responsePayload(body string, kv ...string) wire.Payload {
	h := new(wire.ResponseHeader)
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return wire.NewResponsePayload(h, []byte(body))
}

func newTestChannel(t *testing.T, connected bool, opt *Option) (*ClientChannel, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport(connected)
	ch, err := NewClientChannel(ft, opt)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch, ft
}
