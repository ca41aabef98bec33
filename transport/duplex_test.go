package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Lubby-ch/protorpc-channel/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) add(e string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *recordingObserver) OnConnected()         { o.add("connected") }
func (o *recordingObserver) OnDisconnected(error) { o.add("disconnected") }
func (o *recordingObserver) OnClosed(error)       { o.add("closed") }

func (o *recordingObserver) Events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func request(name string, kind wire.RpcKind) wire.Payload {
	h := new(wire.RequestHeader)
	h.SetProtocol(wire.CompactProtocol)
	h.SetName(name)
	h.SetKind(kind)
	return wire.NewRequestPayload(h, []byte("ping"))
}

// echoHandler answers by method name: echo, fail, count, note and hang.
func echoHandler(notes chan<- []byte) Handler {
	return HandlerFunc(func(ctx context.Context, h *wire.RequestHeader, payload []byte, rc ResponseChannel) {
		switch h.Name() {
		case "echo":
			rh := new(wire.ResponseHeader)
			rh.SetOtherMetadata(h.OtherMetadata())
			rh.Set("method", h.Name())
			rc.SendResponse(rh, payload)
		case "fail":
			rc.SendError(wire.Application, "boom")
		case "count":
			rc.SendResponse(new(wire.ResponseHeader), []byte("head"))
			for i := 0; i < 100; i++ {
				if err := rc.SendStreamItem(ctx, []byte{byte(i)}); err != nil {
					return
				}
			}
			rc.CompleteStream()
		case "note":
			notes <- payload
		case "hang":
		}
	})
}

func newPipeDuplex(t *testing.T, h Handler) (*Duplex, context.CancelFunc) {
	a, b := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	go ServeDuplex(ctx, NewStreamFrameConn(b, DefaultFrameOptions), h, nil)

	d, err := NewDuplex(NewStreamFrameConn(a, DefaultFrameOptions), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		d.Close()
		cancel()
	})
	return d, cancel
}

func TestDuplexRequestResponse(t *testing.T) {
	d, _ := newPipeDuplex(t, echoHandler(nil))
	ctx := context.Background()

	p, err := d.RequestResponse(ctx, request("echo", wire.SingleResponse))
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), p.Data)
	rh, err := wire.UnmarshalResponseHeader(p.Metadata)
	require.NoError(t, err)
	method, _ := rh.Get("method")
	assert.Equal(t, "echo", method)
	assert.True(t, d.IsDetachable())

	_, err = d.RequestResponse(ctx, request("fail", wire.SingleResponse))
	assert.ErrorIs(t, err, ErrApplication)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "boom", te.Message)
	assert.True(t, te.ChannelValid)
}

func TestDuplexFireAndForget(t *testing.T) {
	notes := make(chan []byte, 1)
	d, _ := newPipeDuplex(t, echoHandler(notes))

	require.NoError(t, d.FireAndForget(context.Background(), request("note", wire.NoResponse)))
	select {
	case got := <-notes:
		assert.Equal(t, []byte("ping"), got)
	case <-time.After(5 * time.Second):
		t.Fatal("oneway request never reached the handler")
	}
	assert.True(t, d.IsDetachable())
}

func TestDuplexStreamHonoursCredit(t *testing.T) {
	d, _ := newPipeDuplex(t, echoHandler(nil))
	ctx := context.Background()

	s, err := d.RequestStream(ctx, request("count", wire.StreamingResponse))
	require.NoError(t, err)
	head, err := s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("head"), head.Data)

	for i := 0; i < 100; i++ {
		p, err := s.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, p.Data)
	}
	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, d.IsDetachable())
}

func TestDuplexStreamCancel(t *testing.T) {
	stopped := make(chan error, 1)
	d, _ := newPipeDuplex(t, HandlerFunc(func(ctx context.Context, h *wire.RequestHeader, payload []byte, rc ResponseChannel) {
		rc.SendResponse(new(wire.ResponseHeader), nil)
		for {
			if err := rc.SendStreamItem(ctx, []byte("x")); err != nil {
				stopped <- err
				return
			}
		}
	}))
	ctx := context.Background()

	s, err := d.RequestStream(ctx, request("forever", wire.StreamingResponse))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.Recv(ctx)
		require.NoError(t, err)
	}
	s.Cancel()
	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, d.IsDetachable())

	select {
	case err := <-stopped:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server kept streaming after cancel")
	}
}

func TestDuplexRequestTimeout(t *testing.T) {
	d, _ := newPipeDuplex(t, echoHandler(nil))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.RequestResponse(ctx, request("hang", wire.SingleResponse))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, d.IsDetachable())
}

func TestDuplexRejectsBadRequests(t *testing.T) {
	d, _ := newPipeDuplex(t, echoHandler(nil))
	ctx := context.Background()

	_, err := d.RequestResponse(ctx, request("echo", wire.StreamingResponse))
	assert.ErrorIs(t, err, ErrInvalidRpcKind)

	_, err = d.RequestResponse(ctx, wire.Payload{Metadata: []byte{0xff}})
	assert.ErrorIs(t, err, ErrCorruptedData)
}

func TestDuplexConnectionLost(t *testing.T) {
	d, stopServer := newPipeDuplex(t, echoHandler(nil))
	obs := new(recordingObserver)
	d.SetStatusObserver(obs)
	assert.Equal(t, []string{"connected"}, obs.Events())

	errc := make(chan error, 1)
	go func() {
		_, err := d.RequestResponse(context.Background(), request("hang", wire.SingleResponse))
		errc <- err
	}()
	require.Eventually(t, func() bool { return !d.IsDetachable() }, 5*time.Second, 5*time.Millisecond)

	stopServer()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrNetwork)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request survived connection loss")
	}
	assert.Eventually(t, func() bool { return len(obs.Events()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"connected", "disconnected"}, obs.Events())

	_, err := d.RequestResponse(context.Background(), request("echo", wire.SingleResponse))
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestDuplexClose(t *testing.T) {
	d, _ := newPipeDuplex(t, echoHandler(nil))
	obs := new(recordingObserver)
	d.SetStatusObserver(obs)

	errc := make(chan error, 1)
	go func() {
		_, err := d.RequestResponse(context.Background(), request("hang", wire.SingleResponse))
		errc <- err
	}()
	require.Eventually(t, func() bool { return !d.IsDetachable() }, 5*time.Second, 5*time.Millisecond)

	d.Close()
	assert.ErrorIs(t, <-errc, ErrNotOpen)
	assert.Equal(t, []string{"connected", "closed"}, obs.Events())
	assert.ErrorIs(t, d.FireAndForget(context.Background(), request("note", wire.NoResponse)), ErrNotOpen)

	late := new(recordingObserver)
	d.SetStatusObserver(late)
	assert.Equal(t, []string{"closed"}, late.Events())
}

func TestServeDuplexRejectsVersion(t *testing.T) {
	a, b := net.Pipe()
	ca := NewStreamFrameConn(a, DefaultFrameOptions)
	defer ca.Close()

	done := make(chan error, 1)
	go func() {
		done <- ServeDuplex(context.Background(), NewStreamFrameConn(b, DefaultFrameOptions), echoHandler(nil), nil)
	}()
	require.NoError(t, ca.WriteFrame(&Frame{Type: FrameSetup, Data: []byte{0, 1, 0, 0}}))

	f, err := ca.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, FrameError, f.Type)
	assert.Error(t, <-done)
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))
	assert.ErrorIs(t, FromError(context.DeadlineExceeded), ErrTimedOut)
	assert.ErrorIs(t, FromError(context.Canceled), ErrCancelled)
	assert.ErrorIs(t, FromError(errors.New("reset")), ErrNetwork)
	assert.ErrorIs(t, FromError(&wire.HeaderError{Kind: wire.BadHeader}), &Error{Kind: wire.BadHeader})

	wrapped := FromError(NewError(wire.TooManyRequests, "full"))
	assert.ErrorIs(t, wrapped, ErrTooManyRequests)
	assert.NotErrorIs(t, wrapped, ErrNotOpen)
}
