package rpc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Lubby-ch/protorpc-channel/transport"
	"github.com/Lubby-ch/protorpc-channel/wire"
)

// StreamObserver receives the items after the head of a streaming response,
// in order, followed by exactly one of OnError or OnComplete. Methods run on
// the call's executor.
type StreamObserver interface {
	OnNext(ctx context.Context, body []byte)
	OnError(ctx context.Context, err error)
	OnComplete(ctx context.Context)
}

// StreamFuncs adapts functions to StreamObserver. Nil fields are skipped.
type StreamFuncs struct {
	Next     func(ctx context.Context, body []byte)
	Error    func(ctx context.Context, err error)
	Complete func(ctx context.Context)
}

func (f StreamFuncs) OnNext(ctx context.Context, body []byte) {
	if f.Next != nil {
		f.Next(ctx, body)
	}
}

func (f StreamFuncs) OnError(ctx context.Context, err error) {
	if f.Error != nil {
		f.Error(ctx, err)
	}
}

func (f StreamFuncs) OnComplete(ctx context.Context) {
	if f.Complete != nil {
		f.Complete(ctx)
	}
}

// Stream is the tail of a streaming response. It may be subscribed once.
type Stream struct {
	tail         transport.Stream
	ctx          context.Context
	cancel       context.CancelFunc
	exec         Executor
	chunkTimeout time.Duration

	subscribed atomic.Bool
	cancelled  atomic.Bool

	// onTerminate releases the call's slot on the channel.
	onTerminate func()
	terminate   sync.Once
}

func newStream(ctx context.Context, cancel context.CancelFunc, tail transport.Stream, exec Executor, chunkTimeout time.Duration, onTerminate func()) *Stream {
	return &Stream{
		tail:         tail,
		ctx:          ctx,
		cancel:       cancel,
		exec:         exec,
		chunkTimeout: chunkTimeout,
		onTerminate:  onTerminate,
	}
}

// Subscribe starts delivery to o. A second call panics.
func (s *Stream) Subscribe(o StreamObserver) {
	if s.subscribed.Swap(true) {
		panic("rpc: stream subscribed twice")
	}
	go s.pump(o)
}

// Cancel stops the stream. A subscribed observer gets a Cancelled error.
func (s *Stream) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	s.tail.Cancel()
	s.cancel()
	if !s.subscribed.Load() {
		s.finish()
	}
}

func (s *Stream) finish() {
	s.terminate.Do(func() {
		s.cancel()
		if s.onTerminate != nil {
			s.onTerminate()
		}
	})
}

func (s *Stream) pump(o StreamObserver) {
	defer s.finish()
	ctx := WithExecutor(s.ctx, s.exec)
	for {
		body, err := s.next()
		switch {
		case err == nil:
			s.exec.Add(func() { o.OnNext(ctx, body) })
		case errors.Is(err, io.EOF):
			s.exec.Add(func() { o.OnComplete(ctx) })
			return
		default:
			s.exec.Add(func() { o.OnError(ctx, err) })
			return
		}
	}
}

func (s *Stream) next() ([]byte, error) {
	if s.cancelled.Load() {
		return nil, &transport.Error{Kind: wire.Cancelled, Message: "stream cancelled", ChannelValid: true}
	}
	ctx, cancel := s.ctx, context.CancelFunc(func() {})
	if s.chunkTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.chunkTimeout)
	}
	p, err := s.tail.Recv(ctx)
	cancel()
	switch {
	case err == nil:
		return p.Data, nil
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	case s.cancelled.Load():
		return nil, &transport.Error{Kind: wire.Cancelled, Message: "stream cancelled", ChannelValid: true}
	case errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil:
		return nil, &transport.Error{Kind: wire.TimedOut, Message: "no stream item within chunk timeout", ChannelValid: true, Err: err}
	}
	return nil, transport.FromError(err)
}
