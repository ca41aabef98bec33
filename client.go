package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/Lubby-ch/protorpc-channel/codec"
	"github.com/Lubby-ch/protorpc-channel/transport"
	"github.com/Lubby-ch/protorpc-channel/wire"
	"github.com/golang/protobuf/proto"
	"github.com/google/uuid"
)

// Call represents an active RPC.
type Call struct {
	ID            uuid.UUID
	ServiceMethod string        // format "<service>.<method>"
	Args          proto.Message // arguments to the function
	Reply         proto.Message // reply from the function
	Header        *wire.ResponseHeader
	Error         error      // if error occurs, it will be set
	Done          chan *Call // Strobes when call is complete.

	pending *PendingCall
}

func (call *Call) done() {
	call.Done <- call
}

// Cancel abandons the call; Done then receives it with a Cancelled error
// unless it already completed.
func (call *Call) Cancel() {
	if call.pending != nil {
		call.pending.Cancel()
	}
}

// Client calls protobuf methods over a ClientChannel. Method kinds come from
// the client's method table; methods not listed are single-response.
type Client struct {
	ch         *ClientChannel
	methods    codec.MethodTable
	serializer codec.Serializer
	closing    atomic.Bool
}

var ErrShutdown = errors.New("connection is shut down")

func NewClient(ch *ClientChannel, methods codec.MethodTable) *Client {
	return &Client{
		ch:         ch,
		methods:    methods,
		serializer: codec.ProtoSerializer{},
	}
}

// Dial connects to rawurl (tcp://, ws://, wss://, http:// or https://).
func Dial(ctx context.Context, rawurl string, methods codec.MethodTable, opts ...*Option) (*Client, error) {
	ch, err := DialURL(ctx, rawurl, opts...)
	if err != nil {
		return nil, err
	}
	return NewClient(ch, methods), nil
}

// Channel returns the channel under the client.
func (client *Client) Channel() *ClientChannel { return client.ch }

// Close the connection
func (client *Client) Close() error {
	if client.closing.Swap(true) {
		return ErrShutdown
	}
	return client.ch.Close()
}

// IsAvailable return true if the client does work
func (client *Client) IsAvailable() bool {
	return !client.closing.Load()
}

func (client *Client) encode(serviceMethod string, kind wire.RpcKind, args proto.Message) ([]byte, error) {
	body, err := client.serializer.Marshal(args)
	if err != nil {
		return nil, err
	}
	return codec.WriteEnvelope(serviceMethod, codec.MessageTypeFor(kind), 0, body), nil
}

// Go invokes the method asynchronously. The returned Call is sent on done
// when it completes; a nil done allocates one. For a no-response method the
// call completes once the request is sent.
func (client *Client) Go(ctx context.Context, serviceMethod string, args, reply proto.Message, done chan *Call, opts *CallOptions) *Call {
	if done == nil {
		done = make(chan *Call, 10)
	} else if cap(done) == 0 {
		panic("rpc client: done channel is unbuffered")
	}
	call := &Call{
		ServiceMethod: serviceMethod,
		Args:          args,
		Reply:         reply,
		Done:          done,
	}
	if !client.IsAvailable() {
		call.Error = ErrShutdown
		call.done()
		return call
	}
	kind := client.methods.Kind(serviceMethod)
	if kind == wire.StreamingResponse {
		call.Error = fmt.Errorf("rpc client: %s is a streaming method", serviceMethod)
		call.done()
		return call
	}
	payload, err := client.encode(serviceMethod, kind, args)
	if err != nil {
		call.Error = err
		call.done()
		return call
	}

	o := callOptionsOrDefault(opts)
	o.Executor = InlineExecutor{}
	cb := CallbackFuncs{
		Response: func(_ context.Context, resp *Response) {
			call.Header = resp.Header
			if err := client.serializer.Unmarshal(resp.Body, call.Reply); err != nil {
				call.Error = errors.New("reading body " + err.Error())
			}
			call.done()
		},
		Error: func(_ context.Context, err error) {
			call.Error = err
			call.done()
		},
	}
	if kind == wire.NoResponse {
		cb.Sent = func(context.Context) { call.done() }
	}
	call.pending = client.ch.Send(ctx, kind, o, payload, cb)
	call.ID = call.pending.ID()
	return call
}

// Call invokes the method and waits for it to complete.
func (client *Client) Call(ctx context.Context, serviceMethod string, args, reply proto.Message, opts ...*CallOptions) error {
	call := client.Go(ctx, serviceMethod, args, reply, make(chan *Call, 1), firstCallOptions(opts))
	select {
	case call := <-call.Done:
		return call.Error
	case <-ctx.Done():
		call.Cancel()
		return errors.New("rpc client: call failed: " + ctx.Err().Error())
	}
}

// Notify sends a request without waiting for any reply and returns once it
// has been sent.
func (client *Client) Notify(ctx context.Context, serviceMethod string, args proto.Message, opts ...*CallOptions) error {
	if !client.IsAvailable() {
		return ErrShutdown
	}
	payload, err := client.encode(serviceMethod, wire.NoResponse, args)
	if err != nil {
		return err
	}
	_, err = client.ch.SendSync(ctx, wire.NoResponse, firstCallOptions(opts), payload)
	return err
}

// Stream invokes a streaming method. The first message is available from the
// returned stream once Stream returns.
func (client *Client) Stream(ctx context.Context, serviceMethod string, args proto.Message, opts ...*CallOptions) (*ClientStream, error) {
	if !client.IsAvailable() {
		return nil, ErrShutdown
	}
	payload, err := client.encode(serviceMethod, wire.StreamingResponse, args)
	if err != nil {
		return nil, err
	}
	resp, err := client.ch.SendSync(ctx, wire.StreamingResponse, firstCallOptions(opts), payload)
	if err != nil {
		return nil, err
	}
	s := &ClientStream{
		Header:     resp.Header,
		head:       resp.Body,
		stream:     resp.Stream,
		serializer: client.serializer,
		events:     make(chan streamEvent),
		closed:     make(chan struct{}),
	}
	resp.Stream.Subscribe(s.observer())
	return s, nil
}

func callOptionsOrDefault(opts *CallOptions) *CallOptions {
	var o CallOptions
	if opts != nil {
		o = *opts
	}
	return &o
}

func firstCallOptions(opts []*CallOptions) *CallOptions {
	if len(opts) == 0 {
		return nil
	}
	return opts[0]
}

type streamEvent struct {
	body []byte
	err  error
}

// ClientStream reads the messages of a streaming response in order.
type ClientStream struct {
	Header *wire.ResponseHeader

	head       []byte
	headRead   bool
	stream     *Stream
	serializer codec.Serializer
	events     chan streamEvent
	closed     chan struct{}
	closeOnce  sync.Once
	err        error
}

func (s *ClientStream) observer() StreamObserver {
	deliver := func(ev streamEvent) {
		select {
		case s.events <- ev:
		case <-s.closed:
		}
	}
	return StreamFuncs{
		Next:     func(_ context.Context, body []byte) { deliver(streamEvent{body: body}) },
		Error:    func(_ context.Context, err error) { deliver(streamEvent{err: err}) },
		Complete: func(context.Context) { deliver(streamEvent{err: io.EOF}) },
	}
}

// Recv decodes the next message into msg. It returns io.EOF after the last one.
func (s *ClientStream) Recv(msg proto.Message) error {
	if !s.headRead {
		s.headRead = true
		return s.serializer.Unmarshal(s.head, msg)
	}
	if s.err != nil {
		return s.err
	}
	select {
	case <-s.closed:
		return &transport.Error{Kind: wire.Cancelled, Message: "stream closed", ChannelValid: true}
	default:
	}
	select {
	case ev := <-s.events:
		if ev.err != nil {
			s.err = ev.err
			return ev.err
		}
		return s.serializer.Unmarshal(ev.body, msg)
	case <-s.closed:
		return &transport.Error{Kind: wire.Cancelled, Message: "stream closed", ChannelValid: true}
	}
}

// Close cancels the rest of the stream.
func (s *ClientStream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.stream.Cancel()
	})
}
