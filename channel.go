package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Lubby-ch/protorpc-channel/codec"
	"github.com/Lubby-ch/protorpc-channel/transport"
	"github.com/Lubby-ch/protorpc-channel/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Log one in every tooManyLogEvery admission rejections.
const tooManyLogEvery = 100

// ClientChannel sends enveloped requests over a transport. Its state is owned
// by a single executor; Send may be called from any goroutine.
type ClientChannel struct {
	transport transport.Transport
	log       *zap.Logger
	metrics   *Metrics
	ownLoop   *EventLoop
	self      *channelExecutor
	executor  atomic.Pointer[executorHolder]
	closeOnce sync.Once
	closeErr  error

	// owned by the executor
	counter      *pendingCounter
	status       connectionStatus
	defaults     connDefaults
	calls        map[uuid.UUID]*PendingCall
	onDetachable func()
	rejected     uint64
	closed       bool
}

type executorHolder struct{ e Executor }

// channelExecutor runs tasks on whichever executor currently owns the channel.
type channelExecutor struct{ c *ClientChannel }

func (e *channelExecutor) Add(task func()) { e.c.run(task) }

// NewClientChannel wraps t. The channel counts as connected once the
// transport reports so, which an open transport does immediately.
func NewClientChannel(t transport.Transport, opts ...*Option) (*ClientChannel, error) {
	opt, err := parseOptions(opts...)
	if err != nil {
		return nil, err
	}
	c := &ClientChannel{
		transport: t,
		log:       opt.Logger,
		metrics:   opt.Metrics,
		calls:     make(map[uuid.UUID]*PendingCall),
		defaults: connDefaults{
			protocol:   opt.Protocol,
			host:       opt.Host,
			url:        opt.URL,
			persistent: copyHeaders(opt.PersistentHeaders),
		},
	}
	c.self = &channelExecutor{c: c}
	c.counter = newPendingCounter(c.onCounterZero)
	c.counter.setMaximum(opt.MaxPendingRequests)

	exec := opt.Executor
	if exec == nil {
		c.ownLoop = NewEventLoop()
		exec = c.ownLoop
	}
	c.executor.Store(&executorHolder{e: exec})
	t.SetStatusObserver(statusObserver{c})
	return c, nil
}

// run executes fn on the channel's executor. A task that finds the executor
// was replaced while it waited moves itself to the new one.
func (c *ClientChannel) run(fn func()) {
	h := c.executor.Load()
	h.e.Add(func() {
		if cur := c.executor.Load(); cur != h {
			c.run(fn)
			return
		}
		fn()
	})
}

// runWait executes fn on the channel's executor and waits for it.
func (c *ClientChannel) runWait(fn func()) {
	done := make(chan struct{})
	c.run(func() {
		fn()
		close(done)
	})
	<-done
}

func (c *ClientChannel) onExecutor(ctx context.Context) bool {
	e := ExecutorFrom(ctx)
	if e == nil {
		return false
	}
	if e == Executor(c.self) {
		return true
	}
	return e == c.executor.Load().e
}

// SendRequest sends a single-response call.
func (c *ClientChannel) SendRequest(ctx context.Context, opts *CallOptions, payload []byte, cb RequestCallback) *PendingCall {
	return c.Send(ctx, wire.SingleResponse, opts, payload, cb)
}

// SendOneway sends a no-response call.
func (c *ClientChannel) SendOneway(ctx context.Context, opts *CallOptions, payload []byte, cb RequestCallback) *PendingCall {
	return c.Send(ctx, wire.NoResponse, opts, payload, cb)
}

// SendStream sends a streaming call. The response carries the first item and
// the Stream of the rest.
func (c *ClientChannel) SendStream(ctx context.Context, opts *CallOptions, payload []byte, cb RequestCallback) *PendingCall {
	return c.Send(ctx, wire.StreamingResponse, opts, payload, cb)
}

// Send dispatches an enveloped payload as a call of the given kind. The
// outcome is delivered to cb; an unknown kind panics. Cancelling ctx cancels
// the call.
func (c *ClientChannel) Send(ctx context.Context, kind wire.RpcKind, opts *CallOptions, payload []byte, cb RequestCallback) *PendingCall {
	if !kind.Valid() {
		panic(fmt.Sprintf("rpc: unknown call kind %d", int32(kind)))
	}
	if opts == nil {
		opts = new(CallOptions)
	}
	if cb == nil {
		cb = CallbackFuncs{}
	}
	exec := opts.Executor
	if exec == nil {
		exec = c.self
	}
	call := &PendingCall{
		id:   uuid.New(),
		kind: kind,
		ch:   c,
		cb:   newResponseCallback(ctx, cb, exec),
		exec: exec,
	}
	c.run(func() { c.dispatch(ctx, call, opts, payload) })
	return call
}

// SendSync sends a call and waits for its outcome. For a no-response call
// the outcome is the request being sent. Calling it from the channel's own
// executor would deadlock and panics instead.
func (c *ClientChannel) SendSync(ctx context.Context, kind wire.RpcKind, opts *CallOptions, payload []byte) (*Response, error) {
	if c.onExecutor(ctx) {
		panic("rpc: SendSync called from the channel's executor")
	}
	var o CallOptions
	if opts != nil {
		o = *opts
	}
	o.Executor = InlineExecutor{}

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	cb := CallbackFuncs{
		Response: func(_ context.Context, resp *Response) { done <- result{resp: resp} },
		Error:    func(_ context.Context, err error) { done <- result{err: err} },
	}
	if kind == wire.NoResponse {
		cb.Sent = func(context.Context) { done <- result{} }
	}
	c.Send(ctx, kind, &o, payload, cb)
	r := <-done
	return r.resp, r.err
}

func (c *ClientChannel) dispatch(ctx context.Context, call *PendingCall, opts *CallOptions, payload []byte) {
	if err := ctx.Err(); err != nil {
		call.fail(transport.FromError(err))
		return
	}
	if c.closed || !c.status.isConnected() {
		call.fail(&transport.Error{Kind: wire.NotOpen, Message: "connection is not open"})
		return
	}
	if !c.counter.tryIncrement() {
		c.rejected++
		c.metrics.reject()
		if c.rejected%tooManyLogEvery == 1 {
			c.log.Error("Too many active requests on connection",
				zap.Uint32("max", c.counter.maximum()),
				zap.Uint64("rejected", c.rejected))
		}
		call.fail(&transport.Error{Kind: wire.TooManyRequests, Message: "too many active requests on connection", ChannelValid: true})
		return
	}
	c.calls[call.id] = call
	c.metrics.setPending(c.counter.value())

	header := buildRequestHeader(call.kind, opts, &c.defaults)
	body, err := codec.StripEnvelope(header, payload)
	if err != nil {
		c.release(call)
		call.fail(&transport.Error{Kind: wire.CorruptedData, Message: "invalid envelope", ChannelValid: true, Err: err})
		return
	}
	header.SetSeqID(0)
	p := wire.NewRequestPayload(header, body)

	tctx, cancel := context.WithCancel(ctx)
	call.cancel = cancel
	call.stopCtx = context.AfterFunc(ctx, func() { call.cancelWith(transport.FromError(ctx.Err())) })

	log := c.log.With(zap.String("kind", call.kind.String()), zap.Stringer("call", call.id))
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	switch call.kind {
	case wire.NoResponse:
		go c.sendOneway(tctx, call, p)
	case wire.SingleResponse:
		call.cb.requestSent()
		go c.sendSingle(tctx, call, p, timeout, log)
	case wire.StreamingResponse:
		call.cb.requestSent()
		go c.sendStream(tctx, call, p, timeout, opts.ChunkTimeout, log)
	}
}

func (c *ClientChannel) sendOneway(ctx context.Context, call *PendingCall, p wire.Payload) {
	err := c.transport.FireAndForget(ctx, p)
	c.run(func() {
		c.release(call)
		if err != nil {
			call.fail(transport.FromError(err))
			return
		}
		if call.cb.sentFinal() {
			c.metrics.observe(call.kind, "ok")
		}
	})
}

func (c *ClientChannel) sendSingle(ctx context.Context, call *PendingCall, p wire.Payload, timeout time.Duration, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := c.transport.RequestResponse(ctx, p)
	c.run(func() {
		c.release(call)
		if err != nil {
			log.Debug("request failed", zap.Error(err))
			call.fail(transport.FromError(err))
			return
		}
		h, err := wire.UnmarshalResponseHeader(resp.Metadata)
		if err != nil {
			call.fail(&transport.Error{Kind: wire.CorruptedData, Message: "bad response metadata", ChannelValid: true, Err: err})
			return
		}
		call.respond(&Response{Header: h, Body: resp.Data})
	})
}

func (c *ClientChannel) sendStream(ctx context.Context, call *PendingCall, p wire.Payload, timeout, chunkTimeout time.Duration, log *zap.Logger) {
	fail := func(err error) {
		c.run(func() {
			c.release(call)
			call.fail(err)
		})
	}
	tail, err := c.transport.RequestStream(ctx, p)
	if err != nil {
		fail(transport.FromError(err))
		return
	}
	hctx, hcancel := context.WithTimeout(ctx, timeout)
	head, err := tail.Recv(hctx)
	hcancel()
	if err != nil {
		tail.Cancel()
		if errors.Is(err, io.EOF) {
			err = &transport.Error{Kind: wire.MissingBody, Message: "stream completed without a response", ChannelValid: true}
		}
		log.Debug("stream failed before its first item", zap.Error(err))
		fail(transport.FromError(err))
		return
	}
	h, err := wire.UnmarshalResponseHeader(head.Metadata)
	if err != nil {
		tail.Cancel()
		fail(&transport.Error{Kind: wire.CorruptedData, Message: "bad response metadata", ChannelValid: true, Err: err})
		return
	}

	sctx, scancel := context.WithCancel(ctx)
	st := newStream(sctx, scancel, tail, call.exec, chunkTimeout, func() {
		c.run(func() { c.release(call) })
	})
	c.run(func() {
		call.stream = st
		if !call.respond(&Response{Header: h, Body: head.Data, Stream: st}) {
			st.Cancel()
		}
	})
}

// release returns the call's counter slot if it still holds one and cancels
// the context its transport operation ran under.
func (c *ClientChannel) release(call *PendingCall) {
	if _, ok := c.calls[call.id]; !ok {
		return
	}
	delete(c.calls, call.id)
	if call.stopCtx != nil {
		call.stopCtx()
	}
	if call.cancel != nil {
		call.cancel()
	}
	c.counter.decrement()
	c.metrics.setPending(c.counter.value())
}

func (c *ClientChannel) onCounterZero() {
	if c.onDetachable != nil && c.transport.IsDetachable() {
		c.onDetachable()
	}
}

// Close fails every call still awaiting its outcome with a Cancelled error
// and closes the transport. The failures are delivered on the channel's
// executor after Close returns, so Close may be called from a callback.
func (c *ClientChannel) Close() error {
	c.closeOnce.Do(func() {
		c.run(func() {
			c.closed = true
			c.status.setCloseCallback(nil)
			c.onDetachable = nil
			for _, call := range c.calls {
				c.release(call)
				call.abort()
				call.fail(&transport.Error{Kind: wire.Cancelled, Message: "channel closed"})
			}
		})
		c.closeErr = c.transport.Close()
		if c.ownLoop != nil {
			c.ownLoop.stop()
		}
	})
	return c.closeErr
}

// SetMaxPendingRequests bounds the calls in flight; 0 means unbounded.
func (c *ClientChannel) SetMaxPendingRequests(n uint32) {
	c.run(func() { c.counter.setMaximum(n) })
}

// SaturationStatus returns the calls in flight and the current bound.
func (c *ClientChannel) SaturationStatus() (pending, max uint32) {
	return c.counter.value(), c.counter.maximum()
}

// IsDetachable reports whether no call is in flight on the channel or in
// its transport. It is evaluated on every call.
func (c *ClientChannel) IsDetachable() bool {
	return c.counter.value() == 0 && c.transport.IsDetachable()
}

var ErrNotDetachable = errors.New("rpc: channel has requests in flight")

// AttachExecutor moves the channel's state to e. It fails unless the channel
// is detachable; e must run tasks serially and in order. ctx marks the caller
// as running on the channel's executor, as a callback's context does.
func (c *ClientChannel) AttachExecutor(ctx context.Context, e Executor) error {
	var err error
	attach := func() {
		if !c.IsDetachable() {
			err = ErrNotDetachable
			return
		}
		c.executor.Store(&executorHolder{e: e})
	}
	if c.onExecutor(ctx) {
		attach()
	} else {
		c.runWait(attach)
	}
	return err
}

// SetCloseCallback registers cb to be told when the connection is lost.
func (c *ClientChannel) SetCloseCallback(cb CloseCallback) {
	c.run(func() { c.status.setCloseCallback(cb) })
}

// SetDetachableCallback registers fn to run on the channel's executor each
// time the channel becomes detachable.
func (c *ClientChannel) SetDetachableCallback(fn func()) {
	c.run(func() { c.onDetachable = fn })
}

// SetPersistentHeader adds a header sent with every later request, unless
// the request sets the key itself.
func (c *ClientChannel) SetPersistentHeader(key, value string) {
	c.run(func() {
		if c.defaults.persistent == nil {
			c.defaults.persistent = make(map[string]string)
		}
		c.defaults.persistent[key] = value
	})
}

// statusObserver moves transport status reports onto the channel's executor.
type statusObserver struct{ c *ClientChannel }

func (o statusObserver) OnConnected() {
	o.c.run(o.c.status.onConnected)
}

func (o statusObserver) OnDisconnected(err error) {
	o.c.log.Warn("connection lost", zap.Error(err))
	o.c.run(o.c.status.onDisconnected)
}

func (o statusObserver) OnClosed(error) {
	o.c.run(o.c.status.onClosed)
}

// PendingCall is the handle of one sent call.
type PendingCall struct {
	id   uuid.UUID
	kind wire.RpcKind
	ch   *ClientChannel
	cb   *responseCallback
	exec Executor

	// owned by the channel's executor
	cancel  context.CancelFunc
	stopCtx func() bool
	stream  *Stream
}

func (p *PendingCall) ID() uuid.UUID { return p.id }

// Cancel abandons the call. If its outcome has not been delivered yet the
// callback receives a Cancelled error; an established stream is cancelled.
func (p *PendingCall) Cancel() {
	p.cancelWith(&transport.Error{Kind: wire.Cancelled, Message: "call cancelled", ChannelValid: true})
}

func (p *PendingCall) cancelWith(err error) {
	p.ch.run(func() {
		p.ch.release(p)
		p.abort()
		p.fail(err)
	})
}

func (p *PendingCall) abort() {
	if p.stream != nil {
		p.stream.Cancel()
	}
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *PendingCall) fail(err error) {
	if !p.cb.fail(err) {
		return
	}
	outcome := "error"
	if errors.Is(err, transport.ErrCancelled) {
		outcome = "cancelled"
	}
	p.ch.metrics.observe(p.kind, outcome)
}

func (p *PendingCall) respond(resp *Response) bool {
	if !p.cb.response(resp) {
		return false
	}
	p.ch.metrics.observe(p.kind, "ok")
	return true
}

func copyHeaders(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
