package rpc

import (
	"context"
	"sync/atomic"

	"github.com/Lubby-ch/protorpc-channel/wire"
)

// Response is the successful outcome of a call.
type Response struct {
	Header *wire.ResponseHeader
	Body   []byte
	// Stream is the rest of a streaming response; nil for other calls.
	Stream *Stream
}

// RequestCallback receives the outcome of one call. OnRequestSent may come
// first; then exactly one of OnResponse or OnError. All methods run on the
// call's executor and receive a context marked with it.
//
// A no-response call ends with OnRequestSent, or OnError if it could not be sent.
type RequestCallback interface {
	OnRequestSent(ctx context.Context)
	OnResponse(ctx context.Context, resp *Response)
	OnError(ctx context.Context, err error)
}

// CallbackFuncs adapts functions to RequestCallback. Nil fields are skipped.
type CallbackFuncs struct {
	Sent     func(ctx context.Context)
	Response func(ctx context.Context, resp *Response)
	Error    func(ctx context.Context, err error)
}

func (f CallbackFuncs) OnRequestSent(ctx context.Context) {
	if f.Sent != nil {
		f.Sent(ctx)
	}
}

func (f CallbackFuncs) OnResponse(ctx context.Context, resp *Response) {
	if f.Response != nil {
		f.Response(ctx, resp)
	}
}

func (f CallbackFuncs) OnError(ctx context.Context, err error) {
	if f.Error != nil {
		f.Error(ctx, err)
	}
}

// responseCallback delivers at most one terminal outcome to a RequestCallback
// on its executor. Deliveries keep the order in which they were decided.
type responseCallback struct {
	ctx  context.Context
	cb   RequestCallback
	exec Executor

	sent atomic.Bool
	done atomic.Bool
}

func newResponseCallback(ctx context.Context, cb RequestCallback, exec Executor) *responseCallback {
	return &responseCallback{ctx: WithExecutor(ctx, exec), cb: cb, exec: exec}
}

func (r *responseCallback) finished() bool { return r.done.Load() }

// requestSent reports that the request left the process.
func (r *responseCallback) requestSent() {
	if r.done.Load() || r.sent.Swap(true) {
		return
	}
	r.exec.Add(func() { r.cb.OnRequestSent(r.ctx) })
}

// sentFinal is requestSent as the last notification of a no-response call.
func (r *responseCallback) sentFinal() bool {
	if r.done.Swap(true) {
		return false
	}
	if !r.sent.Swap(true) {
		r.exec.Add(func() { r.cb.OnRequestSent(r.ctx) })
	}
	return true
}

func (r *responseCallback) response(resp *Response) bool {
	if r.done.Swap(true) {
		return false
	}
	r.exec.Add(func() { r.cb.OnResponse(r.ctx, resp) })
	return true
}

func (r *responseCallback) fail(err error) bool {
	if r.done.Swap(true) {
		return false
	}
	r.exec.Add(func() { r.cb.OnError(r.ctx, err) })
	return true
}
