package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/Lubby-ch/protorpc-channel/codec"
	"github.com/Lubby-ch/protorpc-channel/transport"
	"github.com/Lubby-ch/protorpc-channel/wire"
	"github.com/golang/protobuf/proto"
	"go.uber.org/zap"
)

// Server dispatches requests to registered services. It implements
// transport.Handler, so one Server can sit behind any mix of listeners.
type Server struct {
	serviceMap    sync.Map
	serializer    codec.Serializer
	log           *zap.Logger
	handleTimeout time.Duration
	slots         chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithServerLogger(log *zap.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithHandleTimeout bounds handlers of requests that carry no client timeout.
func WithHandleTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.handleTimeout = d }
}

// WithMaxConcurrency bounds the handlers running at once. Requests beyond the
// bound wait up to their queue timeout.
func WithMaxConcurrency(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.slots = make(chan struct{}, n)
		}
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		serializer: codec.ProtoSerializer{},
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var DefaultServer = NewServer()

// Accept serves duplex connections from lis until ctx is done.
func (server *Server) Accept(ctx context.Context, lis net.Listener) error {
	return transport.ServeTCP(ctx, lis, server, transport.DefaultFrameOptions, server.log)
}

// ServerConn serves a single duplex connection and blocks until it ends.
func (server *Server) ServerConn(ctx context.Context, conn io.ReadWriteCloser) error {
	return transport.ServeDuplex(ctx, transport.NewStreamFrameConn(conn, transport.DefaultFrameOptions), server, server.log)
}

// WebSocketHandler serves duplex connections over websocket upgrades.
func (server *Server) WebSocketHandler() http.Handler {
	return transport.NewWebSocketHandler(server, transport.DefaultFrameOptions, server.log)
}

// HTTP2Handler serves unary and no-response calls sent over HTTP/2.
func (server *Server) HTTP2Handler() http.Handler {
	return transport.NewHTTP2Handler(server, server.log)
}

func Accept(ctx context.Context, lis net.Listener) error { return DefaultServer.Accept(ctx, lis) }

func (server *Server) Register(i interface{}) error {
	s, err := newService(i, server.log)
	if err != nil {
		return err
	}
	if _, loaded := server.serviceMap.LoadOrStore(s.name, s); loaded {
		return fmt.Errorf("rpc: service %s is already registered", s.name)
	}
	return nil
}

func Register(i interface{}) error {
	return DefaultServer.Register(i)
}

func (server *Server) findService(serviceMethod string) (svc *service, mtype *methodType, err error) {
	strs := strings.Split(serviceMethod, ".")
	if len(strs) != 2 {
		err = errors.New("rpc server: service/method request ill-formed: " + serviceMethod)
		return
	}
	svcInter, ok := server.serviceMap.Load(strs[0])
	if !ok {
		err = errors.New("rpc server: can't find service " + strs[0])
		return
	}
	svc = svcInter.(*service)
	mtype = svc.method[strs[1]]
	if mtype == nil {
		err = fmt.Errorf("rpc server: service %s can't find method %s", strs[0], serviceMethod)
	}
	return
}

// OnRequest decodes and runs one request, answering on rc.
func (server *Server) OnRequest(ctx context.Context, h *wire.RequestHeader, payload []byte, rc transport.ResponseChannel) {
	log := server.log.With(zap.String("method", h.Name()), zap.Stringer("kind", h.Kind()))
	svc, mtype, err := server.findService(h.Name())
	if err != nil {
		rc.SendError(wire.Application, err.Error())
		return
	}
	if !mtype.accepts(h.Kind()) {
		rc.SendError(wire.InvalidRpcKind, fmt.Sprintf("rpc server: %s does not serve %s calls", h.Name(), h.Kind()))
		return
	}
	argv := mtype.newArgv()
	if err := server.serializer.Unmarshal(payload, argv.Interface()); err != nil {
		rc.SendError(wire.CorruptedData, "rpc server: read body: "+err.Error())
		return
	}

	if !server.acquire(ctx, h) {
		log.Warn("rpc server: request shed", zap.Error(ctx.Err()))
		rc.SendError(wire.TooManyRequests, "rpc server: queue timeout")
		return
	}

	timeout := server.handleTimeout
	if ms, ok := h.ClientTimeoutMs(); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	if timeout > 0 && !mtype.streaming() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if mtype.streaming() {
		defer server.release()
		server.handleStream(ctx, svc, mtype, argv, rc, log)
		return
	}
	server.handleRequest(ctx, svc, mtype, argv, h.Kind(), rc, log)
}

func (server *Server) acquire(ctx context.Context, h *wire.RequestHeader) bool {
	if server.slots == nil {
		return true
	}
	select {
	case server.slots <- struct{}{}:
		return true
	default:
	}
	var expired <-chan time.Time
	if ms, ok := h.QueueTimeoutMs(); ok && ms > 0 {
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		expired = t.C
	}
	select {
	case server.slots <- struct{}{}:
		return true
	case <-expired:
		return false
	case <-ctx.Done():
		return false
	}
}

func (server *Server) release() {
	if server.slots != nil {
		<-server.slots
	}
}

func (server *Server) handleRequest(ctx context.Context, svc *service, mtype *methodType, argv reflect.Value, kind wire.RpcKind, rc transport.ResponseChannel, log *zap.Logger) {
	replyv := mtype.newReplyv()
	called := make(chan error, 1)
	// The slot stays taken until the handler returns, even after a timeout
	// answered the caller.
	go func() {
		defer server.release()
		called <- svc.call(mtype, argv, replyv)
	}()

	select {
	case <-ctx.Done():
		log.Warn("rpc server: request handle timeout", zap.Error(ctx.Err()))
		rc.SendError(wire.TimedOut, "rpc server: request handle timeout")
	case err := <-called:
		if kind == wire.NoResponse {
			if err != nil {
				log.Info("rpc server: oneway handler failed", zap.Error(err))
			}
			return
		}
		if err != nil {
			rc.SendError(wire.Application, err.Error())
			return
		}
		body, err := server.serializer.Marshal(replyv.Interface())
		if err != nil {
			rc.SendError(wire.Application, "rpc server: write body: "+err.Error())
			return
		}
		if err := rc.SendResponse(new(wire.ResponseHeader), body); err != nil {
			log.Warn("rpc server: send response", zap.Error(err))
		}
	}
}

func (server *Server) handleStream(ctx context.Context, svc *service, mtype *methodType, argv reflect.Value, rc transport.ResponseChannel, log *zap.Logger) {
	stream := &ServerStream{ctx: ctx, rc: rc, serializer: server.serializer}
	err := svc.call(mtype, argv, reflect.ValueOf(stream))
	if err != nil {
		if errors.Is(err, transport.ErrCancelled) || errors.Is(err, context.Canceled) {
			return
		}
		rc.SendError(wire.Application, err.Error())
		return
	}
	if err := rc.CompleteStream(); err != nil {
		log.Debug("rpc server: complete stream", zap.Error(err))
	}
}

// ServerStream is handed to streaming methods to send their messages. The
// first message becomes the response, the rest follow as stream items.
type ServerStream struct {
	ctx        context.Context
	rc         transport.ResponseChannel
	serializer codec.Serializer
	headSent   bool
}

// Context is done when the caller cancels the stream.
func (s *ServerStream) Context() context.Context { return s.ctx }

// Send sends one message, waiting while the caller has no room for it.
func (s *ServerStream) Send(msg proto.Message) error {
	body, err := s.serializer.Marshal(msg)
	if err != nil {
		return err
	}
	if !s.headSent {
		s.headSent = true
		return s.rc.SendResponse(new(wire.ResponseHeader), body)
	}
	return s.rc.SendStreamItem(s.ctx, body)
}
