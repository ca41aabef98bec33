package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/Lubby-ch/protorpc-channel/wire"
	"go.uber.org/zap"
)

var errStreamDone = errors.New("transport: response already completed")

// ServeDuplex answers requests arriving on conn until the connection fails or
// ctx is done. It expects a SETUP frame first and closes conn on return.
func ServeDuplex(ctx context.Context, conn FrameConn, h Handler, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	defer conn.Close()

	if err := readSetup(conn); err != nil {
		conn.WriteFrame(&Frame{Type: FrameError, Metadata: errorHeader(wire.NotOpen), Data: []byte(err.Error())})
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s := &duplexServer{
		conn:    conn,
		handler: h,
		log:     log,
		streams: make(map[uint32]*serverStream),
	}
	var err error
	for {
		var f *Frame
		if f, err = conn.ReadFrame(); err != nil {
			break
		}
		s.handleFrame(ctx, f)
	}
	cancel()
	s.cancelAll()
	s.wg.Wait()

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

func readSetup(conn FrameConn) error {
	f, err := conn.ReadFrame()
	if err != nil {
		return err
	}
	if f.Type != FrameSetup || len(f.Data) < 4 {
		return fmt.Errorf("transport: expected SETUP, got %s", f.Type)
	}
	major := binary.BigEndian.Uint16(f.Data[0:2])
	minor := binary.BigEndian.Uint16(f.Data[2:4])
	if major != ProtocolMajor || minor != ProtocolMinor {
		return fmt.Errorf("transport: unsupported protocol version %d.%d", major, minor)
	}
	return nil
}

func errorHeader(kind wire.ErrorKind) []byte {
	h := new(wire.ResponseHeader)
	h.SetError(kind)
	return h.Marshal()
}

type duplexServer struct {
	conn    FrameConn
	handler Handler
	log     *zap.Logger
	wg      sync.WaitGroup

	mu      sync.Mutex
	streams map[uint32]*serverStream
}

func (s *duplexServer) handleFrame(ctx context.Context, f *Frame) {
	switch f.Type {
	case FrameRequestResponse, FrameRequestFNF, FrameRequestStream:
		s.handleRequest(ctx, f)
	case FrameRequestN:
		if st := s.lookup(f.StreamID); st != nil {
			st.grant(f.N)
		}
	case FrameCancel:
		if st := s.remove(f.StreamID); st != nil {
			st.cancel()
		}
	default:
		s.log.Debug("unexpected frame on server connection", zap.Stringer("type", f.Type), zap.Uint32("stream", f.StreamID))
	}
}

func (s *duplexServer) handleRequest(ctx context.Context, f *Frame) {
	kind := frameKind(f.Type)
	st := &serverStream{srv: s, id: f.StreamID, kind: kind, credits: f.N, creditCh: make(chan struct{}, 1)}
	st.ctx, st.cancel = context.WithCancel(ctx)

	h, err := wire.UnmarshalRequestHeader(f.Metadata)
	if err != nil {
		st.cancel()
		st.SendError(wire.CorruptedData, err.Error())
		return
	}
	if h.Kind() != kind {
		st.cancel()
		st.SendError(wire.InvalidRpcKind, fmt.Sprintf("%s frame carries a %s request", f.Type, h.Kind()))
		return
	}
	if kind != wire.NoResponse {
		s.mu.Lock()
		s.streams[st.id] = st
		s.mu.Unlock()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if kind == wire.NoResponse {
			defer st.cancel()
		}
		s.handler.OnRequest(st.ctx, h, f.Data, st)
	}()
}

func frameKind(t FrameType) wire.RpcKind {
	switch t {
	case FrameRequestFNF:
		return wire.NoResponse
	case FrameRequestStream:
		return wire.StreamingResponse
	}
	return wire.SingleResponse
}

func (s *duplexServer) lookup(id uint32) *serverStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

func (s *duplexServer) remove(id uint32) *serverStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[id]
	delete(s.streams, id)
	return st
}

func (s *duplexServer) cancelAll() {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[uint32]*serverStream)
	s.mu.Unlock()
	for _, st := range streams {
		st.cancel()
	}
}

// serverStream is the ResponseChannel of one request on a duplex connection.
type serverStream struct {
	srv    *duplexServer
	id     uint32
	kind   wire.RpcKind
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	credits  uint32
	done     bool
	creditCh chan struct{}
}

func (st *serverStream) grant(n uint32) {
	st.mu.Lock()
	if st.credits+n < st.credits {
		st.credits = ^uint32(0)
	} else {
		st.credits += n
	}
	st.mu.Unlock()
	select {
	case st.creditCh <- struct{}{}:
	default:
	}
}

// acquire takes one credit, waiting for the caller to grant more.
func (st *serverStream) acquire(ctx context.Context) error {
	for {
		st.mu.Lock()
		if st.done {
			st.mu.Unlock()
			return errStreamDone
		}
		if st.credits > 0 {
			st.credits--
			st.mu.Unlock()
			return nil
		}
		st.mu.Unlock()

		select {
		case <-st.creditCh:
		case <-ctx.Done():
			return ctx.Err()
		case <-st.ctx.Done():
			return &Error{Kind: wire.Cancelled, Message: "stream cancelled by caller"}
		}
	}
}

// finish marks the response complete; it reports false if it already was.
func (st *serverStream) finish() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return false
	}
	st.done = true
	return true
}

func (st *serverStream) write(f *Frame) error {
	f.StreamID = st.id
	if err := st.srv.conn.WriteFrame(f); err != nil {
		return &Error{Kind: wire.NetworkError, Message: "write failed", Err: err}
	}
	return nil
}

func (st *serverStream) SendResponse(h *wire.ResponseHeader, payload []byte) error {
	switch st.kind {
	case wire.NoResponse:
		return nil
	case wire.StreamingResponse:
		if err := st.acquire(st.ctx); err != nil {
			return err
		}
		return st.write(&Frame{Type: FramePayload, Flags: FlagNext, Metadata: h.Marshal(), Data: payload})
	}
	if !st.finish() {
		return errStreamDone
	}
	st.srv.remove(st.id)
	defer st.cancel()
	return st.write(&Frame{Type: FramePayload, Flags: FlagNext | FlagComplete, Metadata: h.Marshal(), Data: payload})
}

func (st *serverStream) SendError(kind wire.ErrorKind, message string) error {
	if st.kind == wire.NoResponse {
		return nil
	}
	if !st.finish() {
		return errStreamDone
	}
	st.srv.remove(st.id)
	defer st.cancel()
	return st.write(&Frame{Type: FrameError, Metadata: errorHeader(kind), Data: []byte(message)})
}

func (st *serverStream) SendStreamItem(ctx context.Context, payload []byte) error {
	if st.kind != wire.StreamingResponse {
		return &Error{Kind: wire.InvalidRpcKind, Message: "not a streaming request"}
	}
	if err := st.acquire(ctx); err != nil {
		return err
	}
	return st.write(&Frame{Type: FramePayload, Flags: FlagNext, Data: payload})
}

func (st *serverStream) CompleteStream() error {
	if st.kind != wire.StreamingResponse {
		return &Error{Kind: wire.InvalidRpcKind, Message: "not a streaming request"}
	}
	if !st.finish() {
		return errStreamDone
	}
	st.srv.remove(st.id)
	defer st.cancel()
	return st.write(&Frame{Type: FramePayload, Flags: FlagComplete})
}
