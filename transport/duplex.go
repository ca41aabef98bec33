package transport

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/Lubby-ch/protorpc-channel/wire"
	"go.uber.org/zap"
)

// Protocol version announced in the SETUP frame.
const (
	ProtocolMajor uint16 = 0
	ProtocolMinor uint16 = 1
)

// DefaultStreamWindow is the number of stream items requested up front and
// the size of the client's per-stream buffer.
const DefaultStreamWindow = 32

// Duplex is a multiplexing client Transport over a FrameConn. Client streams
// use odd ids.
type Duplex struct {
	conn   FrameConn
	log    *zap.Logger
	window uint32
	status statusNotifier

	mu      sync.Mutex
	nextID  uint32
	streams map[uint32]*clientStream
	closing bool
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewDuplex sends the SETUP frame on conn and starts reading responses.
func NewDuplex(conn FrameConn, log *zap.Logger) (*Duplex, error) {
	if log == nil {
		log = zap.NewNop()
	}
	setup := make([]byte, 0, 4)
	setup = binary.BigEndian.AppendUint16(setup, ProtocolMajor)
	setup = binary.BigEndian.AppendUint16(setup, ProtocolMinor)
	if err := conn.WriteFrame(&Frame{Type: FrameSetup, Data: setup}); err != nil {
		conn.Close()
		return nil, &Error{Kind: wire.NotOpen, Message: "setup failed", Err: err}
	}

	d := &Duplex{
		conn:    conn,
		log:     log,
		window:  DefaultStreamWindow,
		nextID:  1,
		streams: make(map[uint32]*clientStream),
		done:    make(chan struct{}),
	}
	go d.readLoop()
	return d, nil
}

func (d *Duplex) FireAndForget(ctx context.Context, p wire.Payload) error {
	_, err := d.open(ctx, FrameRequestFNF, p, 0, 0, false)
	return err
}

func (d *Duplex) RequestResponse(ctx context.Context, p wire.Payload) (wire.Payload, error) {
	s, err := d.open(ctx, FrameRequestResponse, p, 0, 1, true)
	if err != nil {
		return wire.Payload{}, err
	}
	return s.Recv(ctx)
}

func (d *Duplex) RequestStream(ctx context.Context, p wire.Payload) (Stream, error) {
	return d.open(ctx, FrameRequestStream, p, d.window, int(d.window), true)
}

func (d *Duplex) SetStatusObserver(o StatusObserver) { d.status.set(o) }

// IsDetachable reports whether no request is awaiting a response.
func (d *Duplex) IsDetachable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams) == 0
}

// Close closes the connection and waits for the read loop to fail any
// outstanding streams.
func (d *Duplex) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closing = true
		d.mu.Unlock()
		d.closeErr = d.conn.Close()
		<-d.done
	})
	return d.closeErr
}

func (d *Duplex) open(ctx context.Context, typ FrameType, p wire.Payload, n uint32, buffer int, track bool) (*clientStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.closing || d.streams == nil {
		d.mu.Unlock()
		return nil, &Error{Kind: wire.NotOpen, Message: "connection is not open"}
	}
	id := d.nextID
	d.nextID += 2
	s := &clientStream{d: d, id: id, window: n, items: make(chan wire.Payload, buffer)}
	if track {
		d.streams[id] = s
	}
	d.mu.Unlock()

	f := &Frame{StreamID: id, Type: typ, N: n, Metadata: p.Metadata, Data: p.Data}
	if err := d.conn.WriteFrame(f); err != nil {
		d.remove(id)
		return nil, &Error{Kind: wire.NetworkError, Message: "write failed", Err: err}
	}
	return s, nil
}

func (d *Duplex) lookup(id uint32) *clientStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[id]
}

// remove reports whether id was still registered.
func (d *Duplex) remove(id uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.streams[id]; !ok {
		return false
	}
	delete(d.streams, id)
	return true
}

func (d *Duplex) readLoop() {
	var err error
	for {
		var f *Frame
		if f, err = d.conn.ReadFrame(); err != nil {
			break
		}
		d.handleFrame(f)
	}

	d.mu.Lock()
	closing := d.closing
	streams := d.streams
	d.streams = nil
	d.mu.Unlock()

	terr := &Error{Kind: wire.NetworkError, Message: "connection lost", Err: err}
	if closing {
		terr = &Error{Kind: wire.NotOpen, Message: "connection closed"}
	}
	for _, s := range streams {
		s.finish(terr)
	}
	if closing {
		d.status.transition(stateClosed, nil)
	} else {
		if err != io.EOF {
			d.log.Warn("duplex connection lost", zap.Error(err))
		}
		d.status.transition(stateDisconnected, err)
	}
	close(d.done)
}

// handleFrame runs on the read loop, the only goroutine that delivers to or
// finishes a stream.
func (d *Duplex) handleFrame(f *Frame) {
	if f.StreamID == 0 {
		if f.Type == FrameError {
			d.log.Error("duplex connection rejected", zap.ByteString("message", f.Data))
			d.conn.Close()
		}
		return
	}
	s := d.lookup(f.StreamID)
	if s == nil {
		return
	}
	switch f.Type {
	case FramePayload:
		if f.Flags&FlagNext != 0 {
			select {
			case s.items <- wire.Payload{Metadata: f.Metadata, Data: f.Data}:
			default:
				if d.remove(s.id) {
					d.conn.WriteFrame(&Frame{StreamID: s.id, Type: FrameCancel})
					s.finish(&Error{Kind: wire.NetworkError, Message: "stream exceeded requested credit"})
				}
				return
			}
		}
		if f.Flags&FlagComplete != 0 && d.remove(s.id) {
			s.finish(nil)
		}
	case FrameError:
		if d.remove(s.id) {
			s.finish(remoteError(f))
		}
	default:
		d.log.Debug("unexpected frame on client stream", zap.Stringer("type", f.Type), zap.Uint32("stream", f.StreamID))
	}
}

// remoteError decodes an ERROR frame: the error kind in a response header and
// the message as data.
func remoteError(f *Frame) *Error {
	kind := wire.UnknownError
	if h, err := wire.UnmarshalResponseHeader(f.Metadata); err == nil {
		if k, ok := h.ErrorKind(); ok {
			kind = k
		}
	}
	return &Error{Kind: kind, Message: string(f.Data), ChannelValid: true}
}

type clientStream struct {
	d      *Duplex
	id     uint32
	window uint32
	items  chan wire.Payload

	// written once by the read loop before items is closed
	err error

	// receiver side only
	consumed uint32

	cancelled atomic.Bool
}

func (s *clientStream) finish(err error) {
	s.err = err
	close(s.items)
}

func (s *clientStream) Recv(ctx context.Context) (wire.Payload, error) {
	if s.cancelled.Load() {
		return wire.Payload{}, &Error{Kind: wire.Cancelled, Message: "stream cancelled"}
	}
	select {
	case p, ok := <-s.items:
		if !ok {
			if s.err != nil {
				return wire.Payload{}, s.err
			}
			return wire.Payload{}, io.EOF
		}
		s.replenish()
		return p, nil
	case <-ctx.Done():
		s.Cancel()
		return wire.Payload{}, ctx.Err()
	}
}

func (s *clientStream) replenish() {
	if s.window == 0 {
		return
	}
	s.consumed++
	if s.consumed < s.window/2 {
		return
	}
	n := s.consumed
	s.consumed = 0
	if s.d.lookup(s.id) == nil {
		return
	}
	if err := s.d.conn.WriteFrame(&Frame{StreamID: s.id, Type: FrameRequestN, N: n}); err != nil {
		s.d.log.Debug("request-n failed", zap.Uint32("stream", s.id), zap.Error(err))
	}
}

func (s *clientStream) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	if s.d.remove(s.id) {
		s.d.conn.WriteFrame(&Frame{StreamID: s.id, Type: FrameCancel})
	}
}
