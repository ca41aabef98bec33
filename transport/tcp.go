package transport

import (
	"context"
	"errors"
	"net"

	"github.com/Lubby-ch/protorpc-channel/wire"
	"go.uber.org/zap"
)

// DialTCP connects to addr and returns a Duplex transport over the connection.
func DialTCP(ctx context.Context, addr string, opts FrameOptions, log *zap.Logger) (*Duplex, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Kind: wire.NotOpen, Message: "dial " + addr, Err: err}
	}
	return NewDuplex(NewStreamFrameConn(conn, opts), log)
}

// ServeTCP accepts connections on lis and serves each with h until ctx is done
// or the listener fails.
func ServeTCP(ctx context.Context, lis net.Listener, h Handler, opts FrameOptions, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	go func() {
		<-ctx.Done()
		lis.Close()
	}()
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error("accept failed", zap.Error(err))
			return err
		}
		go func() {
			remote := conn.RemoteAddr().String()
			if err := ServeDuplex(ctx, NewStreamFrameConn(conn, opts), h, log); err != nil {
				log.Warn("connection ended", zap.String("remote", remote), zap.Error(err))
			}
		}()
	}
}
