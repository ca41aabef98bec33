package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Lubby-ch/protorpc-channel/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsFrameConn carries one frame per binary websocket message.
type wsFrameConn struct {
	conn *websocket.Conn
	opts FrameOptions
	wmu  sync.Mutex
}

func newWSFrameConn(conn *websocket.Conn, opts FrameOptions) *wsFrameConn {
	conn.SetReadLimit(int64(opts.maxSize()))
	return &wsFrameConn{conn: conn, opts: opts}
}

func (c *wsFrameConn) ReadFrame() (*Frame, error) {
	for {
		typ, b, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		return decodeFrame(b)
	}
}

func (c *wsFrameConn) WriteFrame(f *Frame) error {
	b := encodeFrame(f, c.opts)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsFrameConn) Close() error { return c.conn.Close() }

// DialWebSocket connects to a ws:// or wss:// endpoint and returns a Duplex
// transport over it.
func DialWebSocket(ctx context.Context, endpoint string, opts FrameOptions, log *zap.Logger) (*Duplex, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &Error{Kind: wire.NotOpen, Message: fmt.Sprintf("dial %s", endpoint), Err: err}
	}
	return NewDuplex(newWSFrameConn(conn, opts), log)
}

// NewWebSocketHandler upgrades incoming HTTP requests and serves each
// websocket as a duplex connection.
func NewWebSocketHandler(h Handler, opts FrameOptions, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:     func(r *http.Request) bool { return true },
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}
		if err := ServeDuplex(r.Context(), newWSFrameConn(conn, opts), h, log); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket connection ended", zap.String("remote", r.RemoteAddr), zap.Error(err))
			}
		}
	})
}
