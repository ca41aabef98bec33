package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Lubby-ch/protorpc-channel/wire"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// HTTP2 is a client Transport that sends each request as one HTTP/2 POST with
// its metadata flattened into headers. It carries single-response and
// no-response calls only.
type HTTP2 struct {
	tr     *http2.Transport
	client *http.Client
	base   *url.URL
	log    *zap.Logger
	status statusNotifier

	inflight atomic.Int64
	closed   atomic.Bool
}

// DialHTTP2 prepares a transport for endpoint. http:// endpoints use
// cleartext HTTP/2 with prior knowledge.
func DialHTTP2(endpoint string, log *zap.Logger) (*HTTP2, error) {
	if log == nil {
		log = zap.NewNop()
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &Error{Kind: wire.NotOpen, Message: "bad endpoint", Err: err}
	}
	tr := &http2.Transport{}
	switch u.Scheme {
	case "http":
		tr.AllowHTTP = true
		tr.DialTLSContext = func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		}
	case "https":
	default:
		return nil, &Error{Kind: wire.NotOpen, Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	return &HTTP2{
		tr:     tr,
		client: &http.Client{Transport: tr},
		base:   u,
		log:    log,
	}, nil
}

func (t *HTTP2) FireAndForget(ctx context.Context, p wire.Payload) error {
	_, err := t.RequestResponse(ctx, p)
	return err
}

func (t *HTTP2) RequestResponse(ctx context.Context, p wire.Payload) (wire.Payload, error) {
	if t.closed.Load() {
		return wire.Payload{}, &Error{Kind: wire.NotOpen, Message: "transport closed"}
	}
	t.inflight.Add(1)
	defer t.inflight.Add(-1)

	h, err := wire.UnmarshalRequestHeader(p.Metadata)
	if err != nil {
		return wire.Payload{}, &Error{Kind: wire.CorruptedData, Message: "bad request metadata", ChannelValid: true, Err: err}
	}
	req, err := t.newRequest(ctx, h, p.Data)
	if err != nil {
		return wire.Payload{}, &Error{Kind: wire.CorruptedData, Message: "bad request", ChannelValid: true, Err: err}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return wire.Payload{}, ctx.Err()
		}
		return wire.Payload{}, &Error{Kind: wire.NetworkError, Message: "round trip", ChannelValid: true, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return wire.Payload{}, ctx.Err()
		}
		return wire.Payload{}, &Error{Kind: wire.NetworkError, Message: "read response", ChannelValid: true, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return wire.Payload{}, &Error{Kind: wire.NetworkError, Message: fmt.Sprintf("http status %d", resp.StatusCode), ChannelValid: true}
	}

	rh := wire.DecodeResponseTextHeaders(flattenHeader(resp.Header))
	if kind, ok := rh.ErrorKind(); ok {
		msg, _ := rh.Get(wire.ErrorMessageKey)
		return wire.Payload{}, &Error{Kind: kind, Message: msg, ChannelValid: true}
	}
	return wire.NewResponsePayload(rh, body), nil
}

func (t *HTTP2) RequestStream(ctx context.Context, p wire.Payload) (Stream, error) {
	return nil, &Error{Kind: wire.InvalidRpcKind, Message: "streaming is not supported over HTTP/2", ChannelValid: true}
}

func (t *HTTP2) newRequest(ctx context.Context, h *wire.RequestHeader, data []byte) (*http.Request, error) {
	u := *t.base
	if p, ok := h.URL(); ok {
		u.Path = p
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	for k, v := range wire.EncodeTextHeaders(h) {
		req.Header[httpHeaderKey(k)] = []string{v}
	}
	if host, ok := h.Host(); ok {
		req.Host = host
	}
	return req, nil
}

func (t *HTTP2) SetStatusObserver(o StatusObserver) { t.status.set(o) }

func (t *HTTP2) IsDetachable() bool { return t.inflight.Load() == 0 }

func (t *HTTP2) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.tr.CloseIdleConnections()
	t.status.transition(stateClosed, nil)
	return nil
}

// httpOnlyHeaders are managed by the HTTP stacks on either side and never
// carry call metadata. Metadata keys that collide with them are escaped.
var httpOnlyHeaders = map[string]bool{
	"accept-encoding":   true,
	"connection":        true,
	"content-encoding":  true,
	"content-length":    true,
	"content-type":      true,
	"date":              true,
	"host":              true,
	"keep-alive":        true,
	"server":            true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"upgrade":           true,
	"user-agent":        true,
	"vary":              true,
}

func httpHeaderKey(k string) string {
	if httpOnlyHeaders[k] {
		return wire.EscapeHeaderKey(k)
	}
	return k
}

// flattenHeader keeps the first value of each header, lower-casing keys and
// dropping the ones the HTTP stack added.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		k = strings.ToLower(k)
		if len(v) == 0 || httpOnlyHeaders[k] {
			continue
		}
		out[k] = v[0]
	}
	return out
}

// NewHTTP2Handler serves requests sent by an HTTP2 transport, accepting
// cleartext HTTP/2 as well as TLS.
func NewHTTP2Handler(h Handler, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return h2c.NewHandler(&http2Handler{handler: h, log: log}, &http2.Server{})
}

type http2Handler struct {
	handler Handler
	log     *zap.Logger
}

func (s *http2Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.log.Warn("read request body", zap.Error(err))
		return
	}

	rc := &httpResponseChannel{w: w, done: make(chan struct{})}
	hdr, err := wire.DecodeTextHeaders(flattenHeader(r.Header), s.log)
	if err != nil {
		kind := wire.BadHeader
		if he, ok := err.(*wire.HeaderError); ok {
			kind = he.Kind
		}
		rc.SendError(kind, err.Error())
		return
	}

	// No-response requests get an empty answer before dispatch so the caller
	// is not held for the handler.
	if hdr.Kind() == wire.NoResponse {
		rc.SendResponse(new(wire.ResponseHeader), nil)
		go s.handler.OnRequest(context.Background(), hdr, body, discardChannel{})
		return
	}

	ctx := r.Context()
	if ms, ok := hdr.ClientTimeoutMs(); ok && ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}
	s.handler.OnRequest(ctx, hdr, body, rc)

	select {
	case <-rc.done:
	case <-ctx.Done():
		rc.SendError(wire.TimedOut, "request timed out on server")
	}
}

// httpResponseChannel answers one HTTP request. Only the first answer is
// written; later ones fail.
type httpResponseChannel struct {
	w    http.ResponseWriter
	mu   sync.Mutex
	sent bool
	done chan struct{}
}

func (rc *httpResponseChannel) write(h *wire.ResponseHeader, payload []byte) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.sent {
		return errStreamDone
	}
	rc.sent = true
	defer close(rc.done)
	for k, v := range wire.EncodeResponseTextHeaders(h) {
		rc.w.Header()[httpHeaderKey(k)] = []string{v}
	}
	rc.w.WriteHeader(http.StatusOK)
	if len(payload) > 0 {
		if _, err := rc.w.Write(payload); err != nil {
			return &Error{Kind: wire.NetworkError, Message: "write response", Err: err}
		}
	}
	return nil
}

func (rc *httpResponseChannel) SendResponse(h *wire.ResponseHeader, payload []byte) error {
	return rc.write(h, payload)
}

func (rc *httpResponseChannel) SendError(kind wire.ErrorKind, message string) error {
	h := new(wire.ResponseHeader)
	h.SetError(kind)
	h.Set(wire.ErrorMessageKey, strings.Map(func(r rune) rune {
		if r < ' ' || r == 0x7f {
			return ' '
		}
		return r
	}, message))
	return rc.write(h, nil)
}

func (rc *httpResponseChannel) SendStreamItem(context.Context, []byte) error {
	return &Error{Kind: wire.InvalidRpcKind, Message: "streaming is not supported over HTTP/2"}
}

func (rc *httpResponseChannel) CompleteStream() error {
	return &Error{Kind: wire.InvalidRpcKind, Message: "streaming is not supported over HTTP/2"}
}

type discardChannel struct{}

func (discardChannel) SendResponse(*wire.ResponseHeader, []byte) error { return nil }
func (discardChannel) SendError(wire.ErrorKind, string) error          { return nil }
func (discardChannel) SendStreamItem(context.Context, []byte) error    { return nil }
func (discardChannel) CompleteStream() error                           { return nil }
