package rpc

import (
	"context"
	"fmt"
	"net/url"

	"github.com/Lubby-ch/protorpc-channel/transport"
)

// DialURL connects to rawurl and returns a channel over the connection.
// Schemes: tcp:// and ws:// or wss:// use the duplex protocol, http:// and
// https:// use HTTP/2.
func DialURL(ctx context.Context, rawurl string, opts ...*Option) (*ClientChannel, error) {
	opt, err := parseOptions(opts...)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, fmt.Errorf("rpc: parse %q: %w", rawurl, err)
	}
	if opt.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opt.ConnectTimeout)
		defer cancel()
	}

	var t transport.Transport
	switch u.Scheme {
	case "tcp":
		t, err = transport.DialTCP(ctx, u.Host, opt.frameOptions(), opt.Logger)
	case "ws", "wss":
		t, err = transport.DialWebSocket(ctx, rawurl, opt.frameOptions(), opt.Logger)
	case "http", "https":
		t, err = transport.DialHTTP2(rawurl, opt.Logger)
	default:
		return nil, fmt.Errorf("rpc: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	ch, err := NewClientChannel(t, opt)
	if err != nil {
		t.Close()
		return nil, err
	}
	return ch, nil
}
