package rpc

import "github.com/Lubby-ch/protorpc-channel/wire"

// connDefaults are the connection-level inputs of every request header.
type connDefaults struct {
	protocol   wire.ProtocolID
	host       string
	url        string
	persistent map[string]string
}

// buildRequestHeader assembles the metadata of one call. The method name is
// filled in later from the request envelope.
func buildRequestHeader(kind wire.RpcKind, opts *CallOptions, d *connDefaults) *wire.RequestHeader {
	h := new(wire.RequestHeader)
	h.SetProtocol(d.protocol)
	h.SetKind(kind)
	h.SetSeqID(0)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	h.SetClientTimeoutMs(timeout.Milliseconds())
	if opts.QueueTimeout > 0 {
		h.SetQueueTimeoutMs(opts.QueueTimeout.Milliseconds())
	}
	if p, ok := opts.Priority(); ok && p < wire.NPriorities {
		h.SetPriority(p)
	}

	// earlier sources win: request headers, then extra headers, then persistent ones
	merged := make(map[string]string, len(opts.Headers)+len(opts.ExtraHeaders)+len(d.persistent))
	for _, src := range []map[string]string{opts.Headers, opts.ExtraHeaders, d.persistent} {
		for k, v := range src {
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
	}
	h.SetOtherMetadata(merged)

	if d.host != "" {
		h.SetHost(d.host)
	}
	if d.url != "" {
		h.SetURL(d.url)
	}
	return h
}
