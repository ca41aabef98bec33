package wire

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

type fieldSet uint16

const (
	hasProtocol fieldSet = 1 << iota
	hasName
	hasKind
	hasSeqID
	hasClientTimeout
	hasQueueTimeout
	hasPriority
	hasHost
	hasURL
	hasOtherMetadata
	hasError
)

// Request header field numbers.
const (
	reqProtocol        protowire.Number = 1
	reqName            protowire.Number = 2
	reqKind            protowire.Number = 3
	reqSeqID           protowire.Number = 4
	reqClientTimeoutMs protowire.Number = 5
	reqQueueTimeoutMs  protowire.Number = 6
	reqPriority        protowire.Number = 7
	reqOtherMetadata   protowire.Number = 8
	reqHost            protowire.Number = 9
	reqURL             protowire.Number = 10
)

// Response header field numbers.
const (
	respSeqID         protowire.Number = 1
	respError         protowire.Number = 2
	respOtherMetadata protowire.Number = 3
)

// Map entry field numbers, as protobuf encodes map<string,string>.
const (
	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2
)

// RequestHeader is the per-call metadata shipped ahead of a request body.
// Optional fields report presence through their getters.
type RequestHeader struct {
	protocol        ProtocolID
	name            string
	kind            RpcKind
	seqID           int32
	clientTimeoutMs int64
	queueTimeoutMs  int64
	priority        Priority
	host            string
	url             string
	other           map[string]string
	isset           fieldSet
}

func (h *RequestHeader) Protocol() ProtocolID { return h.protocol }
func (h *RequestHeader) HasProtocol() bool    { return h.isset&hasProtocol != 0 }
func (h *RequestHeader) Name() string         { return h.name }
func (h *RequestHeader) HasName() bool        { return h.isset&hasName != 0 }
func (h *RequestHeader) Kind() RpcKind        { return h.kind }
func (h *RequestHeader) HasKind() bool        { return h.isset&hasKind != 0 }
func (h *RequestHeader) SeqID() int32         { return h.seqID }

func (h *RequestHeader) ClientTimeoutMs() (int64, bool) {
	return h.clientTimeoutMs, h.isset&hasClientTimeout != 0
}

func (h *RequestHeader) QueueTimeoutMs() (int64, bool) {
	return h.queueTimeoutMs, h.isset&hasQueueTimeout != 0
}

func (h *RequestHeader) Priority() (Priority, bool) {
	return h.priority, h.isset&hasPriority != 0
}

func (h *RequestHeader) Host() (string, bool) { return h.host, h.isset&hasHost != 0 }
func (h *RequestHeader) URL() (string, bool)  { return h.url, h.isset&hasURL != 0 }

// OtherMetadata returns a copy of the free-form header map, or nil if none was set.
func (h *RequestHeader) OtherMetadata() map[string]string {
	if h.isset&hasOtherMetadata == 0 {
		return nil
	}
	return copyMap(h.other)
}

func (h *RequestHeader) SetProtocol(p ProtocolID) { h.protocol = p; h.isset |= hasProtocol }
func (h *RequestHeader) SetName(name string)      { h.name = name; h.isset |= hasName }
func (h *RequestHeader) SetKind(k RpcKind)        { h.kind = k; h.isset |= hasKind }
func (h *RequestHeader) SetSeqID(id int32)        { h.seqID = id; h.isset |= hasSeqID }

func (h *RequestHeader) SetClientTimeoutMs(ms int64) {
	h.clientTimeoutMs = ms
	h.isset |= hasClientTimeout
}

func (h *RequestHeader) SetQueueTimeoutMs(ms int64) {
	h.queueTimeoutMs = ms
	h.isset |= hasQueueTimeout
}

func (h *RequestHeader) SetPriority(p Priority) { h.priority = p; h.isset |= hasPriority }
func (h *RequestHeader) SetHost(host string)    { h.host = host; h.isset |= hasHost }
func (h *RequestHeader) SetURL(url string)      { h.url = url; h.isset |= hasURL }

// SetOtherMetadata replaces the free-form header map. An empty map clears it.
func (h *RequestHeader) SetOtherMetadata(m map[string]string) {
	if len(m) == 0 {
		h.other = nil
		h.isset &^= hasOtherMetadata
		return
	}
	h.other = copyMap(m)
	h.isset |= hasOtherMetadata
}

// Clone returns a deep copy of h.
func (h *RequestHeader) Clone() *RequestHeader {
	c := *h
	c.other = copyMap(h.other)
	return &c
}

// Marshal encodes h in protobuf wire format.
func (h *RequestHeader) Marshal() []byte {
	var b []byte
	if h.isset&hasProtocol != 0 {
		b = appendVarint(b, reqProtocol, uint64(h.protocol))
	}
	if h.isset&hasName != 0 {
		b = appendString(b, reqName, h.name)
	}
	if h.isset&hasKind != 0 {
		b = appendVarint(b, reqKind, uint64(h.kind))
	}
	if h.isset&hasSeqID != 0 {
		b = appendVarint(b, reqSeqID, uint64(h.seqID))
	}
	if h.isset&hasClientTimeout != 0 {
		b = appendVarint(b, reqClientTimeoutMs, uint64(h.clientTimeoutMs))
	}
	if h.isset&hasQueueTimeout != 0 {
		b = appendVarint(b, reqQueueTimeoutMs, uint64(h.queueTimeoutMs))
	}
	if h.isset&hasPriority != 0 {
		b = appendVarint(b, reqPriority, uint64(h.priority))
	}
	if h.isset&hasOtherMetadata != 0 {
		b = appendMap(b, reqOtherMetadata, h.other)
	}
	if h.isset&hasHost != 0 {
		b = appendString(b, reqHost, h.host)
	}
	if h.isset&hasURL != 0 {
		b = appendString(b, reqURL, h.url)
	}
	return b
}

// UnmarshalRequestHeader decodes a header produced by Marshal. Unknown fields are skipped.
func UnmarshalRequestHeader(b []byte) (*RequestHeader, error) {
	h := new(RequestHeader)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: request header: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == reqProtocol && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: request header protocol: %w", protowire.ParseError(n))
			}
			h.SetProtocol(ProtocolID(v))
			b = b[n:]
		case num == reqName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: request header name: %w", protowire.ParseError(n))
			}
			h.SetName(v)
			b = b[n:]
		case num == reqKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: request header kind: %w", protowire.ParseError(n))
			}
			h.SetKind(RpcKind(int32(v)))
			b = b[n:]
		case num == reqSeqID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: request header seq id: %w", protowire.ParseError(n))
			}
			h.SetSeqID(int32(v))
			b = b[n:]
		case num == reqClientTimeoutMs && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: request header client timeout: %w", protowire.ParseError(n))
			}
			h.SetClientTimeoutMs(int64(v))
			b = b[n:]
		case num == reqQueueTimeoutMs && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: request header queue timeout: %w", protowire.ParseError(n))
			}
			h.SetQueueTimeoutMs(int64(v))
			b = b[n:]
		case num == reqPriority && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: request header priority: %w", protowire.ParseError(n))
			}
			h.SetPriority(Priority(v))
			b = b[n:]
		case num == reqOtherMetadata && typ == protowire.BytesType:
			if h.other == nil {
				h.other = make(map[string]string)
			}
			n, err := consumeMapEntry(b, h.other)
			if err != nil {
				return nil, fmt.Errorf("wire: request header metadata: %w", err)
			}
			h.isset |= hasOtherMetadata
			b = b[n:]
		case num == reqHost && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: request header host: %w", protowire.ParseError(n))
			}
			h.SetHost(v)
			b = b[n:]
		case num == reqURL && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: request header url: %w", protowire.ParseError(n))
			}
			h.SetURL(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: request header field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return h, nil
}

// ResponseHeader is the metadata returned with a response body.
type ResponseHeader struct {
	seqID int32
	err   ErrorKind
	other map[string]string
	isset fieldSet
}

func (h *ResponseHeader) SeqID() int32         { return h.seqID }
func (h *ResponseHeader) SetSeqID(id int32)    { h.seqID = id; h.isset |= hasSeqID }
func (h *ResponseHeader) SetError(k ErrorKind) { h.err = k; h.isset |= hasError }

// ErrorKind reports the error the server attached to the response, if any.
func (h *ResponseHeader) ErrorKind() (ErrorKind, bool) {
	return h.err, h.isset&hasError != 0
}

// OtherMetadata returns a copy of the free-form header map, or nil if none was set.
func (h *ResponseHeader) OtherMetadata() map[string]string {
	if h.isset&hasOtherMetadata == 0 {
		return nil
	}
	return copyMap(h.other)
}

// Get returns a single free-form header value.
func (h *ResponseHeader) Get(key string) (string, bool) {
	v, ok := h.other[key]
	return v, ok
}

// Set adds a single free-form header value.
func (h *ResponseHeader) Set(key, value string) {
	if h.other == nil {
		h.other = make(map[string]string)
	}
	h.other[key] = value
	h.isset |= hasOtherMetadata
}

// SetOtherMetadata replaces the free-form header map. An empty map clears it.
func (h *ResponseHeader) SetOtherMetadata(m map[string]string) {
	if len(m) == 0 {
		h.other = nil
		h.isset &^= hasOtherMetadata
		return
	}
	h.other = copyMap(m)
	h.isset |= hasOtherMetadata
}

func (h *ResponseHeader) Marshal() []byte {
	var b []byte
	if h.isset&hasSeqID != 0 {
		b = appendVarint(b, respSeqID, uint64(h.seqID))
	}
	if h.isset&hasError != 0 {
		b = appendVarint(b, respError, uint64(h.err))
	}
	if h.isset&hasOtherMetadata != 0 {
		b = appendMap(b, respOtherMetadata, h.other)
	}
	return b
}

// UnmarshalResponseHeader decodes a header produced by Marshal. An empty input
// yields an empty header.
func UnmarshalResponseHeader(b []byte) (*ResponseHeader, error) {
	h := new(ResponseHeader)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("wire: response header: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == respSeqID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: response header seq id: %w", protowire.ParseError(n))
			}
			h.SetSeqID(int32(v))
			b = b[n:]
		case num == respError && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("wire: response header error: %w", protowire.ParseError(n))
			}
			h.SetError(ErrorKind(int32(v)))
			b = b[n:]
		case num == respOtherMetadata && typ == protowire.BytesType:
			if h.other == nil {
				h.other = make(map[string]string)
			}
			n, err := consumeMapEntry(b, h.other)
			if err != nil {
				return nil, fmt.Errorf("wire: response header metadata: %w", err)
			}
			h.isset |= hasOtherMetadata
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("wire: response header field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return h, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendMap writes m as repeated map entries, keys sorted so output is deterministic.
func appendMap(b []byte, num protowire.Number, m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, entryKey, k)
		entry = appendString(entry, entryValue, m[k])
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func consumeMapEntry(b []byte, into map[string]string) (int, error) {
	entry, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	var key, value string
	for len(entry) > 0 {
		num, typ, m := protowire.ConsumeTag(entry)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		entry = entry[m:]
		switch {
		case num == entryKey && typ == protowire.BytesType:
			key, m = protowire.ConsumeString(entry)
		case num == entryValue && typ == protowire.BytesType:
			value, m = protowire.ConsumeString(entry)
		default:
			m = protowire.ConsumeFieldValue(num, typ, entry)
		}
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		entry = entry[m:]
	}
	into[key] = value
	return n, nil
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
