package wire

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Reserved keys used when metadata travels as plain string headers.
const (
	ProtocolKey      = "protocol-id"
	RpcNameKey       = "rpc-name"
	RpcKindKey       = "rpc-kind"
	ClientTimeoutKey = "client-timeout"
	QueueTimeoutKey  = "queue-timeout"
	PriorityKey      = "priority"
	ErrorKindKey     = "error-kind"
	ErrorMessageKey  = "error-message"

	encodedKeyPrefix = "encode_"
)

// HeaderError reports request metadata that could not be recovered from text headers.
type HeaderError struct {
	Kind    ErrorKind
	Message string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("wire: %s: %s", e.Kind, e.Message)
}

// EncodeTextHeaders flattens h into string headers. Reserved fields use the
// fixed keys above; free-form keys that would not survive case folding are
// hex encoded behind an "encode_" prefix.
func EncodeTextHeaders(h *RequestHeader) map[string]string {
	out := make(map[string]string, len(h.other)+6)
	for k, v := range h.other {
		out[EncodeHeaderKey(k)] = v
	}
	out[ProtocolKey] = strconv.Itoa(int(h.protocol))
	out[RpcNameKey] = h.name
	out[RpcKindKey] = strconv.Itoa(int(h.kind))
	if ms, ok := h.ClientTimeoutMs(); ok {
		out[ClientTimeoutKey] = strconv.FormatInt(ms, 10)
	}
	if ms, ok := h.QueueTimeoutMs(); ok {
		out[QueueTimeoutKey] = strconv.FormatInt(ms, 10)
	}
	if p, ok := h.Priority(); ok {
		out[PriorityKey] = strconv.Itoa(int(p))
	}
	return out
}

// DecodeTextHeaders rebuilds a request header from string headers. Keys are
// matched case-insensitively. Missing or unparseable protocol, name or kind is
// an error; malformed timeouts and priority are logged and dropped.
func DecodeTextHeaders(headers map[string]string, log *zap.Logger) (*RequestHeader, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rest := make(map[string]string, len(headers))
	for k, v := range headers {
		rest[strings.ToLower(k)] = v
	}

	h := new(RequestHeader)
	v, ok := rest[ProtocolKey]
	if !ok {
		return nil, &HeaderError{Kind: MissingHeader, Message: "Protocol not in header"}
	}
	protocol, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return nil, &HeaderError{Kind: BadHeader, Message: "Bad protocol value"}
	}
	h.SetProtocol(ProtocolID(protocol))
	delete(rest, ProtocolKey)

	v, ok = rest[RpcNameKey]
	if !ok {
		return nil, &HeaderError{Kind: MissingHeader, Message: "RPC name not in header"}
	}
	h.SetName(v)
	delete(rest, RpcNameKey)

	v, ok = rest[RpcKindKey]
	if !ok {
		return nil, &HeaderError{Kind: MissingHeader, Message: "RPC kind not in header"}
	}
	kind, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return nil, &HeaderError{Kind: BadHeader, Message: "Bad RPC kind value"}
	}
	if k := RpcKind(kind); k != SingleResponse && k != NoResponse {
		return nil, &HeaderError{Kind: InvalidRpcKind, Message: "Bad RPC kind for this channel"}
	}
	h.SetKind(RpcKind(kind))
	delete(rest, RpcKindKey)

	if v, ok := rest[ClientTimeoutKey]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			h.SetClientTimeoutMs(ms)
		} else {
			log.Info("Bad client timeout", zap.String("value", v))
		}
		delete(rest, ClientTimeoutKey)
	}
	if v, ok := rest[QueueTimeoutKey]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			h.SetQueueTimeoutMs(ms)
		} else {
			log.Info("Bad queue timeout", zap.String("value", v))
		}
		delete(rest, QueueTimeoutKey)
	}
	if v, ok := rest[PriorityKey]; ok {
		p, err := strconv.ParseUint(v, 10, 8)
		switch {
		case err != nil:
			log.Info("Bad method priority", zap.String("value", v))
		case Priority(p) >= NPriorities:
			log.Info("Too large value for method priority", zap.String("value", v))
		default:
			h.SetPriority(Priority(p))
		}
		delete(rest, PriorityKey)
	}

	other := make(map[string]string, len(rest))
	for k, v := range rest {
		other[DecodeHeaderKey(k)] = v
	}
	h.SetOtherMetadata(other)
	return h, nil
}

// EncodeResponseTextHeaders flattens a response header, including its error kind.
func EncodeResponseTextHeaders(h *ResponseHeader) map[string]string {
	out := make(map[string]string, len(h.other)+1)
	kind, failed := h.ErrorKind()
	for k, v := range h.other {
		if failed && k == ErrorMessageKey {
			out[ErrorMessageKey] = v
			continue
		}
		out[EncodeHeaderKey(k)] = v
	}
	if failed {
		out[ErrorKindKey] = strconv.Itoa(int(kind))
	}
	return out
}

// DecodeResponseTextHeaders rebuilds a response header. An unparseable error
// kind is reported as UnknownError rather than dropped.
func DecodeResponseTextHeaders(headers map[string]string) *ResponseHeader {
	h := new(ResponseHeader)
	for k, v := range headers {
		k = strings.ToLower(k)
		if k == ErrorKindKey {
			kind, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				kind = int64(UnknownError)
			}
			h.SetError(ErrorKind(kind))
			continue
		}
		h.Set(DecodeHeaderKey(k), v)
	}
	return h
}

var reservedKeys = map[string]bool{
	ProtocolKey:      true,
	RpcNameKey:       true,
	RpcKindKey:       true,
	ClientTimeoutKey: true,
	QueueTimeoutKey:  true,
	PriorityKey:      true,
	ErrorKindKey:     true,
	ErrorMessageKey:  true,
}

// EncodeHeaderKey hex-encodes keys that are not lower-case header tokens or
// that collide with a reserved key.
func EncodeHeaderKey(k string) string {
	if isLowerToken(k) && !reservedKeys[k] && !strings.HasPrefix(k, encodedKeyPrefix) {
		return k
	}
	return EscapeHeaderKey(k)
}

// EscapeHeaderKey hex-encodes k unconditionally. DecodeHeaderKey reverses it.
func EscapeHeaderKey(k string) string {
	return encodedKeyPrefix + hex.EncodeToString([]byte(k))
}

// DecodeHeaderKey reverses EncodeHeaderKey; keys that fail to decode pass through.
func DecodeHeaderKey(k string) string {
	if !strings.HasPrefix(k, encodedKeyPrefix) {
		return k
	}
	b, err := hex.DecodeString(strings.TrimPrefix(k, encodedKeyPrefix))
	if err != nil {
		return k
	}
	return string(b)
}

func isLowerToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
