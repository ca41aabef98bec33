package wire

import "strconv"

// RpcKind selects how a call is dispatched. The numeric values are part of the
// wire format and must not change.
type RpcKind int32

const (
	SingleResponse    RpcKind = 0
	NoResponse        RpcKind = 1
	StreamingResponse RpcKind = 4
)

// Valid reports whether k is one of the call kinds a client channel dispatches.
func (k RpcKind) Valid() bool {
	switch k {
	case SingleResponse, NoResponse, StreamingResponse:
		return true
	}
	return false
}

func (k RpcKind) String() string {
	switch k {
	case SingleResponse:
		return "single-response"
	case NoResponse:
		return "no-response"
	case StreamingResponse:
		return "streaming-response"
	}
	return "rpc-kind(" + strconv.Itoa(int(k)) + ")"
}

// ProtocolID names the body encoding used by the caller.
type ProtocolID uint16

const (
	BinaryProtocol  ProtocolID = 0
	JSONProtocol    ProtocolID = 1
	CompactProtocol ProtocolID = 2
)

func (p ProtocolID) String() string {
	switch p {
	case BinaryProtocol:
		return "binary"
	case JSONProtocol:
		return "json"
	case CompactProtocol:
		return "compact"
	}
	return "protocol(" + strconv.Itoa(int(p)) + ")"
}

// Priority of a request as seen by the server's queue.
type Priority uint8

const (
	HighImportant Priority = iota
	High
	Important
	Normal
	BestEffort

	// NPriorities is the number of priority levels. It doubles as the
	// "not set" sentinel.
	NPriorities
)

// ErrorKind classifies a failed call. It travels in response metadata and in
// transport errors.
type ErrorKind int32

const (
	UnknownError ErrorKind = iota
	NotOpen
	TooManyRequests
	CorruptedData
	MissingHeader
	BadHeader
	TimedOut
	NetworkError
	Cancelled
	InvalidRpcKind
	MissingBody
	Application
)

var errorKindNames = [...]string{
	UnknownError:    "unknown",
	NotOpen:         "not open",
	TooManyRequests: "too many requests",
	CorruptedData:   "corrupted data",
	MissingHeader:   "missing header",
	BadHeader:       "bad header",
	TimedOut:        "timed out",
	NetworkError:    "network error",
	Cancelled:       "cancelled",
	InvalidRpcKind:  "invalid rpc kind",
	MissingBody:     "missing body",
	Application:     "application error",
}

func (k ErrorKind) String() string {
	if k >= 0 && int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return "error-kind(" + strconv.Itoa(int(k)) + ")"
}
