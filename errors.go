package rpc

import "github.com/Lubby-ch/protorpc-channel/transport"

// Error is the error delivered for a failed call. Match kinds with errors.Is
// against the sentinels below.
type Error = transport.Error

var (
	ErrNotOpen         = transport.ErrNotOpen
	ErrTooManyRequests = transport.ErrTooManyRequests
	ErrCorruptedData   = transport.ErrCorruptedData
	ErrTimedOut        = transport.ErrTimedOut
	ErrNetwork         = transport.ErrNetwork
	ErrCancelled       = transport.ErrCancelled
	ErrInvalidRpcKind  = transport.ErrInvalidRpcKind
	ErrMissingBody     = transport.ErrMissingBody
	ErrApplication     = transport.ErrApplication
)
