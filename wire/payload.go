package wire

// Payload is the unit handed to a transport: serialized metadata plus the
// serialized body.
type Payload struct {
	Metadata []byte
	Data     []byte
}

// NewRequestPayload serializes h ahead of data.
func NewRequestPayload(h *RequestHeader, data []byte) Payload {
	return Payload{Metadata: h.Marshal(), Data: data}
}

// NewResponsePayload serializes h ahead of data.
func NewResponsePayload(h *ResponseHeader, data []byte) Payload {
	return Payload{Metadata: h.Marshal(), Data: data}
}
