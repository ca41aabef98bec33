package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Lubby-ch/protorpc-channel/wire"
)

// MessageType is the type word carried in a legacy message envelope.
type MessageType uint8

const (
	Call      MessageType = 1
	Reply     MessageType = 2
	Exception MessageType = 3
	Oneway    MessageType = 4
)

const (
	versionMask = 0xffff0000
	version1    = 0x80010000

	// MaxNameLen bounds the method name read from an envelope.
	MaxNameLen = 1024
)

var ErrInvalidEnvelope = errors.New("codec: invalid envelope")

// WriteEnvelope frames body with a strict binary message header:
// version|type, name length, name, seq id.
func WriteEnvelope(name string, typ MessageType, seqID int32, body []byte) []byte {
	buf := make([]byte, 0, 12+len(name)+len(body))
	buf = binary.BigEndian.AppendUint32(buf, version1|uint32(typ))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(name)))
	buf = append(buf, name...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(seqID))
	return append(buf, body...)
}

// MessageTypeFor returns the envelope type a request of kind k must carry.
func MessageTypeFor(k wire.RpcKind) MessageType {
	if k == wire.NoResponse {
		return Oneway
	}
	return Call
}

// StripEnvelope removes the envelope from payload, records the method name and
// seq id on h and returns the remaining body. An envelope whose type does not
// match h's call kind is rejected.
func StripEnvelope(h *wire.RequestHeader, payload []byte) ([]byte, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrInvalidEnvelope, len(payload))
	}
	word := binary.BigEndian.Uint32(payload)
	if word&versionMask != version1 {
		return nil, fmt.Errorf("%w: bad version 0x%08x", ErrInvalidEnvelope, word&versionMask)
	}
	typ := MessageType(word & 0xff)
	if typ != Call && typ != Oneway {
		return nil, fmt.Errorf("%w: unexpected message type %d", ErrInvalidEnvelope, typ)
	}
	if h.HasKind() && MessageTypeFor(h.Kind()) != typ {
		return nil, fmt.Errorf("%w: message type %d does not match %s", ErrInvalidEnvelope, typ, h.Kind())
	}

	nameLen := binary.BigEndian.Uint32(payload[4:])
	if nameLen > MaxNameLen {
		return nil, fmt.Errorf("%w: name length %d exceeds %d", ErrInvalidEnvelope, nameLen, MaxNameLen)
	}
	rest := payload[8:]
	if uint32(len(rest)) < nameLen+4 {
		return nil, fmt.Errorf("%w: truncated name or seq id", ErrInvalidEnvelope)
	}
	name := string(rest[:nameLen])
	seqID := int32(binary.BigEndian.Uint32(rest[nameLen:]))

	h.SetName(name)
	h.SetSeqID(seqID)
	return rest[nameLen+4:], nil
}
