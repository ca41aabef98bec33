package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/golang/snappy"
)

// FrameType identifies a frame on a duplex connection.
type FrameType uint8

const (
	FrameSetup           FrameType = 0x01
	FrameRequestResponse FrameType = 0x04
	FrameRequestFNF      FrameType = 0x05
	FrameRequestStream   FrameType = 0x06
	FrameRequestN        FrameType = 0x08
	FrameCancel          FrameType = 0x09
	FramePayload         FrameType = 0x0A
	FrameError           FrameType = 0x0B
)

func (t FrameType) String() string {
	switch t {
	case FrameSetup:
		return "SETUP"
	case FrameRequestResponse:
		return "REQUEST_RESPONSE"
	case FrameRequestFNF:
		return "REQUEST_FNF"
	case FrameRequestStream:
		return "REQUEST_STREAM"
	case FrameRequestN:
		return "REQUEST_N"
	case FrameCancel:
		return "CANCEL"
	case FramePayload:
		return "PAYLOAD"
	case FrameError:
		return "ERROR"
	}
	return fmt.Sprintf("FRAME(%#x)", uint8(t))
}

// Payload frame flags.
const (
	FlagNext     uint8 = 1 << 0
	FlagComplete uint8 = 1 << 1

	flagSnappy   uint8 = 1 << 6
	flagChecksum uint8 = 1 << 7
	publicFlags        = FlagNext | FlagComplete
)

// DefaultMaxFrameSize bounds a single encoded frame.
const DefaultMaxFrameSize = 16 << 20

// frame header: stream id, type, flags, request-n
const frameHeaderLen = 4 + 1 + 1 + 4

var ErrFrameTooLarge = errors.New("transport: frame size overflows limit")

// Frame is one unit on a duplex connection. N carries the initial credit of a
// REQUEST_STREAM and the increment of a REQUEST_N.
type Frame struct {
	StreamID uint32
	Type     FrameType
	Flags    uint8
	N        uint32
	Metadata []byte
	Data     []byte
}

// FrameOptions controls how frame data is encoded on the wire.
type FrameOptions struct {
	// Snappy compresses data when it makes the frame smaller.
	Snappy bool
	// Checksum appends a CRC-32 (IEEE) of the encoded data.
	Checksum     bool
	MaxFrameSize int
}

var DefaultFrameOptions = FrameOptions{
	Snappy:       true,
	Checksum:     true,
	MaxFrameSize: DefaultMaxFrameSize,
}

func (o FrameOptions) maxSize() int {
	if o.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return o.MaxFrameSize
}

func encodeFrame(f *Frame, opts FrameOptions) []byte {
	data := f.Data
	flags := f.Flags & publicFlags
	if opts.Snappy && len(data) > 0 {
		if compressed := snappy.Encode(nil, data); len(compressed) < len(data) {
			data = compressed
			flags |= flagSnappy
		}
	}
	if opts.Checksum {
		flags |= flagChecksum
	}

	b := make([]byte, 0, frameHeaderLen+binary.MaxVarintLen64+len(f.Metadata)+len(data)+4)
	b = binary.BigEndian.AppendUint32(b, f.StreamID)
	b = append(b, byte(f.Type), flags)
	b = binary.BigEndian.AppendUint32(b, f.N)
	b = binary.AppendUvarint(b, uint64(len(f.Metadata)))
	b = append(b, f.Metadata...)
	b = append(b, data...)
	if opts.Checksum {
		b = binary.BigEndian.AppendUint32(b, crc32.ChecksumIEEE(data))
	}
	return b
}

func decodeFrame(b []byte) (*Frame, error) {
	if len(b) < frameHeaderLen {
		return nil, fmt.Errorf("transport: short frame of %d bytes", len(b))
	}
	f := &Frame{
		StreamID: binary.BigEndian.Uint32(b[0:4]),
		Type:     FrameType(b[4]),
		N:        binary.BigEndian.Uint32(b[6:10]),
	}
	flags := b[5]
	f.Flags = flags & publicFlags
	b = b[frameHeaderLen:]

	mdLen, n := binary.Uvarint(b)
	if n <= 0 || mdLen > uint64(len(b)-n) {
		return nil, errors.New("transport: bad frame metadata length")
	}
	b = b[n:]
	if mdLen > 0 {
		f.Metadata = b[:mdLen]
	}
	data := b[mdLen:]

	if flags&flagChecksum != 0 {
		if len(data) < 4 {
			return nil, errors.New("transport: frame checksum missing")
		}
		sum := binary.BigEndian.Uint32(data[len(data)-4:])
		data = data[:len(data)-4]
		if crc32.ChecksumIEEE(data) != sum {
			return nil, errors.New("transport: frame checksum mismatch")
		}
	}
	if flags&flagSnappy != 0 {
		raw, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("transport: frame data: %w", err)
		}
		data = raw
	}
	if len(data) > 0 {
		f.Data = data
	}
	return f, nil
}

// FrameConn reads and writes whole frames. WriteFrame is safe for concurrent
// use; ReadFrame is called from a single goroutine.
type FrameConn interface {
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	Close() error
}

// streamFrameConn frames a byte stream with a uvarint length prefix.
type streamFrameConn struct {
	rwc  io.ReadWriteCloser
	r    *bufio.Reader
	opts FrameOptions

	wmu sync.Mutex
	w   *bufio.Writer
}

// NewStreamFrameConn frames rwc, typically a net.Conn.
func NewStreamFrameConn(rwc io.ReadWriteCloser, opts FrameOptions) FrameConn {
	return &streamFrameConn{
		rwc:  rwc,
		r:    bufio.NewReader(rwc),
		w:    bufio.NewWriter(rwc),
		opts: opts,
	}
}

func (c *streamFrameConn) ReadFrame() (*Frame, error) {
	size, err := binary.ReadUvarint(c.r)
	if err != nil {
		return nil, err
	}
	if size > uint64(c.opts.maxSize()) {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return decodeFrame(buf)
}

func (c *streamFrameConn) WriteFrame(f *Frame) error {
	b := encodeFrame(f, c.opts)
	if len(b) > c.opts.maxSize() {
		return ErrFrameTooLarge
	}
	var size [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(size[:], uint64(len(b)))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(size[:n]); err != nil {
		return err
	}
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *streamFrameConn) Close() error {
	return c.rwc.Close()
}
