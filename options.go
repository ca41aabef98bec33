package rpc

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Lubby-ch/protorpc-channel/transport"
	"github.com/Lubby-ch/protorpc-channel/wire"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultRPCTimeout is the client timeout of a call that sets none.
const DefaultRPCTimeout = 500 * time.Millisecond

// Option configures a channel and the connection under it.
type Option struct {
	Protocol       wire.ProtocolID `yaml:"protocol"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"` // 0 means no limit
	// MaxPendingRequests bounds in-flight requests; 0 means unbounded.
	MaxPendingRequests uint32            `yaml:"max_pending_requests"`
	Host               string            `yaml:"host"`
	URL                string            `yaml:"url"`
	PersistentHeaders  map[string]string `yaml:"persistent_headers"`
	Snappy             bool              `yaml:"snappy"`
	Checksum           bool              `yaml:"checksum"`

	Logger  *zap.Logger `yaml:"-"`
	Metrics *Metrics    `yaml:"-"`
	// Executor owns the channel's state. It must run tasks serially and in
	// order; nil gives the channel its own EventLoop.
	Executor Executor `yaml:"-"`
}

var DefaultOption = &Option{
	Protocol:       wire.CompactProtocol,
	ConnectTimeout: 10 * time.Second,
	Snappy:         true,
	Checksum:       true,
}

func parseOptions(opts ...*Option) (*Option, error) {
	// if opts is nil or pass nil as parameter
	if len(opts) == 0 || opts[0] == nil {
		opt := *DefaultOption
		opt.Logger = zap.NewNop()
		return &opt, nil
	}
	if len(opts) != 1 {
		return nil, errors.New("rpc: number of options is more than 1")
	}
	opt := *opts[0]
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	return &opt, nil
}

// LoadOption reads a YAML file over a copy of DefaultOption.
func LoadOption(path string) (*Option, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rpc: read option file: %w", err)
	}
	opt := *DefaultOption
	if err := yaml.Unmarshal(data, &opt); err != nil {
		return nil, fmt.Errorf("rpc: parse option file %s: %w", path, err)
	}
	return &opt, nil
}

func (o *Option) frameOptions() transport.FrameOptions {
	return transport.FrameOptions{
		Snappy:       o.Snappy,
		Checksum:     o.Checksum,
		MaxFrameSize: transport.DefaultMaxFrameSize,
	}
}

// CallOptions are the per-call settings of a send.
type CallOptions struct {
	// Timeout bounds the wait for the response, or for the first item of a
	// stream. Zero or negative means DefaultRPCTimeout.
	Timeout time.Duration
	// QueueTimeout bounds the time the request may wait in the server's queue.
	QueueTimeout time.Duration
	// ChunkTimeout bounds the gap between stream items. Zero means no limit.
	ChunkTimeout time.Duration
	// Headers are the request's own headers; ExtraHeaders fill keys Headers
	// leave unset.
	Headers      map[string]string
	ExtraHeaders map[string]string
	// Executor receives this call's callbacks; nil means the channel's executor.
	Executor Executor

	priority    wire.Priority
	hasPriority bool
}

// SetPriority sets the request priority. Values at or above wire.NPriorities
// are ignored when the request is built.
func (o *CallOptions) SetPriority(p wire.Priority) *CallOptions {
	o.priority, o.hasPriority = p, true
	return o
}

// Priority returns the priority set on o, if any.
func (o *CallOptions) Priority() (wire.Priority, bool) {
	return o.priority, o.hasPriority
}
