package main

import (
	"errors"
	"strings"

	rpc "github.com/Lubby-ch/protorpc-channel"
	"github.com/Lubby-ch/protorpc-channel/codec"
	"github.com/Lubby-ch/protorpc-channel/wire"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Echo answers with what it is sent.
type Echo struct {
	log *zap.Logger
}

func (e *Echo) Say(req *wrapperspb.StringValue, reply *wrapperspb.StringValue) error {
	if req.Value == "" {
		return errors.New("empty message")
	}
	reply.Value = req.Value
	return nil
}

func (e *Echo) Upper(req *wrapperspb.StringValue, reply *wrapperspb.StringValue) error {
	reply.Value = strings.ToUpper(req.Value)
	return nil
}

// Note logs the message; callers send it as a no-response call.
func (e *Echo) Note(req *wrapperspb.StringValue, reply *wrapperspb.StringValue) error {
	e.log.Info("note", zap.String("message", req.Value))
	return nil
}

// Count streams 0..n-1.
func (e *Echo) Count(req *wrapperspb.Int32Value, stream *rpc.ServerStream) error {
	for i := int32(0); i < req.Value; i++ {
		if err := stream.Send(wrapperspb.Int32(i)); err != nil {
			return err
		}
	}
	return nil
}

var echoMethods = codec.NewMethodTable(
	codec.Method{Name: "Echo.Note", Kind: wire.NoResponse},
	codec.Method{Name: "Echo.Count", Kind: wire.StreamingResponse},
)
