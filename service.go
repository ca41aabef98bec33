package rpc

import (
	"fmt"
	"go/ast"
	"reflect"
	"sync/atomic"

	"github.com/Lubby-ch/protorpc-channel/wire"
	"github.com/golang/protobuf/proto"
	"go.uber.org/zap"
)

var (
	typeOfError        = reflect.TypeOf((*error)(nil)).Elem()
	typeOfMessage      = reflect.TypeOf((*proto.Message)(nil)).Elem()
	typeOfServerStream = reflect.TypeOf((*ServerStream)(nil))
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type // nil for streaming methods
	numCalls  uint64
}

func (m *methodType) NumCalls() uint64 {
	return atomic.LoadUint64(&m.numCalls)
}

func (m *methodType) streaming() bool { return m.ReplyType == nil }

// accepts reports whether the method serves calls of kind k. Unary methods
// also take no-response calls, dropping the reply.
func (m *methodType) accepts(k wire.RpcKind) bool {
	if m.streaming() {
		return k == wire.StreamingResponse
	}
	return k == wire.SingleResponse || k == wire.NoResponse
}

func (m *methodType) newArgv() reflect.Value {
	return reflect.New(m.ArgType.Elem())
}

func (m *methodType) newReplyv() reflect.Value {
	return reflect.New(m.ReplyType.Elem())
}

type service struct {
	name   string
	rtype  reflect.Type
	rvalue reflect.Value
	method map[string]*methodType
}

func newService(i interface{}, log *zap.Logger) (*service, error) {
	s := new(service)
	s.rvalue = reflect.ValueOf(i)
	s.rtype = reflect.TypeOf(i)
	s.name = reflect.Indirect(s.rvalue).Type().Name()
	s.method = make(map[string]*methodType)
	if !ast.IsExported(s.name) {
		return nil, fmt.Errorf("rpc server: %s is not a valid service name", s.name)
	}
	s.registerMethods(log)
	if len(s.method) == 0 {
		return nil, fmt.Errorf("rpc server: %s has no suitable methods", s.name)
	}
	return s, nil
}

// registerMethods picks up methods shaped either
//
//	func (t *T) Method(req *Req, reply *Reply) error
//	func (t *T) Method(req *Req, stream *ServerStream) error
//
// where Req and Reply are protobuf messages.
func (s *service) registerMethods(log *zap.Logger) {
	for i := 0; i < s.rtype.NumMethod(); i++ {
		method := s.rtype.Method(i)
		mtype := method.Type
		if mtype.NumIn() != 3 || mtype.NumOut() != 1 {
			continue
		}
		if mtype.Out(0) != typeOfError {
			continue
		}
		argType, replyType := mtype.In(1), mtype.In(2)
		if argType.Kind() != reflect.Ptr || !argType.Implements(typeOfMessage) {
			continue
		}
		m := &methodType{method: method, ArgType: argType}
		switch {
		case replyType == typeOfServerStream:
		case replyType.Kind() == reflect.Ptr && replyType.Implements(typeOfMessage):
			m.ReplyType = replyType
		default:
			continue
		}
		s.method[method.Name] = m
		log.Debug("rpc server: register", zap.String("service", s.name), zap.String("method", method.Name), zap.Bool("streaming", m.streaming()))
	}
}

func (s *service) call(m *methodType, argv, replyv reflect.Value) error {
	atomic.AddUint64(&m.numCalls, 1)
	f := m.method.Func
	returnValues := f.Call([]reflect.Value{s.rvalue, argv, replyv})
	if errInter := returnValues[0].Interface(); errInter != nil {
		return errInter.(error)
	}
	return nil
}
