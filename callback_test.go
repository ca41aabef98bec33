package rpc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type callbackLog struct {
	events []string
	ctx    context.Context
}

func (l *callbackLog) funcs() CallbackFuncs {
	return CallbackFuncs{
		Sent: func(ctx context.Context) {
			l.ctx = ctx
			l.events = append(l.events, "sent")
		},
		Response: func(context.Context, *Response) { l.events = append(l.events, "response") },
		Error:    func(_ context.Context, err error) { l.events = append(l.events, "error: "+err.Error()) },
	}
}

func TestResponseCallbackSingleOutcome(t *testing.T) {
	var log callbackLog
	r := newResponseCallback(context.Background(), log.funcs(), InlineExecutor{})

	r.requestSent()
	r.requestSent()
	assert.False(t, r.finished())
	assert.True(t, r.response(&Response{}))
	assert.True(t, r.finished())
	assert.False(t, r.fail(errors.New("late")))
	assert.False(t, r.response(&Response{}))
	assert.False(t, r.sentFinal())

	assert.Equal(t, []string{"sent", "response"}, log.events)
	assert.Equal(t, Executor(InlineExecutor{}), ExecutorFrom(log.ctx))
}

func TestResponseCallbackSentFinal(t *testing.T) {
	var log callbackLog
	r := newResponseCallback(context.Background(), log.funcs(), InlineExecutor{})

	assert.True(t, r.sentFinal())
	r.requestSent()
	assert.False(t, r.fail(errors.New("late")))
	assert.Equal(t, []string{"sent"}, log.events)
}

func TestResponseCallbackFailBeforeSent(t *testing.T) {
	var log callbackLog
	r := newResponseCallback(context.Background(), log.funcs(), InlineExecutor{})

	assert.True(t, r.fail(errors.New("not open")))
	r.requestSent()
	assert.Equal(t, []string{"error: not open"}, log.events)
}
