package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventLoopRunsInOrder(t *testing.T) {
	l := NewEventLoop()
	var got []int
	for i := 0; i < 1000; i++ {
		i := i
		l.Add(func() { got = append(got, i) })
	}
	l.Stop()

	assert.Len(t, got, 1000)
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestEventLoopStopDrainsQueuedTasks(t *testing.T) {
	l := NewEventLoop()
	var got []string
	l.Add(func() {
		got = append(got, "outer")
		l.Add(func() { got = append(got, "inner") })
	})
	l.Stop()

	assert.Equal(t, []string{"outer", "inner"}, got)
}

func TestEventLoopInlineAfterStop(t *testing.T) {
	l := NewEventLoop()
	l.Stop()

	ran := false
	l.Add(func() { ran = true })
	assert.True(t, ran)
}

func TestExecutorContext(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, ExecutorFrom(ctx))

	l := NewEventLoop()
	defer l.Stop()
	assert.Equal(t, Executor(l), ExecutorFrom(WithExecutor(ctx, l)))
	assert.Equal(t, Executor(InlineExecutor{}), ExecutorFrom(WithExecutor(ctx, InlineExecutor{})))
}
