package rpc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPendingCounter(t *testing.T) {
	zeros := 0
	c := newPendingCounter(func() { zeros++ })
	c.setMaximum(2)

	assert.True(t, c.tryIncrement())
	assert.True(t, c.tryIncrement())
	assert.False(t, c.tryIncrement())
	assert.EqualValues(t, 2, c.value())

	c.decrement()
	assert.Equal(t, 0, zeros)
	c.decrement()
	assert.Equal(t, 1, zeros)
	assert.EqualValues(t, 0, c.value())

	assert.True(t, c.tryIncrement())
	c.decrement()
	assert.Equal(t, 2, zeros)

	assert.Panics(t, c.decrement)
}

func TestPendingCounterMaximum(t *testing.T) {
	c := newPendingCounter(nil)
	assert.EqualValues(t, uint32(math.MaxUint32), c.maximum())

	for i := 0; i < 3; i++ {
		assert.True(t, c.tryIncrement())
	}
	// lowering the bound below the current count only blocks new slots
	c.setMaximum(2)
	assert.False(t, c.tryIncrement())
	c.decrement()
	assert.False(t, c.tryIncrement())
	c.decrement()
	assert.True(t, c.tryIncrement())

	c.setMaximum(0)
	assert.EqualValues(t, uint32(math.MaxUint32), c.maximum())
	assert.True(t, c.tryIncrement())
}
