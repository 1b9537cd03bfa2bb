package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueOrder(t *testing.T) {
	q := newQueue[int]()

	for i := 0; i < 10; i++ {
		assert.True(t, q.push(i))
	}
	assert.Equal(t, 10, q.len())

	for i := 0; i < 10; i++ {
		v, ok := q.pop()
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestQueueClose(t *testing.T) {
	q := newQueue[string]()

	q.push("a")
	q.push("b")
	q.close()

	assert.False(t, q.push("c"), "push after close should fail")

	v, ok := q.pop()
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	v, ok = q.pop()
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestQueueDrain(t *testing.T) {
	q := newQueue[int]()

	q.push(1)
	q.push(2)

	assert.Equal(t, []int{1, 2}, q.drain())
	assert.False(t, q.push(3))

	_, ok := q.pop()
	assert.False(t, ok)
}

func TestQueueWakesConsumer(t *testing.T) {
	q := newQueue[int]()
	got := make(chan int)

	go func() {
		for {
			v, ok := q.pop()
			if !ok {
				close(got)
				return
			}
			got <- v
		}
	}()

	q.push(42)
	assert.Equal(t, 42, <-got)

	q.close()
	_, open := <-got
	assert.False(t, open)
}
