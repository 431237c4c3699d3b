package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func intCompare(a, b any) int {
	return a.(int) - b.(int)
}

func intEquals(a, b any) bool {
	return a.(int) == b.(int)
}

func TestPriorityQueueOrdering(t *testing.T) {
	pq := NewPriorityQueue[int](intCompare, intEquals)

	pq.Push(3)
	pq.Push(1)
	pq.Push(2)

	assert.Equal(t, 3, pq.Len())
	assert.Equal(t, 1, pq.Pop())
	assert.Equal(t, 2, pq.Pop())
	assert.Equal(t, 3, pq.Pop())
	assert.Equal(t, 0, pq.Len())
}

func TestPriorityQueueRemove(t *testing.T) {
	pq := NewPriorityQueue[int](intCompare, intEquals)

	pq.Push(3)
	pq.Push(1)
	pq.Push(2)

	pq.Remove(2)
	assert.False(t, pq.Contains(2))
	assert.Equal(t, 1, pq.Pop())
	assert.Equal(t, 3, pq.Pop())
}
