package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceQueue(t *testing.T) {
	require := require.New(t)

	q := NewSliceQueue[[]byte](4)
	require.True(q.IsEmpty())

	_, ok := q.Dequeue()
	require.False(ok)
	_, ok = q.Peek()
	require.False(ok)

	q.Enqueue([]byte{1})
	q.Enqueue([]byte{2})
	q.Enqueue([]byte{3})
	require.Equal(3, q.Length())

	head, ok := q.Peek()
	require.True(ok)
	require.Equal([]byte{1}, head)

	item, ok := q.Dequeue()
	require.True(ok)
	require.Equal([]byte{1}, item)
	require.Equal(2, q.Length())

	items := q.Drain()
	require.Equal([][]byte{{2}, {3}}, items)
	require.True(q.IsEmpty())

	q.Enqueue([]byte{4})
	q.Reset()
	require.Zero(q.Length())
}
