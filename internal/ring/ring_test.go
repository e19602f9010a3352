package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferKeepsMostRecent(t *testing.T) {
	buf := New[int](3)
	require.Equal(t, 3, buf.Cap())
	require.Equal(t, 0, buf.Len())

	buf.Push(1)
	buf.Push(2)
	require.Equal(t, []int{1, 2}, buf.Items())

	buf.Push(3)
	buf.Push(4)
	buf.Push(5)
	require.Equal(t, []int{3, 4, 5}, buf.Items())
	require.Equal(t, uint64(2), buf.Dropped())

	last, ok := buf.Last()
	require.True(t, ok)
	require.Equal(t, 5, last)
}

func TestBufferClampsCapacity(t *testing.T) {
	buf := New[string](0)
	require.Equal(t, 1, buf.Cap())
	buf.Push("a")
	buf.Push("b")
	require.Equal(t, []string{"b"}, buf.Items())
}

func TestBufferEmptyLast(t *testing.T) {
	buf := New[int](2)
	_, ok := buf.Last()
	require.False(t, ok)
	require.Empty(t, buf.Items())
}
