package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryKVScanPrefixAndStop(t *testing.T) {
	kv := NewMemoryKV()
	require.NoError(t, kv.Put("quote\x1fa", []byte("1")))
	require.NoError(t, kv.Put("quote\x1fb", []byte("2")))
	require.NoError(t, kv.Put("index\x1fa", []byte("3")))

	var seen []string
	require.NoError(t, kv.Scan("quote\x1f", func(key string, _ []byte) bool {
		seen = append(seen, key)
		return true
	}))
	require.Equal(t, []string{"quote\x1fa", "quote\x1fb"}, seen)

	seen = nil
	require.NoError(t, kv.Scan("", func(key string, _ []byte) bool {
		seen = append(seen, key)
		return false
	}))
	require.Len(t, seen, 1)
}

func TestMemoryKVGetCopies(t *testing.T) {
	kv := NewMemoryKV()
	require.NoError(t, kv.Put("k", []byte("abc")))

	value, ok, err := kv.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	value[0] = 'x'

	again, _, err := kv.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), again)

	require.NoError(t, kv.Delete("k"))
	_, ok, err = kv.Get("k")
	require.NoError(t, err)
	require.False(t, ok)
}
