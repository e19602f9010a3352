package feed

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransientClassification(t *testing.T) {
	base := errors.New("connection reset")
	wrapped := Transient("wsfeed.read", base)
	require.True(t, IsTransient(wrapped))
	require.ErrorIs(t, wrapped, base)
	require.Contains(t, wrapped.Error(), "wsfeed.read")

	require.True(t, IsTransient(context.DeadlineExceeded))
	require.True(t, IsTransient(fmt.Errorf("fetch: %w", context.DeadlineExceeded)))
	require.False(t, IsTransient(ErrUnavailable))
	require.False(t, IsTransient(nil))
	require.Nil(t, Transient("code", nil))
}

func TestExpectedConditions(t *testing.T) {
	require.True(t, IsExpected(ErrUnavailable))
	require.True(t, IsExpected(fmt.Errorf("poll: %w", ErrNoData)))
	require.True(t, IsExpected(ErrUnsupportedType))
	require.False(t, IsExpected(errors.New("broken pipe")))
	require.False(t, IsExpected(context.DeadlineExceeded))
}
