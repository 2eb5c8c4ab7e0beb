package actlog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewErrorFormatsOpAndCode(t *testing.T) {
	err := NewError("begin_io_prepare", CodeBusy, "extent slot unavailable")
	require.Equal(t, CodeBusy, err.Code)
	require.True(t, IsCode(err, CodeBusy))
	require.False(t, IsCode(err, CodeWouldBlock))
}

func TestWrapErrorPreservesInner(t *testing.T) {
	inner := NewError("write_transaction", CodeIOError, "short write")
	wrapped := WrapError("begin_io_commit", CodeIOError, inner)
	require.ErrorIs(t, wrapped, inner)
	require.True(t, IsCode(wrapped, CodeIOError))
}

func TestIsCodeFalseForPlainError(t *testing.T) {
	require.False(t, IsCode(errors.New("boom"), CodeBusy))
}
