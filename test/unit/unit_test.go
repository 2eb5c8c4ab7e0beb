//go:build !integration

// Package unit holds black-box smoke tests against actlog's public
// surface only (no internal/* imports), the counterpart to
// test/integration's white-box wiring tests.
package unit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nblockio/actlog"
)

func TestDefaultConfigIsSane(t *testing.T) {
	cfg := actlog.DefaultConfig()
	require.Positive(t, cfg.ALExtents)
	require.Positive(t, cfg.MaxPendingChanges)
	require.Positive(t, cfg.WorkerQueueDepth)
	require.True(t, cfg.ALUpdates)
}

func TestSizingConstants(t *testing.T) {
	require.EqualValues(t, 512, actlog.SectorSize)
	require.Positive(t, actlog.ALExtentSize)
	require.Positive(t, actlog.BMExtentSize)
	require.EqualValues(t, 4096, actlog.MetadataBlockSize)
}

func TestErrorTypesImplementError(t *testing.T) {
	var _ error = actlog.ErrNoBackend
	require.True(t, actlog.IsCode(actlog.ErrNoBackend, actlog.CodeNoDevice))

	wrapped := actlog.WrapError("some_op", actlog.CodeIOError, errors.New("disk gone"))
	require.True(t, actlog.IsCode(wrapped, actlog.CodeIOError))
}

func TestNewDeviceRejectsNilBackend(t *testing.T) {
	_, err := actlog.NewDevice(actlog.DeviceParams{}, nil)
	require.ErrorIs(t, err, actlog.ErrNoBackend)
}
