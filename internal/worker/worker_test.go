package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitRunsOnWorkerGoroutine(t *testing.T) {
	w := New(4)
	defer w.Stop()

	ran := false
	err := w.Submit(func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestSubmitPropagatesError(t *testing.T) {
	w := New(1)
	defer w.Stop()

	want := errors.New("boom")
	err := w.Submit(func() error { return want })
	require.ErrorIs(t, err, want)
}

func TestSubmitOrdersWork(t *testing.T) {
	w := New(4)
	defer w.Stop()

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, w.Submit(func() error {
			order = append(order, i)
			return nil
		}))
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSubmitAsyncEventuallyRuns(t *testing.T) {
	w := New(4)
	defer w.Stop()

	done := make(chan struct{})
	w.SubmitAsync(func() error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async work never ran")
	}
}

func TestSubmitAfterStopReturnsErrStopped(t *testing.T) {
	w := New(1)
	w.Stop()
	err := w.Submit(func() error { return nil })
	require.ErrorIs(t, err, ErrStopped)
}

func TestBufferPoolRoundTrip(t *testing.T) {
	buf := GetBuffer()
	require.Len(t, buf, blockSize)
	buf[0] = 0xFF
	PutBuffer(buf)

	buf2 := GetBuffer()
	require.Len(t, buf2, blockSize)
	require.Equal(t, byte(0), buf2[0], "GetBuffer must hand back a zeroed block")
}
