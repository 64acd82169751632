package async

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFuture_ResolveThenGet(t *testing.T) {
	f := NewFuture[int]()

	go func() {
		time.Sleep(5 * time.Millisecond)
		f.Resolve(42)
	}()

	v, err := f.Get()
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestFuture_Reject(t *testing.T) {
	f := NewFuture[int]()
	wantErr := errors.New("boom")
	f.Reject(wantErr)

	v, err := f.Get()
	require.ErrorIs(t, err, wantErr)
	require.Zero(t, v)
}

func TestFuture_FirstWriteWins(t *testing.T) {
	f := NewFuture[int]()
	f.Resolve(1)
	f.Resolve(2)
	f.Reject(errors.New("ignored"))

	v, err := f.Get()
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestFuture_TryGet(t *testing.T) {
	f := NewFuture[string]()
	_, _, ok := f.TryGet()
	require.False(t, ok)

	f.Resolve("ready")
	v, err, ok := f.TryGet()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, "ready", v)
}

func TestFuture_DoneSelect(t *testing.T) {
	f := NewFuture[int]()
	timer := time.NewTimer(50 * time.Millisecond)
	defer timer.Stop()

	go f.Resolve(7)

	select {
	case <-f.Done():
	case <-timer.C:
		t.Fatal("timed out waiting for future")
	}

	v, err := f.Get()
	require.NoError(t, err)
	require.Equal(t, 7, v)
}
