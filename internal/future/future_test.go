package future_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/draganm/go-modloader/internal/future"
)

func TestResolveThenWait(t *testing.T) {
	f := future.New[int]()
	f.Resolve(42)

	v, err := f.Wait()
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestRejectThenWait(t *testing.T) {
	f := future.New[int]()
	boom := errors.New("boom")
	f.Reject(boom)

	_, err := f.Wait()
	require.ErrorIs(t, err, boom)
}

func TestSettleIsIdempotent(t *testing.T) {
	f := future.New[int]()
	f.Resolve(1)
	f.Resolve(2)
	f.Reject(errors.New("ignored"))

	v, err := f.Wait()
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestPeek(t *testing.T) {
	f := future.New[int]()
	_, _, ok := f.Peek()
	require.False(t, ok)

	f.Resolve(7)
	v, err, ok := f.Peek()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestThenBlocksUntilSettled(t *testing.T) {
	f := future.New[int]()
	var wg sync.WaitGroup
	wg.Add(1)

	var got int
	f.Then(func(v int, err error) {
		got = v
		wg.Done()
	})

	time.Sleep(10 * time.Millisecond)
	f.Resolve(99)

	wg.Wait()
	require.Equal(t, 99, got)
}
