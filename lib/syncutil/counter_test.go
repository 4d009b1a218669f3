package syncutil

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncCounterRendezvous(t *testing.T) {
	c, err := NewSyncCounter(3, WakeupSignalOne, 5*time.Second)
	require.NoError(t, err)

	type result struct {
		timedOut bool
		value    int64
	}
	done := make(chan result, 1)
	go func() {
		timedOut := c.WaitEvent()
		done <- result{timedOut, c.Value()}
	}()

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			assert.NoError(t, c.Increment())
		}()
	}

	select {
	case <-done:
		t.Fatal("waiter returned before any increment")
	case <-time.After(20 * time.Millisecond):
	}

	close(start)
	wg.Wait()

	select {
	case r := <-done:
		assert.False(t, r.timedOut)
		assert.Equal(t, int64(3), r.value)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestSyncCounterBroadcast(t *testing.T) {
	c, err := NewSyncCounter(1, WakeupBroadcast, 5*time.Second)
	require.NoError(t, err)

	const waiters = 5
	var wg sync.WaitGroup
	timedOut := make(chan bool, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			timedOut <- c.WaitEvent()
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Increment())

	wg.Wait()
	close(timedOut)
	for to := range timedOut {
		assert.False(t, to)
	}
}

func TestSyncCounterTimeout(t *testing.T) {
	c, err := NewSyncCounter(2, WakeupSignalOne, 20*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, c.Increment())

	assert.True(t, c.WaitEvent())
	assert.Equal(t, int64(1), c.Value())
}

func TestSyncCounterDecrement(t *testing.T) {
	c, err := NewSyncCounter(0, WakeupSignalOne, 0)
	require.NoError(t, err)

	require.NoError(t, c.Increment())
	assert.True(t, c.WaitEvent())
	require.NoError(t, c.Decrement())
	assert.False(t, c.WaitEvent())
}

func TestSyncCounterInvalidWakeup(t *testing.T) {
	_, err := NewSyncCounter(1, WakeupMethod(42), 0)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
}

func TestSyncCounterRollback(t *testing.T) {
	var c SyncCounter // not built through NewSyncCounter, signalling fails

	err := c.Change(0)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
	assert.Equal(t, int64(0), c.Value())

	require.NoError(t, c.Change(5))
	assert.Equal(t, int64(5), c.Value())
}

func TestTSStack(t *testing.T) {
	s, err := NewTSStack[int](2)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		s.Push(i)
	}
	assert.Equal(t, 5, s.Size())
	assert.GreaterOrEqual(t, s.Cap(), 5)

	for i := 4; i >= 0; i-- {
		v, ok := s.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := s.Pop()
	assert.False(t, ok)

	_, err = NewTSStack[int](-1)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
}
