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

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int]()
	for i := 1; i <= 100; i++ {
		require.NoError(t, q.Enqueue(i, false))
	}
	require.Equal(t, 100, q.Size(false))

	for i := 1; i <= 100; i++ {
		v, err := q.Dequeue(0, false)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.Size(false))
}

func TestQueuePollEmpty(t *testing.T) {
	q := NewQueue[string]()

	start := time.Now()
	_, err := q.Dequeue(0, false)
	assert.True(t, errors.Is(err, errs.ErrQueueEmpty))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestQueueBoundedWait(t *testing.T) {
	q := NewQueue[string]()

	start := time.Now()
	_, err := q.Dequeue(30*time.Millisecond, false)
	elapsed := time.Since(start)

	assert.True(t, errors.Is(err, errs.ErrQueueEmpty))
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestQueueBlockingDequeue(t *testing.T) {
	q := NewQueue[string]()
	got := make(chan string, 1)

	go func() {
		v, err := q.Dequeue(-1, false)
		if err == nil {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned before anything was enqueued")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, q.Enqueue("hello", false))

	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("blocked dequeue was not woken by enqueue")
	}
}

// A burst of enqueues only signals once, every blocked consumer must still
// receive an element.
func TestQueueBurstWakesAllConsumers(t *testing.T) {
	q := NewQueue[int]()
	const consumers = 8

	var wg sync.WaitGroup
	results := make(chan int, consumers)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := q.Dequeue(2*time.Second, false)
			if err == nil {
				results <- v
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Lock()
	for i := 0; i < consumers; i++ {
		require.NoError(t, q.Enqueue(i, true))
	}
	q.Unlock()

	wg.Wait()
	close(results)

	seen := map[int]bool{}
	for v := range results {
		seen[v] = true
	}
	assert.Len(t, seen, consumers)
}

func TestQueueFreeReturnsRemaining(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(i, false))
	}
	_, err := q.Dequeue(0, false)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, q.Free())

	err = q.Enqueue(9, false)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
	_, err = q.Dequeue(0, false)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
}

func TestQueueFreeWakesBlockedConsumer(t *testing.T) {
	q := NewQueue[int]()
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(-1, false)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Free()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
	case <-time.After(time.Second):
		t.Fatal("consumer was not released by Free")
	}
}

func TestQueueNil(t *testing.T) {
	var q *Queue[int]
	assert.True(t, errors.Is(q.Enqueue(1, false), errs.ErrInvalidParameter))
	_, err := q.Dequeue(0, false)
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
}
