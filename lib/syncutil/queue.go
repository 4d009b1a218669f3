package syncutil

import (
	"sync"
	"time"

	"github.com/ValentinKolb/dDir/lib/errs"
)

// queueNode represents a single element in the queue
type queueNode[T any] struct {
	value T
	next  *queueNode[T]
}

// Queue is a mutex protected FIFO with blocking, polling and bounded dequeue.
//
// The queue owns the values stored in it: Enqueue moves a value in, Dequeue
// moves it out again and Free hands every value that was never dequeued back
// to the caller.
//
// All methods take the queue mutex unless alreadyLocked is set, in which case
// the caller must hold it (see Lock and Unlock).
type Queue[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond

	head  *queueNode[T]
	tail  *queueNode[T]
	size  int
	freed bool
}

// NewQueue creates an empty queue
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Lock acquires the queue mutex. Use it together with alreadyLocked=true to
// run several queue operations atomically.
func (q *Queue[T]) Lock() { q.mu.Lock() }

// Unlock releases the queue mutex.
func (q *Queue[T]) Unlock() { q.mu.Unlock() }

// Enqueue appends value at the tail.
//
// Only the transition from empty to non-empty signals a waiting consumer. A
// consumer that leaves elements behind passes the wake-up on (see Dequeue).
func (q *Queue[T]) Enqueue(value T, alreadyLocked bool) error {
	if q == nil {
		return errs.New(errs.RetCInvalidParameter, "enqueue on nil queue")
	}
	if !alreadyLocked {
		q.mu.Lock()
		defer q.mu.Unlock()
	}
	if q.freed {
		return errs.New(errs.RetCInvalidParameter, "enqueue on freed queue")
	}

	n := &queueNode[T]{value: value}
	if q.tail == nil {
		q.head = n
	} else {
		q.tail.next = n
	}
	q.tail = n
	q.size++

	if q.size == 1 {
		q.cond.Signal()
	}
	return nil
}

// Dequeue removes and returns the head of the queue.
//
// timeout < 0 blocks until an element is available, timeout == 0 returns
// errs.ErrQueueEmpty immediately when the queue is empty and timeout > 0
// waits at most that long before returning errs.ErrQueueEmpty.
func (q *Queue[T]) Dequeue(timeout time.Duration, alreadyLocked bool) (T, error) {
	var zero T
	if q == nil {
		return zero, errs.New(errs.RetCInvalidParameter, "dequeue on nil queue")
	}
	if !alreadyLocked {
		q.mu.Lock()
		defer q.mu.Unlock()
	}

	available := CondWait(q.cond, timeout, func() bool {
		return q.size > 0 || q.freed
	})
	if q.freed {
		return zero, errs.New(errs.RetCInvalidParameter, "dequeue on freed queue")
	}
	if !available {
		return zero, errs.ErrQueueEmpty
	}

	n := q.head
	q.head = n.next
	if q.head == nil {
		q.tail = nil
	}
	q.size--

	// hand the wake-up on, enqueue only signalled once for the whole burst
	if q.size > 0 {
		q.cond.Signal()
	}

	value := n.value
	n.value = zero
	n.next = nil
	return value, nil
}

// Size returns the number of queued elements.
func (q *Queue[T]) Size(alreadyLocked bool) int {
	if !alreadyLocked {
		q.mu.Lock()
		defer q.mu.Unlock()
	}
	return q.size
}

// Free drains the queue and returns the values that were never dequeued,
// in FIFO order. Blocked consumers are woken and fail with InvalidParameter.
// The queue cannot be used after Free.
func (q *Queue[T]) Free() []T {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	remaining := make([]T, 0, q.size)
	for n := q.head; n != nil; n = n.next {
		remaining = append(remaining, n.value)
	}
	q.head, q.tail, q.size = nil, nil, 0
	q.freed = true
	q.cond.Broadcast()
	return remaining
}
