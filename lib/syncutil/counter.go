package syncutil

import (
	"sync"
	"time"

	"github.com/ValentinKolb/dDir/lib/errs"
)

// WakeupMethod selects how waiters are woken once the counter hits its target
type WakeupMethod uint8

const (
	WakeupSignalOne WakeupMethod = iota + 1 // wake a single waiter
	WakeupBroadcast                         // wake every waiter, each re-checks the predicate
)

func (m WakeupMethod) String() string {
	switch m {
	case WakeupSignalOne:
		return "SignalOne"
	case WakeupBroadcast:
		return "Broadcast"
	default:
		return "Unknown"
	}
}

// SyncCounter is a rendezvous point: WaitEvent blocks until the counter equals
// the target value or the configured wait expires.
type SyncCounter struct {
	mu       sync.Mutex
	cond     *sync.Cond
	counter  int64
	target   int64
	wakeup   WakeupMethod
	condWait time.Duration
}

// NewSyncCounter creates a counter starting at zero.
// condWait bounds WaitEvent, a negative value waits forever.
func NewSyncCounter(target int64, wakeup WakeupMethod, condWait time.Duration) (*SyncCounter, error) {
	if wakeup != WakeupSignalOne && wakeup != WakeupBroadcast {
		return nil, errs.Newf(errs.RetCInvalidParameter, "unsupported wakeup method %d", wakeup)
	}
	c := &SyncCounter{
		target:   target,
		wakeup:   wakeup,
		condWait: condWait,
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// WaitEvent blocks until the counter reaches the target. timedOut is true if
// the wait expired first.
func (c *SyncCounter) WaitEvent() (timedOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cond == nil {
		return true
	}
	return !CondWait(c.cond, c.condWait, func() bool {
		return c.counter == c.target
	})
}

// Change adds delta to the counter and wakes waiters when the target is
// reached. If waking fails the delta is rolled back.
func (c *SyncCounter) Change(delta int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter += delta
	if c.counter != c.target {
		return nil
	}
	if err := c.signal(); err != nil {
		c.counter -= delta
		return err
	}
	return nil
}

func (c *SyncCounter) Increment() error { return c.Change(1) }

func (c *SyncCounter) Decrement() error { return c.Change(-1) }

// Value returns the current counter value
func (c *SyncCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// signal wakes waiters, caller holds c.mu
func (c *SyncCounter) signal() error {
	if c.cond == nil {
		return errs.New(errs.RetCInvalidParameter, "counter was not created with NewSyncCounter")
	}
	switch c.wakeup {
	case WakeupSignalOne:
		c.cond.Signal()
	case WakeupBroadcast:
		c.cond.Broadcast()
	default:
		return errs.Newf(errs.RetCInvalidParameter, "unsupported wakeup method %d", c.wakeup)
	}
	return nil
}
