package syncutil

import (
	"sync"
	"time"
)

// CondWait blocks on cond until ready reports true or the timeout expires.
// The caller must hold cond.L. A negative timeout waits forever, zero only
// evaluates ready once. The return value is the final result of ready.
//
// sync.Cond has no timed wait, so a timer broadcasts on expiry. The timer
// takes cond.L before broadcasting, which means it can never fire between the
// predicate check and the Wait call of this goroutine.
func CondWait(cond *sync.Cond, timeout time.Duration, ready func() bool) bool {
	if ready() {
		return true
	}
	if timeout == 0 {
		return false
	}
	if timeout < 0 {
		for !ready() {
			cond.Wait()
		}
		return true
	}

	expired := false
	timer := time.AfterFunc(timeout, func() {
		cond.L.Lock()
		expired = true
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()

	for !ready() {
		if expired {
			return false
		}
		cond.Wait()
	}
	return true
}
