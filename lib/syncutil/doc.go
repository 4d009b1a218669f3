// Package syncutil provides the coordination primitives used by the event
// ledger, the raft runtime and the restore flow.
//
// The package contains:
//   - Queue: mutex + condition FIFO with blocking, polling and bounded Dequeue
//   - LinkedList: doubly linked list on an index stable slab, nodes addressed by NodeID
//   - TSStack: mutex protected stack with capacity doubling
//   - SyncCounter: "wait until the counter reaches a target" rendezvous
//   - CondWait: timed wait on a sync.Cond
//
// Timeouts follow one convention everywhere: a negative duration waits
// forever, zero polls and a positive duration bounds the wait.
//
// Primitives return errors from package errs and never log.
// LinkedList is the only primitive that is not internally synchronized.
package syncutil
