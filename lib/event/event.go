package event

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/syncutil"
)

// Op is the directory mutation that produced an event
type Op uint8

const (
	OpAdd Op = iota + 1
	OpModify
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "Add"
	case OpModify:
		return "Modify"
	case OpDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Data is one before/after image pair of an event. The raw images are set by
// the producer, Old and New are decoded while the event is promoted to ready.
type Data struct {
	RawOld []byte
	RawNew []byte
	Old    *entry.Entry
	New    *entry.Entry
}

// Event bundles the image pairs of a single directory mutation.
//
// An event is pending until the writing transaction ends (MarkReady or
// Discard), then Repo.Sync decodes and promotes it to the ready list where
// watch sessions reference it.
type Event struct {
	Op       Op
	DN       string
	Revision uint64 // local USN of the write
	Data     []*Data
	// DecodeErr is set if an image could not be decoded, the event is ready
	// with its raw images nonetheless
	DecodeErr error

	refCount atomic.Int32
	node     syncutil.NodeID // position in the ready list, set on promotion

	mu        sync.Mutex
	cond      *sync.Cond
	ready     bool
	discarded bool
}

// New creates a pending event
func New(op Op, dn string, revision uint64, data ...*Data) *Event {
	e := &Event{
		Op:       op,
		DN:       dn,
		Revision: revision,
		Data:     data,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *Event) String() string {
	return fmt.Sprintf("Event{Op: %s, DN: %s, Revision: %d, Refs: %d}", e.Op, e.DN, e.Revision, e.refCount.Load())
}

// RefCount returns the number of watch sessions positioned on the event
func (e *Event) RefCount() int32 {
	return e.refCount.Load()
}

// MarkReady signals that the producing transaction committed
func (e *Event) MarkReady() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ready = true
	e.cond.Broadcast()
}

// Discard signals that the producing transaction was aborted, the event is
// dropped instead of promoted.
func (e *Event) Discard() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discarded = true
	e.cond.Broadcast()
}

// waitSettled waits until the event is ready or discarded. It returns false
// if the timeout expired first.
func (e *Event) waitSettled(timeout time.Duration) (ready, settled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	settled = syncutil.CondWait(e.cond, timeout, func() bool {
		return e.ready || e.discarded
	})
	return e.ready && !e.discarded, settled
}

// Primary returns the newest decoded image of the event (the old image for
// deletes)
func (e *Event) Primary() *entry.Entry {
	if len(e.Data) == 0 {
		return nil
	}
	d := e.Data[0]
	if d.New != nil {
		return d.New
	}
	return d.Old
}
