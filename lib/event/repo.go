package event

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/syncutil"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("event")

// DefaultRetain is the default number of unreferenced ready events kept for
// sessions that resume from an older revision
const DefaultRetain = 1024

// Decoder materializes raw entry images
type Decoder interface {
	DecodeEntry(raw []byte) (*entry.Entry, error)
}

// RepoOptions configures a Repo
type RepoOptions struct {
	// Retain is the number of unreferenced ready events that are kept.
	// Referenced events are never pruned. 0 prunes as soon as possible.
	Retain int

	// SyncTimeout bounds a single wait of the Run loop
	SyncTimeout time.Duration
}

// Repo is the two phase event ledger: a pending queue of events whose write
// is still in flight and a ready list of events available to watch sessions.
//
// The ready list starts with a sentinel that stands for "before the oldest
// live event". A session positioned on the sentinel protects every event in
// the list. The effective head (the event after the sentinel) is only pruned
// once nobody references it or the sentinel and more than Retain events are
// ready.
//
// Lock order is listMu before Event.mu. The pending queue mutex is never held
// together with an event mutex.
type Repo struct {
	pending  *syncutil.Queue[*Event]
	inflight *Event // dequeued but not yet settled, only touched by Sync
	syncMu   sync.Mutex
	decoder  Decoder

	listMu         sync.Mutex
	listCond       *sync.Cond
	ready          *syncutil.LinkedList[*Event]
	sentinel       *Event
	lastRevision   uint64
	prunedRevision uint64
	retain         int
	syncTimeout    time.Duration
	closed         bool

	metrics   *metrics.Set
	promoted  *metrics.Counter
	pruned    *metrics.Counter
	discarded *metrics.Counter
	failed    *metrics.Counter
}

// NewRepo creates an empty repository
func NewRepo(decoder Decoder, opts *RepoOptions) *Repo {
	if opts == nil {
		opts = &RepoOptions{Retain: DefaultRetain}
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 100 * time.Millisecond
	}

	r := &Repo{
		pending:     syncutil.NewQueue[*Event](),
		decoder:     decoder,
		ready:       syncutil.NewLinkedList[*Event](),
		retain:      opts.Retain,
		syncTimeout: opts.SyncTimeout,
		metrics:     metrics.NewSet(),
	}
	r.listCond = sync.NewCond(&r.listMu)

	r.sentinel = New(0, "", 0)
	r.sentinel.node = r.ready.InsertHead(r.sentinel)

	r.promoted = r.metrics.NewCounter("ddir_events_promoted_total")
	r.pruned = r.metrics.NewCounter("ddir_events_pruned_total")
	r.discarded = r.metrics.NewCounter("ddir_events_discarded_total")
	r.failed = r.metrics.NewCounter("ddir_events_decode_failed_total")
	r.metrics.NewGauge("ddir_events_pending", func() float64 {
		return float64(r.pending.Size(false))
	})
	r.metrics.NewGauge("ddir_events_ready", func() float64 {
		return float64(r.ReadyCount())
	})

	return r
}

// WriteMetrics writes the repository metrics in Prometheus text format
func (r *Repo) WriteMetrics(w io.Writer) {
	r.metrics.WritePrometheus(w)
}

// --------------------------------------------------------------------------
// Pending phase
// --------------------------------------------------------------------------

// AddPendingEvent queues an event whose producing write is in flight.
// Events must be added in commit order.
func (r *Repo) AddPendingEvent(ev *Event, alreadyLocked bool) error {
	if ev == nil {
		return errs.New(errs.RetCInvalidParameter, "nil event")
	}
	return r.pending.Enqueue(ev, alreadyLocked)
}

// LockPending locks the pending queue, see AddPendingEvent
func (r *Repo) LockPending() { r.pending.Lock() }

// UnlockPending unlocks the pending queue
func (r *Repo) UnlockPending() { r.pending.Unlock() }

// Sync promotes the oldest pending event once its write settled.
//
// It returns the promoted event, nil for a discarded one, errs.ErrQueueEmpty
// if nothing is pending and errs.ErrTimeout if the oldest event did not
// settle in time (it stays first in line for the next call).
//
// An event whose images cannot be decoded is promoted with DecodeErr set, a
// committed revision is never left out of the ready list. Sync returns the
// event together with the decode error.
func (r *Repo) Sync(timeout time.Duration) (*Event, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	ev := r.inflight
	if ev == nil {
		var err error
		if ev, err = r.pending.Dequeue(timeout, false); err != nil {
			return nil, err
		}
	}

	ready, settled := ev.waitSettled(timeout)
	if !settled {
		r.inflight = ev
		return nil, errs.ErrTimeout
	}
	r.inflight = nil

	if !ready {
		r.discarded.Inc()
		return nil, nil
	}

	if err := r.decode(ev); err != nil {
		r.failed.Inc()
		ev.DecodeErr = err
		log.Errorf("event sync: %s is ready undecoded: %v", ev, err)
	}

	r.listMu.Lock()
	defer r.listMu.Unlock()

	ev.node = r.ready.InsertTail(ev)
	if ev.Revision > r.lastRevision {
		r.lastRevision = ev.Revision
	}
	r.promoted.Inc()
	r.pruneLocked()
	r.listCond.Broadcast()
	return ev, ev.DecodeErr
}

// Run calls Sync until ctx is done
func (r *Repo) Run(ctx context.Context) {
	for ctx.Err() == nil {
		_, err := r.Sync(r.syncTimeout)
		if err != nil && !errs.CodeOf(err).Recoverable() && !errors.Is(err, errs.ErrInvalidEntry) {
			log.Warningf("event sync: %v", err)
		}
	}
}

func (r *Repo) decode(ev *Event) error {
	if r.decoder == nil {
		return nil
	}
	for _, d := range ev.Data {
		var err error
		if d.Old == nil && len(d.RawOld) > 0 {
			if d.Old, err = r.decoder.DecodeEntry(d.RawOld); err != nil {
				return fmt.Errorf("decode old image: %w", err)
			}
		}
		if d.New == nil && len(d.RawNew) > 0 {
			if d.New, err = r.decoder.DecodeEntry(d.RawNew); err != nil {
				return fmt.Errorf("decode new image: %w", err)
			}
		}
	}
	return nil
}

// Close releases every pending event and wakes waiting sessions
func (r *Repo) Close() []*Event {
	left := r.pending.Free()
	r.listMu.Lock()
	r.closed = true
	r.listCond.Broadcast()
	r.listMu.Unlock()
	return left
}

// --------------------------------------------------------------------------
// Ready phase
// --------------------------------------------------------------------------

// GetNextReadyEvent moves a cursor forward. It acquires the event after
// cookie, releases cookie and returns the acquired event.
//
// A nil cookie starts before the oldest live event. If there is no next event
// errs.ErrEndOfList is returned and the caller keeps cookie.
func (r *Repo) GetNextReadyEvent(cookie *Event) (*Event, error) {
	r.listMu.Lock()
	defer r.listMu.Unlock()

	from := r.sentinel
	if cookie != nil {
		if !r.ready.Contains(cookie.node) {
			return nil, errs.Newf(errs.RetCInvalidParameter, "%s is not a ready event", cookie)
		}
		from = cookie
	}

	nextID, err := r.ready.Next(from.node)
	if err != nil {
		return nil, err
	}
	next, err := r.ready.Value(nextID)
	if err != nil {
		return nil, err
	}

	next.refCount.Add(1)
	if cookie != nil {
		r.releaseLocked(cookie)
	}
	return next, nil
}

// Release drops the reference a cursor holds on cookie
func (r *Repo) Release(cookie *Event) {
	if cookie == nil {
		return
	}
	r.listMu.Lock()
	defer r.listMu.Unlock()
	r.releaseLocked(cookie)
}

// Position acquires the cursor a session resumes from: the newest event with a
// revision <= since (the sentinel if there is none). fromNow positions on the
// newest event. It fails with errs.ErrEndOfList if events after since were
// already pruned.
func (r *Repo) Position(since uint64, fromNow bool) (*Event, error) {
	r.listMu.Lock()
	defer r.listMu.Unlock()

	if !fromNow && since < r.prunedRevision {
		return nil, errs.Newf(errs.RetCEndOfList, "revision %d was pruned (oldest kept is after %d)", since, r.prunedRevision)
	}

	cursor := r.sentinel
	id, err := r.ready.Next(r.sentinel.node)
	for err == nil {
		ev, verr := r.ready.Value(id)
		if verr != nil {
			return nil, verr
		}
		if !fromNow && ev.Revision > since {
			break
		}
		cursor = ev
		id, err = r.ready.Next(id)
	}

	cursor.refCount.Add(1)
	return cursor, nil
}

// IsSentinel reports whether a cursor is positioned before the oldest event
func (r *Repo) IsSentinel(ev *Event) bool {
	return ev == r.sentinel
}

// WaitNext blocks until an event after cookie is ready or the timeout
// expires. A nil cookie waits for any ready event.
func (r *Repo) WaitNext(cookie *Event, timeout time.Duration) bool {
	r.listMu.Lock()
	defer r.listMu.Unlock()

	from := r.sentinel
	if cookie != nil {
		from = cookie
	}
	return syncutil.CondWait(r.listCond, timeout, func() bool {
		if !r.ready.Contains(from.node) {
			return true
		}
		_, err := r.ready.Next(from.node)
		return err == nil || r.closed
	})
}

// ReadyCount returns the number of ready events (without the sentinel)
func (r *Repo) ReadyCount() int {
	r.listMu.Lock()
	defer r.listMu.Unlock()
	return r.ready.GetSize() - 1
}

// LastRevision returns the revision of the newest ready event
func (r *Repo) LastRevision() uint64 {
	r.listMu.Lock()
	defer r.listMu.Unlock()
	return r.lastRevision
}

// PrunedRevision returns the revision of the newest pruned event
func (r *Repo) PrunedRevision() uint64 {
	r.listMu.Lock()
	defer r.listMu.Unlock()
	return r.prunedRevision
}

// releaseLocked drops one reference, caller holds listMu
func (r *Repo) releaseLocked(ev *Event) {
	if ev.refCount.Add(-1) < 0 {
		// releasing more than was acquired is a caller bug, clamp it
		ev.refCount.Store(0)
		log.Warningf("event release: %s released more often than acquired", ev)
	}
	r.pruneLocked()
}

// pruneLocked frees effective heads that nobody can reach anymore.
// Caller holds listMu.
func (r *Repo) pruneLocked() {
	for r.sentinel.refCount.Load() == 0 && r.ready.GetSize()-1 > r.retain {
		headID, err := r.ready.Next(r.sentinel.node)
		if err != nil {
			return
		}
		head, err := r.ready.Value(headID)
		if err != nil || head.refCount.Load() > 0 {
			return
		}
		if _, err := r.ready.Remove(headID); err != nil {
			return
		}
		head.node = syncutil.NodeID{}
		if head.Revision > r.prunedRevision {
			r.prunedRevision = head.Revision
		}
		r.pruned.Inc()
	}
}
