package raft

import (
	"context"
	"time"

	"github.com/ValentinKolb/dDir/lib/db"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/event"
	"github.com/ValentinKolb/dDir/lib/raft/internal"
	"github.com/ValentinKolb/dDir/lib/syncutil"
)

// PreCommit appends a client write to the log. The log entry, the applied
// index and the new commit index are staged in txn, so they become durable
// together with the write once a majority has the entry.
func (r *ClusterRuntime) PreCommit(txn db.Txn, op event.Op, dn string, image []byte) (db.CommitHooks, error) {
	r.mu.Lock()
	if r.st.role != Leader || r.disallowUpdates {
		role, leader, taking := r.st.role, r.st.leader, r.disallowUpdates
		r.mu.Unlock()
		if taking {
			return nil, errs.New(errs.RetCUnwillingToPerform, "leader is taking over the log, retry")
		}
		return nil, errs.Newf(errs.RetCUnwillingToPerform, "%s is %s, leader is %q", r.opts.NodeID, role, leader)
	}
	if r.pending != nil {
		pending := r.pending
		r.mu.Unlock()
		return nil, errs.Newf(errs.RetCInternal, "log entry %s is still pending", pending)
	}
	e := &internal.LogEntry{
		Index: r.st.lastLogIndex + 1,
		Term:  r.st.currentTerm,
		Op:    op,
		DN:    dn,
		Image: image,
	}
	ps := r.persistentLocked()
	ps.commitIndex = e.Index
	r.pending = e
	r.mu.Unlock()

	if err := r.stageEntry(txn, e, ps, true); err != nil {
		r.clearPending(e)
		return nil, err
	}
	return &commitHooks{r: r, entry: e, timeout: r.opts.ElectionTimeout}, nil
}

// commitNoop commits the entry a new leader starts its term with. The entry
// goes through the same hooks as a client write.
func (r *ClusterRuntime) commitNoop(e *internal.LogEntry) error {
	r.mu.Lock()
	if pending := r.pending; pending != nil {
		r.mu.Unlock()
		return errs.Newf(errs.RetCInternal, "log entry %s is still pending", pending)
	}
	ps := r.persistentLocked()
	ps.commitIndex = e.Index
	r.pending = e
	r.mu.Unlock()

	_, err := r.store.ApplyLogEntry(internal.OpNoop, "", nil, func(txn db.Txn) error {
		// the noop is applied by the apply loop, after the entries before it
		if err := r.stageEntry(txn, e, ps, false); err != nil {
			return err
		}
		txn.SetCommitHooks(&commitHooks{r: r, entry: e, timeout: noopTimeoutFactor * r.opts.ElectionTimeout})
		return nil
	})
	if err != nil {
		r.clearPending(e)
	}
	return err
}

func (r *ClusterRuntime) stageEntry(txn db.Txn, e *internal.LogEntry, ps persistentState, applied bool) error {
	if err := r.log.Stage(txn, e); err != nil {
		return err
	}
	if applied {
		if err := r.log.StageApplied(txn, e.Index); err != nil {
			return err
		}
	}
	return stageLocal(txn, ps.toEntry())
}

func (r *ClusterRuntime) clearPending(e *internal.LogEntry) {
	r.mu.Lock()
	if r.pending == e {
		r.pending = nil
		r.cond.Broadcast()
	}
	r.mu.Unlock()
}

// commitHooks bind one log entry to the write transaction carrying it. They
// run while the transaction holds the writer lock of the database.
type commitHooks struct {
	r       *ClusterRuntime
	entry   *internal.LogEntry
	timeout time.Duration
}

func (h *commitHooks) PrepareCommit() (uint64, uint64, error) {
	if err := h.r.replicate(h.entry, h.timeout); err != nil {
		h.r.commitFails.Inc()
		h.r.clearPending(h.entry)
		log.Warningf("commit of %s failed: %v", h.entry, err)
		return 0, 0, err
	}
	return h.entry.Index, h.entry.Term, nil
}

func (h *commitHooks) PostCommit(logIndex, logTerm uint64) {
	r := h.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if logIndex > r.st.commitIndex {
		r.st.commitIndex = logIndex
	}
	r.st.lastLogIndex = logIndex
	r.st.lastLogTerm = logTerm
	if r.st.firstLogIndex == 0 {
		r.st.firstLogIndex = logIndex
	}
	if !h.entry.IsNoop() && logIndex > r.st.lastApplied {
		r.st.lastApplied = logIndex
	}
	if r.pending == h.entry {
		r.pending = nil
	}
	r.cond.Broadcast()
}

func (h *commitHooks) CommitFail() {
	h.r.commitFails.Inc()
	h.r.clearPending(h.entry)
	log.Errorf("database could not apply the replicated log entry %s", h.entry)
}

// replicate sends e to every peer and waits until a majority of the cluster
// has it. A leader that loses its role or term meanwhile fails with
// errs.ErrUnwillingToPerform, a missing majority with errs.ErrCommitFailed.
func (r *ClusterRuntime) replicate(e *internal.LogEntry, timeout time.Duration) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errs.Newf(errs.RetCUnwillingToPerform, "raft runtime of %s is stopped", r.opts.NodeID)
	}
	size, term := r.st.clusterSize, r.st.currentTerm
	if size < 2 {
		r.mu.Unlock()
		return nil
	}
	var peers []*peer
	r.peers.Range(func(_ string, p *peer) bool {
		peers = append(peers, p)
		return true
	})
	// added under mu, Stop waits for these once it has set closed
	r.wg.Add(len(peers))
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	acks, failed := 1, 0
	for _, p := range peers {
		go func() {
			defer r.wg.Done()
			err := r.syncPeer(ctx, p, e.Index)
			r.mu.Lock()
			if err == nil {
				acks++
			} else {
				failed++
			}
			r.cond.Broadcast()
			r.mu.Unlock()
		}()
	}

	need := majority(size)
	r.mu.Lock()
	defer r.mu.Unlock()
	syncutil.CondWait(r.cond, timeout, func() bool {
		return r.closed || r.st.role != Leader || r.st.currentTerm != term ||
			acks >= need || acks+failed >= size
	})
	switch {
	case r.st.role != Leader || r.st.currentTerm != term || r.closed:
		return errs.Newf(errs.RetCUnwillingToPerform, "lost leadership of term %d while committing %s", term, e)
	case acks < need:
		return errs.Newf(errs.RetCCommitFailed, "%s reached %d of %d members, %d needed", e, acks, size, need)
	}
	return nil
}
