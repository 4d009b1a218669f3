package raft

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dDir/lib/db"
	"github.com/ValentinKolb/dDir/lib/syncutil"
)

// applyLoop applies committed log entries in index order. The leader applies
// its own writes in their transaction, so on the leader the loop only applies
// what was committed before it took over.
func (r *ClusterRuntime) applyLoop(ctx context.Context) {
	for ctx.Err() == nil {
		r.mu.Lock()
		ready := syncutil.CondWait(r.cond, r.opts.PingInterval, func() bool {
			return r.closed || r.st.commitIndex > r.st.lastApplied
		})
		closed, commit := r.closed, r.st.commitIndex
		r.mu.Unlock()
		if closed {
			return
		}
		if !ready {
			r.compact()
			continue
		}

		if err := r.applyUpTo(commit); err != nil {
			log.Errorf("apply loop: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(r.opts.PingInterval):
			}
		}
	}
}

// applyUpTo applies every committed entry up to index
func (r *ClusterRuntime) applyUpTo(index uint64) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	for {
		r.mu.Lock()
		next, commit := r.st.lastApplied+1, r.st.commitIndex
		r.mu.Unlock()
		if next > index || next > commit {
			break
		}

		e, err := r.log.Get(next)
		if err != nil {
			r.applyFailures.Inc()
			return fmt.Errorf("apply log entry %d: %w", next, err)
		}
		_, err = r.store.ApplyLogEntry(e.Op, e.DN, e.Image, func(txn db.Txn) error {
			return r.log.StageApplied(txn, e.Index)
		})
		if err != nil {
			r.applyFailures.Inc()
			return fmt.Errorf("apply log entry %s: %w", e, err)
		}

		r.mu.Lock()
		if e.Index > r.st.lastApplied {
			r.st.lastApplied = e.Index
		}
		r.cond.Broadcast()
		r.mu.Unlock()
		r.applied.Inc()
		log.Debugf("applied log entry %s", e)
	}
	r.compactLocked()
	return nil
}

func (r *ClusterRuntime) compact() {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	r.compactLocked()
}

// compactLocked drops applied entries beyond the retained ones. It runs in
// batches of a tenth of the retained entries, caller holds applyMu.
func (r *ClusterRuntime) compactLocked() {
	r.mu.Lock()
	applied, first := r.st.lastApplied, r.st.firstLogIndex
	r.mu.Unlock()

	retain := uint64(r.opts.LogRetain)
	batch := max(retain/10, 1)
	if first == 0 || applied <= retain || applied-retain < first+batch {
		return
	}
	before := applied - retain
	n, err := r.log.DeleteBefore(before)
	if err != nil {
		log.Warningf("log compaction before %d: %v", before, err)
		return
	}

	r.mu.Lock()
	if r.st.firstLogIndex < before {
		r.st.firstLogIndex = before
	}
	r.mu.Unlock()
	log.Debugf("removed %d applied log entries before %d", n, before)
}
