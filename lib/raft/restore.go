package raft

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/syncutil"
	"github.com/google/uuid"
)

// DefaultRestoreBindTimeout bounds the wait for the listener after a restore
// if the context has no deadline
const DefaultRestoreBindTimeout = 30 * time.Second

// Listener is the RPC listener of the node. It is paused while a restore
// replaces the store content.
type Listener interface {
	// Pause stops accepting requests
	Pause() error
	// Reopen accepts requests again and calls ready once it is bound
	Reopen(ready func()) error
}

// SetListener sets the listener paused by Restore
func (r *ClusterRuntime) SetListener(l Listener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// Restore replaces the content of the node with a snapshot of another node
// and turns it into the single member of a new cluster.
//
// The listener is paused and the store quiesced while the snapshot is
// loaded. Log entries past the commit index of the snapshot are removed
// together with every other member, and the node gets a new invocation id
// so its writes are not mistaken for those of the snapshot origin.
func (r *ClusterRuntime) Restore(ctx context.Context, snapshot io.Reader) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()

	if l != nil {
		if err := l.Pause(); err != nil {
			return fmt.Errorf("pause listener: %w", err)
		}
	}
	reopened := false
	defer func() {
		if l != nil && !reopened {
			if rerr := l.Reopen(func() {}); rerr != nil {
				log.Errorf("reopen listener after failed restore: %v", rerr)
			}
		}
	}()

	resume := r.store.Quiesce()
	defer resume()

	log.Infof("restoring %s from snapshot", r.opts.NodeID)
	if err := r.store.Load(snapshot); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if err := r.reloadState(); err != nil {
		return fmt.Errorf("reload raft state: %w", err)
	}
	if err := r.truncateUncommitted(); err != nil {
		return err
	}
	if err := r.restoreMembers(); err != nil {
		return err
	}

	id := uuid.NewString()
	r.store.SetInvocationID(id)
	if err := saveInvocationID(r.store, id); err != nil {
		return fmt.Errorf("save invocation id: %w", err)
	}
	if err := r.persist(); err != nil {
		return err
	}
	resume()

	st := r.State()
	log.Infof("restored %s: term %d, commit index %d, applied %d, invocation id %s",
		r.opts.NodeID, st.CurrentTerm, st.CommitIndex, st.LastApplied, id)

	if l == nil {
		return nil
	}
	timeout := DefaultRestoreBindTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	bound, err := syncutil.NewSyncCounter(1, syncutil.WakeupBroadcast, timeout)
	if err != nil {
		return err
	}
	reopened = true
	if err := l.Reopen(func() { _ = bound.Increment() }); err != nil {
		return fmt.Errorf("reopen listener: %w", err)
	}
	if bound.WaitEvent() {
		return errs.Newf(errs.RetCTimeout, "listener not bound within %s after restore", timeout)
	}
	return nil
}

// truncateUncommitted removes the log entries past the commit index
func (r *ClusterRuntime) truncateUncommitted() error {
	r.mu.Lock()
	commit, last := r.st.commitIndex, r.st.lastLogIndex
	r.mu.Unlock()
	if last <= commit {
		return nil
	}

	n, err := r.log.DeleteFrom(commit + 1)
	if err != nil {
		return fmt.Errorf("delete log entries after %d: %w", commit, err)
	}
	term, err := r.termAt(commit)
	if err != nil {
		term = 0
	}
	r.mu.Lock()
	r.st.lastLogIndex, r.st.lastLogTerm = commit, term
	if r.st.firstLogIndex > commit {
		r.st.firstLogIndex = 0
	}
	r.mu.Unlock()
	log.Infof("removed %d uncommitted log entries after %d", n, commit)
	return nil
}

// restoreMembers leaves this node as the only member
func (r *ClusterRuntime) restoreMembers() error {
	self := Member{Name: r.opts.NodeID}
	for _, m := range r.opts.Members {
		if strings.EqualFold(m.Name, r.opts.NodeID) {
			self = m
		}
	}
	n, err := removeMembersExcept(r.store, self.Name)
	if err != nil {
		return fmt.Errorf("remove members: %w", err)
	}
	if err := saveMember(r.store, self); err != nil {
		return err
	}
	log.Infof("removed %d member(s) of the snapshot origin", n)
	return r.setMembers([]Member{self})
}
