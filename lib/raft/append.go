package raft

import (
	"context"
	"errors"

	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/raft/internal"
)

// HandleAppendEntries answers a ping (no entry) or a single log entry of the
// leader.
//
// A request of an older term is rejected. A candidate or leader receiving a
// request of a newer term becomes follower and answers UnwillingToPerform so
// the leader resends. If the log does not contain PreLogIndex with
// PreLogTerm the reply is unsuccessful and carries the last log index, the
// leader backs up from there.
func (r *ClusterRuntime) HandleAppendEntries(req *AppendRequest) (*AppendReply, error) {
	if req == nil || req.Leader == "" {
		return nil, errs.New(errs.RetCInvalidParameter, "append request without leader")
	}
	var e *internal.LogEntry
	if len(req.Entry) > 0 {
		e = &internal.LogEntry{}
		if err := e.Deserialize(req.Entry); err != nil {
			return nil, errs.Newf(errs.RetCInvalidEntry, "log entry of %s: %v", req.Leader, err)
		}
		if e.Index != req.PreLogIndex+1 {
			return nil, errs.Newf(errs.RetCInvalidParameter, "log entry %s does not follow %d", e, req.PreLogIndex)
		}
	}

	r.rpcMu.Lock()
	defer r.rpcMu.Unlock()

	r.mu.Lock()
	if r.st.currentTerm > req.Term {
		reply := &AppendReply{Term: r.st.currentTerm, LastLogIndex: r.st.lastLogIndex}
		r.mu.Unlock()
		log.Debugf("rejecting append of %s in term %d, my term is %d", req.Leader, req.Term, reply.Term)
		return reply, nil
	}
	if r.st.role != Follower && r.st.currentTerm < req.Term {
		role := r.st.role
		r.becomeFollower(req.Term, req.Leader)
		r.mu.Unlock()
		if err := r.persist(); err != nil {
			return nil, err
		}
		return nil, errs.Newf(errs.RetCUnwillingToPerform, "%s was %s, now follower of %s in term %d",
			r.opts.NodeID, role, req.Leader, req.Term)
	}
	if r.st.leader != req.Leader {
		log.Infof("%s follows %s in term %d", r.opts.NodeID, req.Leader, req.Term)
	}
	termChanged := r.becomeFollower(req.Term, req.Leader)
	last, lastTerm := r.st.lastLogIndex, r.st.lastLogTerm
	applied := r.st.lastApplied
	r.mu.Unlock()

	if termChanged {
		if err := r.persist(); err != nil {
			return nil, err
		}
	}

	if !r.hasEntry(req.PreLogIndex, req.PreLogTerm, last, applied) {
		log.Debugf("log of %s does not match (%d, %d), last index %d", r.opts.NodeID, req.PreLogIndex, req.PreLogTerm, last)
		return &AppendReply{Term: req.Term, LastLogIndex: last}, nil
	}

	// entries up to lastApplied are committed and never removed
	from := max(req.PreLogIndex, applied) + 1
	newLast, newLastTerm := last, lastTerm
	if last >= from {
		n, err := r.log.DeleteFrom(from)
		if err != nil {
			return nil, err
		}
		newLast = from - 1
		if newLastTerm, err = r.termAt(newLast); err != nil {
			return nil, err
		}
		log.Infof("removed %d uncommitted log entries from index %d", n, from)
	}
	if e != nil && e.Index > applied {
		if err := r.log.Put(e); err != nil {
			return nil, err
		}
		newLast, newLastTerm = e.Index, e.Term
	}

	r.mu.Lock()
	r.st.lastLogIndex, r.st.lastLogTerm = newLast, newLastTerm
	if r.st.firstLogIndex == 0 && newLast > 0 {
		r.st.firstLogIndex = newLast
	}
	commitChanged := false
	if commit := min(req.LeaderCommit, req.PreLogIndex); commit > r.st.commitIndex {
		r.st.commitIndex = commit
		commitChanged = true
	}
	r.cond.Broadcast()
	r.mu.Unlock()

	if commitChanged {
		if err := r.persist(); err != nil {
			return nil, err
		}
	}
	return &AppendReply{Term: req.Term, Success: true, LastLogIndex: newLast}, nil
}

// hasEntry reports whether the log contains index with term. Applied entries
// may be compacted already, they match by definition.
func (r *ClusterRuntime) hasEntry(index, term, last, applied uint64) bool {
	if index == 0 {
		return true
	}
	if index > last {
		return false
	}
	t, err := r.termAt(index)
	if errors.Is(err, errs.ErrNotFound) {
		return index <= applied
	}
	return err == nil && t == term
}

// syncPeer brings the log of p up to date. With target 0 it is a ping that
// stops once the peer has every entry, otherwise it stops as soon as the peer
// has the entry at target.
func (r *ClusterRuntime) syncPeer(ctx context.Context, p *peer, target uint64) error {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	retried := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if target > 0 && p.matchIndex.Load() >= target {
			return nil
		}

		r.mu.Lock()
		role, term, commit := r.st.role, r.st.currentTerm, r.st.commitIndex
		last := r.st.lastLogIndex
		if r.pending != nil && r.pending.Index > last {
			last = r.pending.Index
		}
		r.mu.Unlock()
		if role != Leader {
			return errs.Newf(errs.RetCUnwillingToPerform, "%s is no longer leader", r.opts.NodeID)
		}

		next := p.nextIndex.Load()
		if next == 0 || next > last+1 {
			next = last + 1
		}
		pre := next - 1
		preTerm, err := r.termAt(pre)
		if err != nil {
			return errs.Newf(errs.RetCUnwillingToPerform, "peer %s needs log entry %d which is no longer kept: %v", p.name, pre, err)
		}
		req := &AppendRequest{
			Term:         term,
			Leader:       r.opts.NodeID,
			PreLogIndex:  pre,
			PreLogTerm:   preTerm,
			LeaderCommit: commit,
		}
		if next <= last {
			e, err := r.entryAt(next)
			if err != nil {
				return err
			}
			req.Entry = e.Serialize()
		}

		reply, err := p.appendEntries(ctx, req)
		if errors.Is(err, errs.ErrUnwillingToPerform) && !retried {
			// the peer just turned follower
			retried = true
			continue
		}
		if err != nil {
			return err
		}

		if reply.Term > term {
			r.mu.Lock()
			r.becomeFollower(reply.Term, "")
			r.mu.Unlock()
			log.Infof("peer %s has term %d > %d, stepping down", p.name, reply.Term, term)
			_ = r.persist()
			return errs.Newf(errs.RetCUnwillingToPerform, "peer %s is in term %d", p.name, reply.Term)
		}

		if !reply.Success {
			if pre == 0 {
				return errs.Newf(errs.RetCInternal, "peer %s rejected the first log entry", p.name)
			}
			back := min(pre-1, reply.LastLogIndex)
			p.nextIndex.Store(back + 1)
			continue
		}

		if req.Entry == nil {
			p.matchIndex.Store(pre)
			p.nextIndex.Store(next)
			return nil
		}
		p.matchIndex.Store(next)
		p.nextIndex.Store(next + 1)
		if target > 0 && next >= target {
			return nil
		}
	}
}
