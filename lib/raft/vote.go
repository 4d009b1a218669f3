package raft

import (
	"context"
	"math/rand"
	"time"

	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/raft/internal"
	"github.com/ValentinKolb/dDir/lib/syncutil"
)

// noopTimeoutFactor times the election timeout bounds the replication of the
// entry a new leader commits, a lagging follower may need many round trips
const noopTimeoutFactor = 4

// HandleRequestVote answers the vote request of a candidate.
//
// The vote is denied if the candidate term is behind, if this node has a more
// recent log (VoteDeniedStaleLog), if this node leads the requested term or
// if it already voted for another candidate in that term. A higher term makes
// this node a follower of it in any case. Term and vote are persisted before
// the reply is returned.
func (r *ClusterRuntime) HandleRequestVote(req *VoteRequest) (*VoteReply, error) {
	if req == nil || req.CandidateID == "" {
		return nil, errs.New(errs.RetCInvalidParameter, "vote request without candidate")
	}
	r.rpcMu.Lock()
	defer r.rpcMu.Unlock()

	r.mu.Lock()
	before := r.persistentLocked()
	oldTerm := before.currentTerm
	result := VoteDenied

	staleLog := r.st.lastLogTerm > req.LastLogTerm ||
		(r.st.lastLogTerm == req.LastLogTerm && r.st.lastLogIndex > req.LastLogIndex)
	switch {
	case req.Term < r.st.currentTerm:
	case staleLog:
		result = VoteDeniedStaleLog
	case r.st.role == Leader && req.Term == r.st.currentTerm:
	case r.st.votedFor != "" && r.st.votedForTerm == req.Term && r.st.votedFor != req.CandidateID:
	default:
		result = VoteGranted
	}

	if req.Term > r.st.currentTerm {
		r.becomeFollower(req.Term, "")
		if result == VoteDeniedStaleLog {
			// my log is newer, I should be the one to run
			r.st.lastPingRecvTime = time.Time{}
		}
	}
	if result == VoteGranted {
		r.st.votedFor = req.CandidateID
		r.st.votedForTerm = r.st.currentTerm
		r.st.lastPingRecvTime = r.opts.Now()
	}
	reply := &VoteReply{Term: r.st.currentTerm, Result: result}
	changed := r.persistentLocked() != before
	wake := result == VoteDeniedStaleLog && req.Term > oldTerm
	r.mu.Unlock()

	if changed {
		if err := r.persist(); err != nil {
			return nil, err
		}
	}
	if wake {
		r.wakeVote()
	}
	log.Infof("vote request of %s for term %d (log %d/%d): %s, my term %d (was %d)",
		req.CandidateID, req.Term, req.LastLogIndex, req.LastLogTerm, result, reply.Term, oldTerm)
	return reply, nil
}

// StartVote makes a follower start an election right away, ignored by other roles
func (r *ClusterRuntime) StartVote() error {
	r.mu.Lock()
	if r.st.role != Follower {
		role := r.st.role
		r.mu.Unlock()
		log.Infof("ignoring vote initiation, role is %s", role)
		return errs.Newf(errs.RetCUnwillingToPerform, "role is %s, not %s", role, Follower)
	}
	r.st.lastPingRecvTime = r.opts.Now().Add(-r.opts.ElectionTimeout)
	r.mu.Unlock()
	r.wakeVote()
	return nil
}

// StartVoteOnFollower asks one follower after the other to start an election
// until one accepts. Only the leader can do that.
func (r *ClusterRuntime) StartVoteOnFollower(ctx context.Context) (string, error) {
	if !r.IsLeader() {
		return "", errs.New(errs.RetCUnwillingToPerform, "not the leader")
	}
	var (
		accepted string
		last     error = errs.New(errs.RetCNotFound, "no follower")
	)
	r.peers.Range(func(name string, p *peer) bool {
		log.Infof("starting forced vote from %s on %s", r.opts.NodeID, name)
		if err := p.client.StartVote(ctx); err != nil {
			log.Infof("initiate vote failed for %s, trying next follower: %v", name, err)
			last = err
			return true
		}
		accepted = name
		return false
	})
	if accepted == "" {
		return "", last
	}
	return accepted, nil
}

func (r *ClusterRuntime) wakeVote() {
	select {
	case r.voteWake <- struct{}{}:
	default:
	}
}

// voteLoop turns a follower without leader into a candidate and runs
// elections until one node wins
func (r *ClusterRuntime) voteLoop(ctx context.Context) {
	// slow start-ups must not trigger elections
	wait := 2*r.opts.ElectionTimeout + r.opts.StartupDelay
	log.Infof("vote loop started, first evaluation in %s", wait)

	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-r.voteWake:
			timer.Stop()
		}
		wait = r.opts.ElectionTimeout

		r.mu.Lock()
		if r.st.clusterSize < 2 {
			standalone := r.st.role != Leader
			r.mu.Unlock()
			if standalone {
				r.becomeStandaloneLeader()
			}
			continue
		}

		switch r.st.role {
		case Leader:
			r.mu.Unlock()
			continue
		case Follower:
			if since := r.opts.Now().Sub(r.st.lastPingRecvTime); since < r.opts.ElectionTimeout {
				r.mu.Unlock()
				continue
			}
			log.Infof("no ping from %q within %s, becoming candidate", r.st.leader, r.opts.ElectionTimeout)
			r.st.role = Candidate
		case Candidate:
			// split vote or first election after start
		}

		r.elections.Inc()
		r.st.currentTerm++
		term := r.st.currentTerm
		r.st.votedFor = r.opts.NodeID
		r.st.votedForTerm = term
		r.st.voteConsensusCnt = 1
		r.st.voteDeniedCnt = 0
		r.st.leader = ""
		req := &VoteRequest{
			Term:         term,
			CandidateID:  r.opts.NodeID,
			LastLogIndex: r.st.lastLogIndex,
			LastLogTerm:  r.st.lastLogTerm,
		}
		r.cond.Broadcast()
		r.mu.Unlock()

		if err := r.persist(); err != nil {
			continue
		}
		wait = r.runElection(ctx, req)
	}
}

// runElection requests votes from every peer and evaluates the outcome. It
// returns the wait until the next evaluation of the vote loop.
func (r *ClusterRuntime) runElection(ctx context.Context, req *VoteRequest) time.Duration {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ElectionTimeout)
	defer cancel()

	log.Infof("%s requests votes for term %d", r.opts.NodeID, req.Term)
	r.peers.Range(func(_ string, p *peer) bool {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.requestVote(ctx, p, req)
		}()
		return true
	})

	r.mu.Lock()
	syncutil.CondWait(r.cond, r.opts.ElectionTimeout, func() bool {
		return r.closed ||
			r.st.role != Candidate ||
			r.st.currentTerm != req.Term ||
			r.st.voteConsensusCnt >= majority(r.st.clusterSize) ||
			r.st.voteConsensusCnt+r.st.voteDeniedCnt >= r.st.clusterSize
	})

	if r.st.role != Candidate || r.st.currentTerm != req.Term {
		// became follower through a ping or a higher term
		r.mu.Unlock()
		return r.opts.ElectionTimeout
	}
	if r.st.voteConsensusCnt < majority(r.st.clusterSize) {
		granted, denied := r.st.voteConsensusCnt, r.st.voteDeniedCnt
		r.mu.Unlock()
		wait := time.Duration(rand.Int63n(int64(r.opts.PingInterval / 2)))
		log.Infof("split vote in term %d (%d granted, %d denied), next round in %s", req.Term, granted, denied, wait)
		return wait
	}
	r.mu.Unlock()

	r.becomeLeader(req.Term)
	return r.opts.ElectionTimeout
}

func (r *ClusterRuntime) requestVote(ctx context.Context, p *peer, req *VoteRequest) {
	reply, err := p.requestVote(ctx, req)
	if err != nil {
		return
	}

	r.mu.Lock()
	if reply.Term > r.st.currentTerm {
		r.becomeFollower(reply.Term, "")
		r.mu.Unlock()
		log.Infof("peer %s has term %d > %d, becoming follower", p.name, reply.Term, req.Term)
		_ = r.persist()
		return
	}
	if r.st.role == Candidate && r.st.currentTerm == req.Term {
		if reply.Result == VoteGranted {
			r.st.voteConsensusCnt++
		} else {
			r.st.voteDeniedCnt++
		}
		r.cond.Broadcast()
	}
	r.mu.Unlock()
}

// becomeLeader takes over the log with a no-op entry. Client writes are held
// back until every entry before it is applied.
func (r *ClusterRuntime) becomeLeader(term uint64) {
	r.mu.Lock()
	if r.st.role != Candidate || r.st.currentTerm != term {
		r.mu.Unlock()
		return
	}
	r.st.role = Leader
	r.st.leader = r.opts.NodeID
	r.disallowUpdates = true
	next := r.st.lastLogIndex + 1
	votes := r.st.voteConsensusCnt
	r.cond.Broadcast()
	r.mu.Unlock()

	r.leaderChanges.Inc()
	log.Infof("%s is leader of term %d with %d vote(s)", r.opts.NodeID, term, votes)
	r.peers.Range(func(_ string, p *peer) bool {
		p.nextIndex.Store(next)
		p.matchIndex.Store(0)
		return true
	})
	r.wakePing()

	defer func() {
		r.mu.Lock()
		r.disallowUpdates = false
		r.cond.Broadcast()
		r.mu.Unlock()
	}()

	noop := &internal.LogEntry{Index: next, Term: term, Op: internal.OpNoop}
	if err := r.commitNoop(noop); err != nil {
		log.Errorf("commit of leader entry %s failed: %v", noop, err)
		r.mu.Lock()
		if r.st.role == Leader && r.st.currentTerm == term {
			r.becomeFollower(term, "")
		}
		r.mu.Unlock()
		return
	}
	if err := r.applyUpTo(noop.Index); err != nil {
		log.Errorf("apply up to leader entry %s: %v", noop, err)
	}
	log.Infof("leader of term %d took over the log at %s", term, noop)
}

// becomeStandaloneLeader makes a single node cluster the leader of a new term
func (r *ClusterRuntime) becomeStandaloneLeader() {
	r.mu.Lock()
	r.st.currentTerm++
	r.st.role = Candidate
	r.st.votedFor = r.opts.NodeID
	r.st.votedForTerm = r.st.currentTerm
	r.st.voteConsensusCnt = 1
	r.st.voteDeniedCnt = 0
	term := r.st.currentTerm
	r.mu.Unlock()

	if err := r.persist(); err != nil {
		return
	}
	log.Infof("%s is the only member, becoming leader", r.opts.NodeID)
	r.becomeLeader(term)
}
