package raft

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/raft/internal"
	"github.com/ValentinKolb/dDir/lib/store"
	"github.com/ValentinKolb/dDir/lib/syncutil"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
)

var log = logger.GetLogger("raft")

const (
	DefaultPingInterval = 2000 * time.Millisecond
	MinPingInterval     = 200 * time.Millisecond
	DefaultStartupDelay = 5 * time.Second
	DefaultLogRetain    = 10000
)

// Options configures a ClusterRuntime
type Options struct {
	// NodeID is the name of this node, it must be one of Members if those are given
	NodeID string
	// Members of the cluster including this node. If empty the members
	// persisted in the store are used.
	Members []Member
	// PeerFactory creates the clients of the other members
	PeerFactory PeerFactory

	// PingInterval between two pings of the leader (default 2s)
	PingInterval time.Duration
	// ElectionTimeout without a ping after which a follower starts an
	// election. It must exceed 2*PingInterval (default 5*PingInterval).
	ElectionTimeout time.Duration
	// StartupDelay is added to the first election wait
	StartupDelay time.Duration
	// LogRetain is the number of applied log entries kept for lagging followers
	LogRetain int
	// Now returns the current time
	Now func() time.Time
}

// minPingInterval is the smallest accepted PingInterval, tests lower it
var minPingInterval = MinPingInterval

func (o *Options) setDefaults() error {
	if strings.TrimSpace(o.NodeID) == "" {
		return errs.New(errs.RetCInvalidParameter, "node id is required")
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PingInterval < minPingInterval {
		return errs.Newf(errs.RetCInvalidParameter, "ping interval %s is below the minimum of %s",
			o.PingInterval, minPingInterval)
	}
	if o.ElectionTimeout <= 0 {
		o.ElectionTimeout = 5 * o.PingInterval
	}
	if o.ElectionTimeout <= 2*o.PingInterval {
		return errs.Newf(errs.RetCInvalidParameter, "election timeout %s must exceed twice the ping interval %s",
			o.ElectionTimeout, o.PingInterval)
	}
	if o.StartupDelay < 0 {
		o.StartupDelay = DefaultStartupDelay
	}
	if o.LogRetain <= 0 {
		o.LogRetain = DefaultLogRetain
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return nil
}

// ClusterRuntime is the consensus state machine of a node. It owns the raft
// state and the background loops (vote, ping, apply) and is the LogWriter of
// the directory store: every client write is replicated to a majority before
// it commits locally.
type ClusterRuntime struct {
	opts  Options
	store store.IStore
	log   *LogStore

	// mu guards st and pending, cond is broadcast on every change of either.
	// mu is never held across network I/O or store commits.
	mu      sync.Mutex
	cond    *sync.Cond
	st      raftState
	pending *internal.LogEntry // leader write between PreCommit and PostCommit/CommitFail
	// disallowUpdates blocks client writes while a new leader takes over the log
	disallowUpdates bool
	closed          bool
	listener        Listener

	// rpcMu serializes the vote and append handlers
	rpcMu sync.Mutex
	// applyMu serializes applying log entries and restore
	applyMu sync.Mutex

	peers    *xsync.MapOf[string, *peer]
	registry gometrics.Registry
	voteWake chan struct{}
	pingWake chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics       *metrics.Set
	elections     *metrics.Counter
	leaderChanges *metrics.Counter
	applied       *metrics.Counter
	applyFailures *metrics.Counter
	commitFails   *metrics.Counter
}

// NewClusterRuntime loads the persisted consensus state from s, records the
// configured members and attaches itself as the log writer of s.
func NewClusterRuntime(s store.IStore, opts Options) (*ClusterRuntime, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	r := &ClusterRuntime{
		opts:     opts,
		store:    s,
		log:      NewLogStore(s.DB()),
		peers:    xsync.NewMapOf[string, *peer](),
		registry: gometrics.NewRegistry(),
		voteWake: make(chan struct{}, 1),
		pingWake: make(chan struct{}, 1),
	}
	r.cond = sync.NewCond(&r.mu)
	r.st.hostname = opts.NodeID
	r.initMetrics()

	if err := r.reloadState(); err != nil {
		return nil, fmt.Errorf("load raft state: %w", err)
	}
	if err := r.initMembers(); err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	if err := r.initInvocationID(); err != nil {
		return nil, fmt.Errorf("load invocation id: %w", err)
	}

	s.SetLogWriter(r)
	log.Infof("raft runtime of %s: term %d, commit index %d, log [%d, %d], applied %d, cluster size %d",
		opts.NodeID, r.st.currentTerm, r.st.commitIndex, r.st.firstLogIndex, r.st.lastLogIndex, r.st.lastApplied, r.st.clusterSize)
	return r, nil
}

// reloadState reads term, vote, commit index and the log bounds from the
// store. The caller must not run concurrently with the loops (construction
// or restore).
func (r *ClusterRuntime) reloadState() error {
	ps, err := loadPersistentState(r.store)
	if err != nil {
		return err
	}
	first, last, err := r.log.Bounds()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.currentTerm = ps.currentTerm
	r.st.votedForTerm = ps.votedForTerm
	r.st.votedFor = ps.votedFor
	r.st.commitIndex = ps.commitIndex
	r.st.lastApplied = r.log.Applied()
	r.st.firstLogIndex, r.st.lastLogIndex, r.st.lastLogTerm = 0, 0, 0
	if first != nil {
		r.st.firstLogIndex = first.Index
		r.st.lastLogIndex = last.Index
		r.st.lastLogTerm = last.Term
	}
	if r.st.votedForTerm > r.st.currentTerm {
		r.st.currentTerm = r.st.votedForTerm
	}
	if r.st.lastApplied > r.st.commitIndex {
		r.st.commitIndex = r.st.lastApplied
	}
	r.st.role = Candidate
	r.st.leader = ""
	r.st.lastPingRecvTime = r.opts.Now()
	r.pending = nil
	r.cond.Broadcast()
	return nil
}

func (r *ClusterRuntime) initMembers() error {
	self := Member{Name: r.opts.NodeID}
	if len(r.opts.Members) > 0 {
		found := false
		for _, m := range r.opts.Members {
			if strings.EqualFold(m.Name, r.opts.NodeID) {
				found = true
			}
			if err := saveMember(r.store, m); err != nil {
				return err
			}
		}
		if !found {
			return errs.Newf(errs.RetCInvalidParameter, "node %s is not a cluster member", r.opts.NodeID)
		}
		if _, err := removeMembersNotIn(r.store, r.opts.Members); err != nil {
			return err
		}
	}

	members, err := loadMembers(r.store)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		if err := saveMember(r.store, self); err != nil {
			return err
		}
		members = []Member{self}
	}
	return r.setMembers(members)
}

func removeMembersNotIn(s store.IStore, keep []Member) (int, error) {
	persisted, err := loadMembers(s)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range persisted {
		wanted := false
		for _, m := range keep {
			if strings.EqualFold(m.Name, p.Name) {
				wanted = true
			}
		}
		if !wanted {
			if err := s.DeleteLocal(memberDN(p.Name)); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// setMembers replaces the peer table, this node is not a peer of itself
func (r *ClusterRuntime) setMembers(members []Member) error {
	r.peers.Range(func(name string, p *peer) bool {
		p.stop(r.registry)
		r.peers.Delete(name)
		return true
	})
	for _, m := range members {
		if strings.EqualFold(m.Name, r.opts.NodeID) {
			continue
		}
		if r.opts.PeerFactory == nil {
			return errs.Newf(errs.RetCInvalidParameter, "no peer factory for member %s", m.Name)
		}
		client, err := r.opts.PeerFactory(m.Name, m.Endpoint)
		if err != nil {
			return fmt.Errorf("peer %s: %w", m.Name, err)
		}
		r.peers.Store(m.Name, newPeer(m.Name, m.Endpoint, client, r.registry))
	}

	r.mu.Lock()
	r.st.clusterSize = r.peers.Size() + 1
	r.mu.Unlock()
	return nil
}

func (r *ClusterRuntime) initInvocationID() error {
	id, err := loadInvocationID(r.store)
	if err != nil {
		return err
	}
	if id == "" {
		id = r.store.InvocationID()
		if id == "" {
			id = uuid.NewString()
		}
		if err := saveInvocationID(r.store, id); err != nil {
			return err
		}
	}
	r.store.SetInvocationID(id)
	return nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start runs the vote, ping and apply loops until Stop is called
func (r *ClusterRuntime) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	for _, loop := range []func(context.Context){r.voteLoop, r.pingLoop, r.applyLoop} {
		r.wg.Add(1)
		go func(loop func(context.Context)) {
			defer r.wg.Done()
			loop(ctx)
		}(loop)
	}
	log.Infof("raft runtime of %s started, ping interval %s, election timeout %s",
		r.opts.NodeID, r.opts.PingInterval, r.opts.ElectionTimeout)
}

// Stop ends the background loops and waits for them
func (r *ClusterRuntime) Stop() {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.store.SetLogWriter(nil)
	r.peers.Range(func(_ string, p *peer) bool {
		p.stop(r.registry)
		return true
	})
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// State returns a copy of the consensus state including the peer table
func (r *ClusterRuntime) State() State {
	r.mu.Lock()
	s := r.st.snapshot()
	r.mu.Unlock()

	s.InvocationID = r.store.InvocationID()
	r.peers.Range(func(_ string, p *peer) bool {
		s.Peers = append(s.Peers, p.state())
		return true
	})
	sort.Slice(s.Peers, func(i, j int) bool { return s.Peers[i].Name < s.Peers[j].Name })
	return s
}

// Role returns the current role
func (r *ClusterRuntime) Role() Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.role
}

// IsLeader reports whether this node is the leader
func (r *ClusterRuntime) IsLeader() bool {
	return r.Role() == Leader
}

// Leader returns the name of the current leader, "" if unknown
func (r *ClusterRuntime) Leader() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.leader
}

// Members returns the persisted members
func (r *ClusterRuntime) Members() ([]Member, error) {
	return loadMembers(r.store)
}

// WaitRole blocks until the node has role or the timeout expires
func (r *ClusterRuntime) WaitRole(role Role, timeout time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return syncutil.CondWait(r.cond, timeout, func() bool { return r.st.role == role || r.closed }) && r.st.role == role
}

// WriteMetrics writes the raft metrics in Prometheus text format
func (r *ClusterRuntime) WriteMetrics(w io.Writer) {
	r.metrics.WritePrometheus(w)
	r.writePeerMetrics(w)
}

// --------------------------------------------------------------------------
// State transitions, caller holds mu
// --------------------------------------------------------------------------

// becomeFollower adopts a higher term. It reports whether the term changed
// and has to be persisted.
func (r *ClusterRuntime) becomeFollower(term uint64, leader string) bool {
	changed := term > r.st.currentTerm
	if changed {
		r.st.currentTerm = term
	}
	if r.st.role == Leader {
		r.leaderChanges.Inc()
		log.Infof("%s steps down in term %d", r.opts.NodeID, r.st.currentTerm)
	}
	r.st.role = Follower
	r.st.leader = leader
	r.st.lastPingRecvTime = r.opts.Now()
	r.cond.Broadcast()
	return changed
}

func (r *ClusterRuntime) persistentLocked() persistentState {
	return persistentState{
		currentTerm:  r.st.currentTerm,
		votedForTerm: r.st.votedForTerm,
		votedFor:     r.st.votedFor,
		commitIndex:  r.st.commitIndex,
	}
}

// persist writes the current term, vote and commit index. It must not be
// called while holding mu or from inside a write transaction. The state is
// read after the writer lock is taken, so concurrent calls never write an
// older state last.
func (r *ClusterRuntime) persist() error {
	txn, err := r.store.DB().Begin(true)
	if err != nil {
		return err
	}
	defer txn.Abort()

	r.mu.Lock()
	ps := r.persistentLocked()
	r.mu.Unlock()
	if err = stageLocal(txn, ps.toEntry()); err == nil {
		err = txn.Commit()
	}
	if err != nil {
		log.Errorf("persist raft state (term %d, commit index %d): %v", ps.currentTerm, ps.commitIndex, err)
		return err
	}
	return nil
}

// termAt returns the term of the log entry at index. Index 0 has term 0.
func (r *ClusterRuntime) termAt(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	e, err := r.entryAt(index)
	if err != nil {
		return 0, err
	}
	return e.Term, nil
}

// entryAt returns the log entry at index, including the pending one
func (r *ClusterRuntime) entryAt(index uint64) (*internal.LogEntry, error) {
	r.mu.Lock()
	pending := r.pending
	r.mu.Unlock()
	if pending != nil && pending.Index == index {
		return pending, nil
	}
	return r.log.Get(index)
}
