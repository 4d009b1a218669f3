package raft

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dDir/lib/db"
	"github.com/ValentinKolb/dDir/lib/db/engines/maple"
	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/raft/internal"
	"github.com/ValentinKolb/dDir/lib/store"
	"github.com/ValentinKolb/dDir/lib/store/lstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// the tests run with ping intervals below the production minimum
func init() { minPingInterval = time.Millisecond }

const (
	testPing     = 20 * time.Millisecond
	testElection = 100 * time.Millisecond
	waitFor      = 10 * time.Second
	tick         = 10 * time.Millisecond
)

// --------------------------------------------------------------------------
// In-process network
// --------------------------------------------------------------------------

// network connects runtimes of one test directly, a node marked down can
// neither send nor receive
type network struct {
	mu    sync.Mutex
	nodes map[string]*ClusterRuntime
	down  map[string]bool
}

func newNetwork() *network {
	return &network{nodes: map[string]*ClusterRuntime{}, down: map[string]bool{}}
}

func (n *network) setDown(name string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[name] = down
}

func (n *network) reach(from, to string) (*ClusterRuntime, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down[from] || n.down[to] {
		return nil, errs.Newf(errs.RetCTimeout, "%s cannot reach %s", from, to)
	}
	rt, ok := n.nodes[to]
	if !ok {
		return nil, errs.Newf(errs.RetCNotFound, "no node %s", to)
	}
	return rt, nil
}

func (n *network) factory(from string) PeerFactory {
	return func(name, _ string) (Peer, error) {
		return &localPeer{from: from, to: name, net: n}, nil
	}
}

type localPeer struct {
	from, to string
	net      *network
}

func (p *localPeer) RequestVote(_ context.Context, req *VoteRequest) (*VoteReply, error) {
	rt, err := p.net.reach(p.from, p.to)
	if err != nil {
		return nil, err
	}
	return rt.HandleRequestVote(req)
}

func (p *localPeer) AppendEntries(_ context.Context, req *AppendRequest) (*AppendReply, error) {
	rt, err := p.net.reach(p.from, p.to)
	if err != nil {
		return nil, err
	}
	return rt.HandleAppendEntries(req)
}

func (p *localPeer) StartVote(context.Context) error {
	rt, err := p.net.reach(p.from, p.to)
	if err != nil {
		return err
	}
	return rt.StartVote()
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

type node struct {
	name  string
	store store.IStore
	rt    *ClusterRuntime
}

func newStore(t *testing.T, name string) store.IStore {
	t.Helper()
	s := lstore.NewLocalStore(func() db.KVDB { return maple.NewMapleDB(nil) }, &lstore.Options{InvocationID: "inv-" + name})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRuntime(t *testing.T, s store.IStore, name string, members []Member, net *network, tweak func(*Options)) *ClusterRuntime {
	t.Helper()
	opts := Options{
		NodeID:          name,
		Members:         members,
		PingInterval:    testPing,
		ElectionTimeout: testElection,
	}
	if net != nil {
		opts.PeerFactory = net.factory(name)
	}
	if tweak != nil {
		tweak(&opts)
	}
	rt, err := NewClusterRuntime(s, opts)
	require.NoError(t, err)
	if net != nil {
		net.mu.Lock()
		net.nodes[name] = rt
		net.mu.Unlock()
	}
	return rt
}

// newCluster creates one node per name, start runs the loops
func newCluster(t *testing.T, net *network, start bool, names ...string) []*node {
	t.Helper()
	members := make([]Member, 0, len(names))
	for _, name := range names {
		members = append(members, Member{Name: name, Endpoint: name + ":7000"})
	}
	nodes := make([]*node, 0, len(names))
	for _, name := range names {
		s := newStore(t, name)
		nodes = append(nodes, &node{name: name, store: s, rt: newRuntime(t, s, name, members, net, nil)})
	}
	if start {
		for _, n := range nodes {
			n.rt.Start(context.Background())
			t.Cleanup(n.rt.Stop)
		}
	}
	return nodes
}

func person(dn string) *entry.Entry {
	e := entry.New(dn)
	e.Set(entry.AttrObjectClass, "top", "person")
	return e
}

// stableLeader returns the leader if exactly one reachable node leads and
// every other reachable node follows it in the same term, nil otherwise
func stableLeader(net *network, nodes []*node) *node {
	var (
		leader *node
		term   uint64
	)
	for _, n := range nodes {
		if _, err := net.reach(n.name, n.name); err != nil {
			continue
		}
		if st := n.rt.State(); st.Role == Leader {
			if leader != nil {
				return nil
			}
			leader, term = n, st.CurrentTerm
		}
	}
	if leader == nil {
		return nil
	}
	for _, n := range nodes {
		if _, err := net.reach(n.name, n.name); err != nil || n == leader {
			continue
		}
		st := n.rt.State()
		if st.Role != Follower || st.Leader != leader.name || st.CurrentTerm != term {
			return nil
		}
	}
	return leader
}

func waitLeader(t *testing.T, net *network, nodes []*node) *node {
	t.Helper()
	var leader *node
	require.Eventually(t, func() bool {
		leader = stableLeader(net, nodes)
		return leader != nil
	}, waitFor, tick)
	return leader
}

// addEventually retries while a new leader takes over the log
func addEventually(t *testing.T, s store.IStore, e *entry.Entry) uint64 {
	t.Helper()
	var usn uint64
	require.Eventually(t, func() bool {
		var err error
		usn, err = s.Add(e.Clone())
		return err == nil
	}, waitFor, tick)
	return usn
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

func TestOptionsDefaults(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
		check   func(t *testing.T, o Options)
	}{
		{name: "missing node id", opts: Options{}, wantErr: true},
		{
			name: "defaults",
			opts: Options{NodeID: "a", StartupDelay: -1},
			check: func(t *testing.T, o Options) {
				assert.Equal(t, DefaultPingInterval, o.PingInterval)
				assert.Equal(t, 5*DefaultPingInterval, o.ElectionTimeout)
				assert.Equal(t, DefaultStartupDelay, o.StartupDelay)
				assert.Equal(t, DefaultLogRetain, o.LogRetain)
				assert.NotNil(t, o.Now)
			},
		},
		{
			name:    "election timeout equals twice the ping interval",
			opts:    Options{NodeID: "a", PingInterval: time.Second, ElectionTimeout: 2 * time.Second},
			wantErr: true,
		},
		{
			name: "zero startup delay is kept",
			opts: Options{NodeID: "a", PingInterval: time.Second, ElectionTimeout: 3 * time.Second},
			check: func(t *testing.T, o Options) {
				assert.Equal(t, time.Duration(0), o.StartupDelay)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.setDefaults()
			if tt.wantErr {
				assert.True(t, errors.Is(err, errs.ErrInvalidParameter), "got %v", err)
				return
			}
			require.NoError(t, err)
			tt.check(t, tt.opts)
		})
	}
}

func TestNodeMustBeMember(t *testing.T) {
	s := newStore(t, "x")
	_, err := NewClusterRuntime(s, Options{
		NodeID:          "x",
		Members:         []Member{{Name: "a"}, {Name: "b"}},
		PeerFactory:     newNetwork().factory("x"),
		PingInterval:    testPing,
		ElectionTimeout: testElection,
	})
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter), "got %v", err)
}

// --------------------------------------------------------------------------
// Vote rules
// --------------------------------------------------------------------------

func TestHandleRequestVote(t *testing.T) {
	net := newNetwork()
	nodes := newCluster(t, net, false, "a", "b", "c")
	a := nodes[0].rt

	reply, err := a.HandleRequestVote(&VoteRequest{Term: 1, CandidateID: "b"})
	require.NoError(t, err)
	assert.Equal(t, VoteGranted, reply.Result)
	assert.Equal(t, uint64(1), reply.Term)
	st := a.State()
	assert.Equal(t, Follower, st.Role)
	assert.Equal(t, "b", st.VotedFor)
	assert.Equal(t, uint64(1), st.VotedForTerm)

	// one vote per term
	reply, err = a.HandleRequestVote(&VoteRequest{Term: 1, CandidateID: "c"})
	require.NoError(t, err)
	assert.Equal(t, VoteDenied, reply.Result)

	reply, err = a.HandleRequestVote(&VoteRequest{Term: 1, CandidateID: "b"})
	require.NoError(t, err)
	assert.Equal(t, VoteGranted, reply.Result, "asking again gets the same answer")

	reply, err = a.HandleRequestVote(&VoteRequest{Term: 0, CandidateID: "c"})
	require.NoError(t, err)
	assert.Equal(t, VoteDenied, reply.Result)
	assert.Equal(t, uint64(1), reply.Term)

	reply, err = a.HandleRequestVote(&VoteRequest{Term: 2, CandidateID: "c"})
	require.NoError(t, err)
	assert.Equal(t, VoteGranted, reply.Result)

	ps, err := loadPersistentState(nodes[0].store)
	require.NoError(t, err)
	assert.Equal(t, persistentState{currentTerm: 2, votedForTerm: 2, votedFor: "c"}, ps)

	_, err = a.HandleRequestVote(&VoteRequest{Term: 3})
	assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
}

func TestVoteDeniedStaleLog(t *testing.T) {
	net := newNetwork()
	nodes := newCluster(t, net, false, "a", "b", "c")
	a := nodes[0].rt

	// make a follower of b with one entry of term 3
	_, err := a.HandleAppendEntries(&AppendRequest{Term: 3, Leader: "b"})
	require.True(t, errors.Is(err, errs.ErrUnwillingToPerform), "candidate turns follower first: %v", err)
	noop := &internal.LogEntry{Index: 1, Term: 3}
	reply, err := a.HandleAppendEntries(&AppendRequest{Term: 3, Leader: "b", Entry: noop.Serialize()})
	require.NoError(t, err)
	require.True(t, reply.Success)

	vote, err := a.HandleRequestVote(&VoteRequest{Term: 4, CandidateID: "c", LastLogIndex: 5, LastLogTerm: 2})
	require.NoError(t, err)
	assert.Equal(t, VoteDeniedStaleLog, vote.Result)
	assert.Equal(t, uint64(4), vote.Term)

	st := a.State()
	assert.Equal(t, Follower, st.Role)
	assert.Equal(t, uint64(4), st.CurrentTerm)
	assert.True(t, st.LastPingRecvTime.IsZero(), "a node with a newer log runs for election right away")

	vote, err = a.HandleRequestVote(&VoteRequest{Term: 4, CandidateID: "c", LastLogIndex: 1, LastLogTerm: 3})
	require.NoError(t, err)
	assert.Equal(t, VoteGranted, vote.Result, "equal logs are up to date")
}

func TestLeaderDeniesVoteOfItsTerm(t *testing.T) {
	s := newStore(t, "a")
	rt := newRuntime(t, s, "a", nil, nil, nil)
	rt.Start(context.Background())
	t.Cleanup(rt.Stop)
	require.True(t, rt.WaitRole(Leader, waitFor))

	term := rt.State().CurrentTerm
	vote, err := rt.HandleRequestVote(&VoteRequest{Term: term, CandidateID: "b", LastLogIndex: 100, LastLogTerm: term})
	require.NoError(t, err)
	assert.Equal(t, VoteDenied, vote.Result)
	assert.Equal(t, Leader, rt.Role())
}

// --------------------------------------------------------------------------
// AppendEntries rules
// --------------------------------------------------------------------------

func TestHandleAppendEntries(t *testing.T) {
	net := newNetwork()
	nodes := newCluster(t, net, false, "a", "b", "c")
	a := nodes[0].rt
	e1 := &internal.LogEntry{Index: 1, Term: 1}
	e2 := &internal.LogEntry{Index: 2, Term: 1}

	_, err := a.HandleAppendEntries(&AppendRequest{Term: 1, Leader: "b"})
	assert.True(t, errors.Is(err, errs.ErrUnwillingToPerform))
	assert.Equal(t, Follower, a.Role())

	reply, err := a.HandleAppendEntries(&AppendRequest{Term: 1, Leader: "b", Entry: e1.Serialize()})
	require.NoError(t, err)
	assert.Equal(t, &AppendReply{Term: 1, Success: true, LastLogIndex: 1}, reply)
	assert.Equal(t, "b", a.Leader())

	reply, err = a.HandleAppendEntries(&AppendRequest{Term: 1, Leader: "b", PreLogIndex: 1, PreLogTerm: 1, LeaderCommit: 1, Entry: e2.Serialize()})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	st := a.State()
	assert.Equal(t, uint64(2), st.LastLogIndex)
	assert.Equal(t, uint64(1), st.CommitIndex, "commit index never passes the confirmed prefix")

	t.Run("unknown pre log index", func(t *testing.T) {
		reply, err := a.HandleAppendEntries(&AppendRequest{Term: 1, Leader: "b", PreLogIndex: 5, PreLogTerm: 1})
		require.NoError(t, err)
		assert.Equal(t, &AppendReply{Term: 1, LastLogIndex: 2}, reply)
	})

	t.Run("pre log term mismatch", func(t *testing.T) {
		reply, err := a.HandleAppendEntries(&AppendRequest{Term: 1, Leader: "b", PreLogIndex: 2, PreLogTerm: 7})
		require.NoError(t, err)
		assert.False(t, reply.Success)
	})

	t.Run("older term", func(t *testing.T) {
		reply, err := a.HandleAppendEntries(&AppendRequest{Term: 0, Leader: "c"})
		require.NoError(t, err)
		assert.False(t, reply.Success)
		assert.Equal(t, uint64(1), reply.Term)
		assert.Equal(t, "b", a.Leader())
	})

	t.Run("entry does not follow pre log index", func(t *testing.T) {
		_, err := a.HandleAppendEntries(&AppendRequest{Term: 1, Leader: "b", PreLogIndex: 3, Entry: e1.Serialize()})
		assert.True(t, errors.Is(err, errs.ErrInvalidParameter))
	})

	t.Run("new leader truncates uncommitted entries", func(t *testing.T) {
		reply, err := a.HandleAppendEntries(&AppendRequest{Term: 2, Leader: "c", PreLogIndex: 1, PreLogTerm: 1, LeaderCommit: 1})
		require.NoError(t, err)
		assert.Equal(t, &AppendReply{Term: 2, Success: true, LastLogIndex: 1}, reply)
		_, err = a.log.Get(2)
		assert.True(t, errors.Is(err, errs.ErrNotFound))
		assert.Equal(t, "c", a.Leader())

		ps, err := loadPersistentState(nodes[0].store)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), ps.currentTerm)
		assert.Equal(t, uint64(1), ps.commitIndex)
	})
}

// --------------------------------------------------------------------------
// Commit path
// --------------------------------------------------------------------------

func TestCommitNeedsMajority(t *testing.T) {
	net := newNetwork()
	nodes := newCluster(t, net, false, "a", "b", "c")
	a := nodes[0]

	a.rt.mu.Lock()
	a.rt.st.role = Leader
	a.rt.st.leader = "a"
	a.rt.st.currentTerm = 1
	a.rt.mu.Unlock()

	net.setDown("b", true)
	net.setDown("c", true)
	_, err := a.store.Add(person("cn=alice,dc=example"))
	assert.True(t, errors.Is(err, errs.ErrCommitFailed), "got %v", err)
	_, err = a.store.Get("cn=alice,dc=example")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	st := a.rt.State()
	assert.Equal(t, Leader, st.Role, "a failed commit keeps the role")
	assert.Equal(t, uint64(0), st.LastLogIndex)
	a.rt.mu.Lock()
	assert.Nil(t, a.rt.pending)
	a.rt.mu.Unlock()

	net.setDown("b", false)
	usn, err := a.store.Add(person("cn=alice,dc=example"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), usn)

	st = a.rt.State()
	assert.Equal(t, uint64(1), st.LastLogIndex)
	assert.Equal(t, uint64(1), st.CommitIndex)
	assert.Equal(t, uint64(1), st.LastApplied)
	assert.Equal(t, uint64(1), a.rt.log.Applied())

	got, err := nodes[1].rt.log.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "cn=alice,dc=example", got.DN)
	assert.Equal(t, Follower, nodes[1].rt.Role())

	var buf strings.Builder
	a.rt.WriteMetrics(&buf)
	assert.Contains(t, buf.String(), "ddir_raft_commit_failures_total 1")
}

func TestFollowerRejectsWrites(t *testing.T) {
	net := newNetwork()
	nodes := newCluster(t, net, false, "a", "b")
	_, err := nodes[0].store.Add(person("cn=alice,dc=example"))
	assert.True(t, errors.Is(err, errs.ErrUnwillingToPerform))
	assert.Equal(t, uint64(0), nodes[0].store.HighestUSN())
}

// --------------------------------------------------------------------------
// Cluster behavior
// --------------------------------------------------------------------------

func TestStandaloneLeader(t *testing.T) {
	s := newStore(t, "solo")
	rt := newRuntime(t, s, "solo", nil, nil, nil)
	rt.Start(context.Background())
	t.Cleanup(rt.Stop)

	require.True(t, rt.WaitRole(Leader, waitFor))
	addEventually(t, s, person("cn=alice,dc=example"))

	st := rt.State()
	assert.Equal(t, uint64(1), st.CurrentTerm)
	assert.Equal(t, 1, st.ClusterSize)
	assert.Equal(t, "solo", st.Leader)
	assert.Equal(t, uint64(2), st.LastLogIndex, "leader entry and the write")
	assert.Equal(t, uint64(2), st.CommitIndex)
	assert.Equal(t, uint64(2), st.LastApplied)

	noop, err := rt.log.Get(1)
	require.NoError(t, err)
	assert.True(t, noop.IsNoop())

	members, err := rt.Members()
	require.NoError(t, err)
	assert.Equal(t, []Member{{Name: "solo"}}, members)

	var buf strings.Builder
	rt.WriteMetrics(&buf)
	assert.Contains(t, buf.String(), "ddir_raft_role 2")
	assert.Contains(t, buf.String(), "ddir_raft_leader_changes_total 1")
}

func TestStateSurvivesRestart(t *testing.T) {
	s := newStore(t, "solo")
	rt := newRuntime(t, s, "solo", nil, nil, nil)
	rt.Start(context.Background())
	require.True(t, rt.WaitRole(Leader, waitFor))
	addEventually(t, s, person("cn=alice,dc=example"))
	inv := s.InvocationID()
	rt.Stop()

	rt = newRuntime(t, s, "solo", nil, nil, nil)
	st := rt.State()
	assert.Equal(t, Candidate, st.Role)
	assert.Equal(t, uint64(1), st.CurrentTerm)
	assert.Equal(t, uint64(2), st.CommitIndex)
	assert.Equal(t, uint64(2), st.LastApplied)
	assert.Equal(t, inv, st.InvocationID)

	rt.Start(context.Background())
	t.Cleanup(rt.Stop)
	require.True(t, rt.WaitRole(Leader, waitFor))
	require.Eventually(t, func() bool { return rt.State().LastApplied == 3 }, waitFor, tick)
	assert.Equal(t, uint64(2), rt.State().CurrentTerm)
}

func TestThreeNodeElection(t *testing.T) {
	net := newNetwork()
	nodes := newCluster(t, net, true, "a", "b", "c")

	leader := waitLeader(t, net, nodes)
	st := leader.rt.State()
	assert.Equal(t, 3, st.ClusterSize)
	require.Len(t, st.Peers, 2)
	for _, p := range st.Peers {
		assert.NotEqual(t, leader.name, p.Name)
		assert.Equal(t, p.Name+":7000", p.Endpoint)
	}
}

func TestWritesReplicate(t *testing.T) {
	net := newNetwork()
	nodes := newCluster(t, net, true, "a", "b", "c")
	leader := waitLeader(t, net, nodes)

	addEventually(t, leader.store, person("cn=alice,dc=example"))
	addEventually(t, leader.store, person("cn=bob,dc=example"))
	want := leader.rt.State().LastLogIndex

	for _, n := range nodes {
		n := n
		require.Eventually(t, func() bool {
			st := n.rt.State()
			return st.LastApplied == want && st.CommitIndex == want
		}, waitFor, tick, "node %s", n.name)
		got, err := n.store.Get("cn=bob,dc=example")
		require.NoError(t, err, "node %s", n.name)
		assert.Equal(t, "cn=bob,dc=example", got.DN)

		if n != leader {
			_, err := n.store.Add(person("cn=carol,dc=example"))
			assert.True(t, errors.Is(err, errs.ErrUnwillingToPerform), "node %s", n.name)
		}
	}
}

func TestCatchUpAfterPartition(t *testing.T) {
	net := newNetwork()
	nodes := newCluster(t, net, true, "a", "b", "c")
	leader := waitLeader(t, net, nodes)

	var lagging *node
	for _, n := range nodes {
		if n != leader {
			lagging = n
			break
		}
	}
	net.setDown(lagging.name, true)

	for _, dn := range []string{"cn=alice,dc=example", "cn=bob,dc=example", "cn=carol,dc=example"} {
		addEventually(t, leader.store, person(dn))
	}
	require.Eventually(t, func() bool {
		for _, p := range leader.rt.State().Peers {
			if p.Name == lagging.name {
				return p.ConsecutiveFailedAttempts > 0 && p.LastError != ""
			}
		}
		return false
	}, waitFor, tick)

	net.setDown(lagging.name, false)
	waitLeader(t, net, nodes)
	require.Eventually(t, func() bool {
		_, err := lagging.store.Get("cn=carol,dc=example")
		return err == nil
	}, waitFor, tick)
}

func TestLeaderFailover(t *testing.T) {
	net := newNetwork()
	nodes := newCluster(t, net, true, "a", "b", "c")
	old := waitLeader(t, net, nodes)
	oldTerm := old.rt.State().CurrentTerm
	addEventually(t, old.store, person("cn=alice,dc=example"))

	net.setDown(old.name, true)
	next := waitLeader(t, net, nodes)
	assert.NotEqual(t, old.name, next.name)
	assert.Greater(t, next.rt.State().CurrentTerm, oldTerm)

	addEventually(t, next.store, person("cn=bob,dc=example"))
	_, err := next.store.Get("cn=alice,dc=example")
	assert.NoError(t, err, "committed writes survive the leader")
}

func TestStartVoteOnFollower(t *testing.T) {
	net := newNetwork()
	nodes := newCluster(t, net, true, "a", "b", "c")
	leader := waitLeader(t, net, nodes)
	term := leader.rt.State().CurrentTerm

	assert.True(t, errors.Is(leader.rt.StartVote(), errs.ErrUnwillingToPerform))
	for _, n := range nodes {
		if n != leader {
			_, err := n.rt.StartVoteOnFollower(context.Background())
			assert.True(t, errors.Is(err, errs.ErrUnwillingToPerform), "only the leader forces votes")
		}
	}

	name, err := leader.rt.StartVoteOnFollower(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, leader.name, name)

	require.Eventually(t, func() bool {
		l := stableLeader(net, nodes)
		return l != nil && l.rt.State().CurrentTerm > term
	}, waitFor, tick)
}

func TestLogCompaction(t *testing.T) {
	s := newStore(t, "solo")
	rt := newRuntime(t, s, "solo", nil, nil, func(o *Options) { o.LogRetain = 5 })
	rt.Start(context.Background())
	t.Cleanup(rt.Stop)
	require.True(t, rt.WaitRole(Leader, waitFor))

	for i := 0; i < 20; i++ {
		addEventually(t, s, person("cn=p"+string(rune('a'+i))+",dc=example"))
	}
	require.Eventually(t, func() bool { return rt.State().FirstLogIndex > 1 }, waitFor, tick)
	_, err := rt.log.Get(1)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	st := rt.State()
	_, err = rt.log.Get(st.LastLogIndex)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, st.LastApplied-st.FirstLogIndex, uint64(5))
}

func TestOptionsRejectShortPing(t *testing.T) {
	defer func(old time.Duration) { minPingInterval = old }(minPingInterval)
	minPingInterval = MinPingInterval

	for _, ping := range []time.Duration{time.Nanosecond, MinPingInterval - time.Millisecond} {
		o := Options{NodeID: "a", PingInterval: ping, ElectionTimeout: time.Second}
		err := o.setDefaults()
		assert.True(t, errors.Is(err, errs.ErrInvalidParameter), "ping %s: got %v", ping, err)
	}

	o := Options{NodeID: "a", PingInterval: MinPingInterval}
	require.NoError(t, o.setDefaults())
	assert.Equal(t, 5*MinPingInterval, o.ElectionTimeout)
}

func TestLeaderStepsDownOnHigherTermPing(t *testing.T) {
	s := newStore(t, "a")
	rt := newRuntime(t, s, "a", nil, nil, func(o *Options) { o.ElectionTimeout = 500 * time.Millisecond })
	rt.Start(context.Background())
	t.Cleanup(rt.Stop)
	require.True(t, rt.WaitRole(Leader, waitFor))
	term := rt.State().CurrentTerm

	_, err := rt.HandleAppendEntries(&AppendRequest{Term: term + 1, Leader: "b"})
	assert.True(t, errors.Is(err, errs.ErrUnwillingToPerform), "got %v", err)
	st := rt.State()
	assert.Equal(t, Follower, st.Role)
	assert.Equal(t, term+1, st.CurrentTerm)
	assert.Equal(t, "b", st.Leader)

	ps, err := loadPersistentState(s)
	require.NoError(t, err)
	assert.Equal(t, term+1, ps.currentTerm)

	// without pings of b the only member takes over again in a newer term
	require.True(t, rt.WaitRole(Leader, waitFor))
	assert.Greater(t, rt.State().CurrentTerm, term+1)
}

// TestVoteTermsNeverDecrease sends vote requests of mixed terms and
// candidates, neither the term nor the vote term of a node may go back and a
// node grants at most one candidate per term
func TestVoteTermsNeverDecrease(t *testing.T) {
	net := newNetwork()
	nodes := newCluster(t, net, false, "a", "b", "c")
	a := nodes[0].rt
	rng := rand.New(rand.NewSource(7))
	granted := map[uint64]string{}

	var lastTerm, lastVoteTerm uint64
	for i := 0; i < 300; i++ {
		term := lastTerm + uint64(rng.Intn(3))
		if back := uint64(rng.Intn(3)); back <= term && rng.Intn(2) == 0 {
			term -= back
		}
		candidate := []string{"b", "c"}[rng.Intn(2)]

		reply, err := a.HandleRequestVote(&VoteRequest{Term: term, CandidateID: candidate})
		require.NoError(t, err)
		st := a.State()
		require.Equal(t, st.CurrentTerm, reply.Term)
		require.GreaterOrEqual(t, st.CurrentTerm, lastTerm, "request %d: term went back", i)
		require.GreaterOrEqual(t, st.VotedForTerm, lastVoteTerm, "request %d: vote term went back", i)

		if reply.Result == VoteGranted {
			require.Equal(t, term, st.VotedForTerm)
			if prev, ok := granted[term]; ok {
				require.Equal(t, prev, candidate, "two candidates granted in term %d", term)
			}
			granted[term] = candidate
		}
		lastTerm, lastVoteTerm = st.CurrentTerm, st.VotedForTerm
	}

	ps, err := loadPersistentState(nodes[0].store)
	require.NoError(t, err)
	assert.Equal(t, lastTerm, ps.currentTerm)
	assert.Equal(t, lastVoteTerm, ps.votedForTerm)
	assert.NotEmpty(t, granted)
}

// slowPeer answers vote requests only once the election gave up on them
type slowPeer struct {
	inflight *atomic.Int32
	calls    *atomic.Int32
}

func (p *slowPeer) RequestVote(ctx context.Context, _ *VoteRequest) (*VoteReply, error) {
	p.calls.Add(1)
	p.inflight.Add(1)
	defer p.inflight.Add(-1)
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)
	return nil, ctx.Err()
}

func (p *slowPeer) AppendEntries(context.Context, *AppendRequest) (*AppendReply, error) {
	return nil, errs.New(errs.RetCTimeout, "unreachable")
}

func (p *slowPeer) StartVote(context.Context) error { return nil }

func TestStopWaitsForVoteRequests(t *testing.T) {
	var inflight, calls atomic.Int32
	members := []Member{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	rt := newRuntime(t, newStore(t, "a"), "a", members, nil, func(o *Options) {
		o.PeerFactory = func(string, string) (Peer, error) {
			return &slowPeer{inflight: &inflight, calls: &calls}, nil
		}
	})
	rt.Start(context.Background())

	require.Eventually(t, func() bool { return inflight.Load() > 0 }, waitFor, tick)
	rt.Stop()
	assert.Equal(t, int32(0), inflight.Load(), "vote requests outlived Stop")
	assert.Positive(t, calls.Load())
}

func TestPeerMetrics(t *testing.T) {
	net := newNetwork()
	nodes := newCluster(t, net, true, "a", "b", "c")
	leader := waitLeader(t, net, nodes)
	addEventually(t, leader.store, person("cn=alice,dc=example"))

	var buf strings.Builder
	leader.rt.WriteMetrics(&buf)
	out := buf.String()
	for _, n := range nodes {
		if n == leader {
			assert.NotContains(t, out, `{peer="`+n.name+`"}`)
			continue
		}
		assert.Contains(t, out, `ddir_raft_peer_rpcs_total{peer="`+n.name+`"}`)
		assert.Contains(t, out, `ddir_raft_peer_rpc_seconds{peer="`+n.name+`",quantile="0.99"}`)
		assert.Contains(t, out, `ddir_raft_peer_failures_total{peer="`+n.name+`"}`)
	}

	// a stopped runtime unregisters its peers
	leader.rt.Stop()
	buf.Reset()
	leader.rt.WriteMetrics(&buf)
	assert.NotContains(t, buf.String(), "ddir_raft_peer_rpcs_total")
}
