package raft

import (
	"time"

	"github.com/ValentinKolb/dDir/lib/errs"
)

// Role is the raft role of a node
type Role uint8

const (
	Candidate Role = iota // initial role
	Follower
	Leader
)

func (r Role) String() string {
	switch r {
	case Candidate:
		return "Candidate"
	case Follower:
		return "Follower"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// MarshalText renders the role by name in json and yaml output
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	for _, role := range []Role{Candidate, Follower, Leader} {
		if role.String() == string(text) {
			*r = role
			return nil
		}
	}
	return errs.Newf(errs.RetCInvalidParameter, "unknown role %q", text)
}

// raftState is the mutable consensus state, guarded by ClusterRuntime.mu.
//
// votedForTerm <= currentTerm always holds and votedForTerm never decreases.
type raftState struct {
	role             Role
	currentTerm      uint64
	votedForTerm     uint64
	votedFor         string
	leader           string
	clusterSize      int
	voteConsensusCnt int
	voteDeniedCnt    int
	lastPingRecvTime time.Time
	lastPingSendTime time.Time
	commitIndex      uint64

	lastLogIndex  uint64
	lastLogTerm   uint64
	lastApplied   uint64
	firstLogIndex uint64
	hostname      string
}

// State is a point in time copy of the consensus state of a node
type State struct {
	Role             Role        `json:"role" yaml:"role"`
	CurrentTerm      uint64      `json:"currentTerm" yaml:"currentTerm"`
	VotedForTerm     uint64      `json:"votedForTerm" yaml:"votedForTerm"`
	VotedFor         string      `json:"votedFor" yaml:"votedFor"`
	Leader           string      `json:"leader" yaml:"leader"`
	ClusterSize      int         `json:"clusterSize" yaml:"clusterSize"`
	VoteConsensusCnt int         `json:"voteConsensusCnt" yaml:"voteConsensusCnt"`
	VoteDeniedCnt    int         `json:"voteDeniedCnt" yaml:"voteDeniedCnt"`
	LastPingRecvTime time.Time   `json:"lastPingRecvTime" yaml:"lastPingRecvTime"`
	LastPingSendTime time.Time   `json:"lastPingSendTime" yaml:"lastPingSendTime"`
	CommitIndex      uint64      `json:"commitIndex" yaml:"commitIndex"`
	LastLogIndex     uint64      `json:"lastLogIndex" yaml:"lastLogIndex"`
	LastLogTerm      uint64      `json:"lastLogTerm" yaml:"lastLogTerm"`
	LastApplied      uint64      `json:"lastApplied" yaml:"lastApplied"`
	FirstLogIndex    uint64      `json:"firstLogIndex" yaml:"firstLogIndex"`
	Hostname         string      `json:"hostname" yaml:"hostname"`
	InvocationID     string      `json:"invocationId" yaml:"invocationId"`
	Peers            []PeerState `json:"peers,omitempty" yaml:"peers,omitempty"`
}

func (s *raftState) snapshot() State {
	return State{
		Role:             s.role,
		CurrentTerm:      s.currentTerm,
		VotedForTerm:     s.votedForTerm,
		VotedFor:         s.votedFor,
		Leader:           s.leader,
		ClusterSize:      s.clusterSize,
		VoteConsensusCnt: s.voteConsensusCnt,
		VoteDeniedCnt:    s.voteDeniedCnt,
		LastPingRecvTime: s.lastPingRecvTime,
		LastPingSendTime: s.lastPingSendTime,
		CommitIndex:      s.commitIndex,
		LastLogIndex:     s.lastLogIndex,
		LastLogTerm:      s.lastLogTerm,
		LastApplied:      s.lastApplied,
		FirstLogIndex:    s.firstLogIndex,
		Hostname:         s.hostname,
	}
}

// majority is the number of votes (or acks) needed in a cluster of n nodes
func majority(n int) int {
	return n/2 + 1
}
