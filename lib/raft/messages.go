package raft

import "context"

// VoteResult is the answer to a vote request
type VoteResult uint8

const (
	VoteGranted VoteResult = iota
	VoteDenied
	// VoteDeniedStaleLog means the voter has a more recent log than the candidate
	VoteDeniedStaleLog
)

func (v VoteResult) String() string {
	switch v {
	case VoteGranted:
		return "Granted"
	case VoteDenied:
		return "Denied"
	case VoteDeniedStaleLog:
		return "DeniedStaleLog"
	default:
		return "Unknown"
	}
}

// VoteRequest is sent by a candidate to every peer
type VoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidateId"`
	LastLogIndex uint64 `json:"lastLogIndex"`
	LastLogTerm  uint64 `json:"lastLogTerm"`
}

// VoteReply carries the term of the voter and its decision
type VoteReply struct {
	Term   uint64     `json:"term"`
	Result VoteResult `json:"result"`
}

// AppendRequest is a ping (no Entry) or carries a single serialized log entry
// that follows PreLogIndex.
type AppendRequest struct {
	Term         uint64 `json:"term"`
	Leader       string `json:"leader"`
	PreLogIndex  uint64 `json:"preLogIndex"`
	PreLogTerm   uint64 `json:"preLogTerm"`
	LeaderCommit uint64 `json:"leaderCommit"`
	Entry        []byte `json:"entry,omitempty"`
}

// AppendReply reports whether the follower accepted the request. On a log
// mismatch LastLogIndex tells the leader where to back up to.
type AppendReply struct {
	Term         uint64 `json:"term"`
	Success      bool   `json:"success"`
	LastLogIndex uint64 `json:"lastLogIndex"`
}

// Peer is the client side of the raft RPCs of another node
type Peer interface {
	RequestVote(ctx context.Context, req *VoteRequest) (*VoteReply, error)
	AppendEntries(ctx context.Context, req *AppendRequest) (*AppendReply, error)
	// StartVote asks the peer to start an election right away
	StartVote(ctx context.Context) error
}

// PeerFactory creates the client of a member
type PeerFactory func(name, endpoint string) (Peer, error)
