package server

import (
	"context"
	"io"

	"github.com/ValentinKolb/dDir/lib/raft"
	"github.com/ValentinKolb/dDir/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters
// It is responsible for handling requests and responses of one service
type IRPCServerAdapter interface {
	// Handle handles a request and returns a response
	// If an error occurs, it should be set in the response
	Handle(req *common.Message) (resp *common.Message)
}

// Cluster is the consensus side of a node, implemented by *raft.ClusterRuntime
type Cluster interface {
	State() raft.State
	IsLeader() bool
	StartVote() error
	StartVoteOnFollower(ctx context.Context) (string, error)
	Restore(ctx context.Context, snapshot io.Reader) error
	HandleRequestVote(req *raft.VoteRequest) (*raft.VoteReply, error)
	HandleAppendEntries(req *raft.AppendRequest) (*raft.AppendReply, error)
}
