package server

import (
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/raft"
	"github.com/ValentinKolb/dDir/rpc/common"
)

// NewRaftServerAdapter creates the adapter that serves the raft RPCs of the
// other members
func NewRaftServerAdapter(cluster Cluster) IRPCServerAdapter {
	return &raftServerAdapter{cluster: cluster}
}

type raftServerAdapter struct {
	cluster Cluster
}

func (adapter *raftServerAdapter) Handle(req *common.Message) *common.Message {
	if adapter.cluster == nil {
		return common.NewErrorResponse(errs.New(errs.RetCInternal, "handler: cluster is nil"))
	}

	switch req.MsgType {
	case common.MsgTRaftRequestVote:
		var vote raft.VoteRequest
		if err := req.DecodeValue(&vote); err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		reply, err := adapter.cluster.HandleRequestVote(&vote)
		return common.NewValueResponse(req.MsgType, reply, err)
	case common.MsgTRaftAppendEntries:
		var appendReq raft.AppendRequest
		if err := req.DecodeValue(&appendReq); err != nil {
			return common.NewResponse(req.MsgType, err)
		}
		reply, err := adapter.cluster.HandleAppendEntries(&appendReq)
		return common.NewValueResponse(req.MsgType, reply, err)
	case common.MsgTRaftStartVote:
		return common.NewResponse(req.MsgType, adapter.cluster.StartVote())
	default:
		return common.NewErrorResponse(
			errs.Newf(errs.RetCInvalidParameter, "RPC RaftAdapter - Unsupported message type: %s", req.MsgType),
		)
	}
}
