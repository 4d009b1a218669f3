package server

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/store"
	"github.com/ValentinKolb/dDir/rpc/common"
)

// NewDirectoryServerAdapter creates the adapter of the directory service. It
// serves entry reads and writes from s and the raft state, elections and
// restores of cluster. timeout bounds elections and restores.
func NewDirectoryServerAdapter(s store.IStore, cluster Cluster, timeout time.Duration) IRPCServerAdapter {
	return &directoryServerAdapter{store: s, cluster: cluster, timeout: timeout}
}

type directoryServerAdapter struct {
	store   store.IStore
	cluster Cluster
	timeout time.Duration
}

func (adapter *directoryServerAdapter) Handle(req *common.Message) *common.Message {
	// Check for nil store
	if adapter.store == nil {
		return common.NewErrorResponse(errs.New(errs.RetCInternal, "handler: store is nil"))
	}

	switch req.MsgType {
	case common.MsgTDirAdd:
		e, err := entry.Decode(req.Value)
		if err != nil {
			return common.NewWriteResponse(req.MsgType, 0, err)
		}
		usn, err := adapter.store.Add(e)
		return common.NewWriteResponse(req.MsgType, usn, err)
	case common.MsgTDirModify:
		var mods []store.Modification
		if err := req.DecodeValue(&mods); err != nil {
			return common.NewWriteResponse(req.MsgType, 0, err)
		}
		usn, err := adapter.store.Modify(req.DN, mods)
		return common.NewWriteResponse(req.MsgType, usn, err)
	case common.MsgTDirDelete:
		usn, err := adapter.store.Delete(req.DN)
		return common.NewWriteResponse(req.MsgType, usn, err)
	case common.MsgTDirGet:
		return common.NewGetResponse(adapter.store.Get(req.DN))
	case common.MsgTDirSearch:
		entries, err := adapter.store.Search(req.DN, req.Filter)
		if err == nil && req.Limit > 0 && uint64(len(entries)) > req.Limit {
			entries = entries[:req.Limit]
		}
		return common.NewValueResponse(req.MsgType, entries, err)
	case common.MsgTDirState, common.MsgTDirVote, common.MsgTDirRestore:
		if adapter.cluster == nil {
			return common.NewResponse(req.MsgType, errs.New(errs.RetCUnwillingToPerform, "node is not part of a cluster"))
		}
		return adapter.handleCluster(req)
	default:
		return common.NewErrorResponse(
			errs.Newf(errs.RetCInvalidParameter, "RPC DirectoryAdapter - Unsupported message type: %s", req.MsgType),
		)
	}
}

// handleCluster serves the requests that act on the raft runtime
func (adapter *directoryServerAdapter) handleCluster(req *common.Message) *common.Message {
	ctx, cancel := context.WithTimeout(context.Background(), adapter.timeout)
	defer cancel()

	switch req.MsgType {
	case common.MsgTDirState:
		return common.NewValueResponse(req.MsgType, adapter.cluster.State(), nil)
	case common.MsgTDirVote:
		// a leader hands over to one of its followers, a follower starts an election itself
		if adapter.cluster.IsLeader() {
			follower, err := adapter.cluster.StartVoteOnFollower(ctx)
			resp := common.NewResponse(req.MsgType, err)
			resp.ID = follower
			return resp
		}
		return common.NewResponse(req.MsgType, adapter.cluster.StartVote())
	default: // restore
		return common.NewResponse(req.MsgType, adapter.restore(ctx, strings.TrimSpace(string(req.Value))))
	}
}

// restore loads the snapshot file at path, the path is local to the node
func (adapter *directoryServerAdapter) restore(ctx context.Context, path string) error {
	if path == "" {
		return errs.New(errs.RetCInvalidParameter, "restore without snapshot path")
	}
	f, err := os.Open(path)
	if err != nil {
		return errs.Newf(errs.RetCNotFound, "open snapshot: %v", err)
	}
	defer f.Close()

	Logger.Infof("restoring from snapshot %s", path)
	if err := adapter.cluster.Restore(ctx, f); err != nil {
		return fmt.Errorf("restore from %s: %w", path, err)
	}
	return nil
}
