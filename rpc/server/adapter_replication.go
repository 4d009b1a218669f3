package server

import (
	"context"
	"time"

	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/replication"
	"github.com/ValentinKolb/dDir/rpc/common"
)

// DefaultPullLimit is the batch size of a pull without limit
const DefaultPullLimit = 500

// NewReplicationServerAdapter creates the adapter that supplies the local
// changes to replication partners
func NewReplicationServerAdapter(supplier replication.Partner, timeout time.Duration) IRPCServerAdapter {
	return &replicationServerAdapter{supplier: supplier, timeout: timeout}
}

type replicationServerAdapter struct {
	supplier replication.Partner
	timeout  time.Duration
}

func (adapter *replicationServerAdapter) Handle(req *common.Message) *common.Message {
	if adapter.supplier == nil {
		return common.NewErrorResponse(errs.New(errs.RetCInternal, "handler: supplier is nil"))
	}

	switch req.MsgType {
	case common.MsgTReplPull:
		limit := int(req.Limit)
		if limit <= 0 {
			limit = DefaultPullLimit
		}
		ctx, cancel := context.WithTimeout(context.Background(), adapter.timeout)
		defer cancel()

		updates, err := adapter.supplier.Pull(ctx, req.USN, limit)
		resp := common.NewValueResponse(req.MsgType, updates, err)
		resp.ID = adapter.supplier.Name()
		return resp
	default:
		return common.NewErrorResponse(
			errs.Newf(errs.RetCInvalidParameter, "RPC ReplicationAdapter - Unsupported message type: %s", req.MsgType),
		)
	}
}
