package client

import (
	"context"

	"github.com/ValentinKolb/dDir/lib/replication"
	"github.com/ValentinKolb/dDir/rpc/common"
	"github.com/ValentinKolb/dDir/rpc/serializer"
	"github.com/ValentinKolb/dDir/rpc/transport"
)

// NewPartnerClient creates the client of a replication partner, it
// implements replication.Partner
func NewPartnerClient(
	name, endpoint string,
	config common.ClientConfig,
	newTransport func() transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) *PartnerClient {
	return &PartnerClient{newEndpointClient(name, endpoint, config, newTransport, serializer)}
}

// PartnerClient pulls the changes of a partner node
type PartnerClient struct {
	*endpointClient
}

func (p *PartnerClient) Name() string {
	return p.name
}

func (p *PartnerClient) Pull(ctx context.Context, sinceUSN uint64, limit int) ([]*replication.Update, error) {
	resp, err := p.invoke(ctx, common.ServiceReplication, common.NewPullRequest(sinceUSN, uint64(max(0, limit))))
	if err != nil {
		return nil, err
	}
	var updates []*replication.Update
	if err := resp.DecodeValue(&updates); err != nil {
		return nil, err
	}
	return updates, nil
}
