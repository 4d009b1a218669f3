package client

import (
	"context"

	"github.com/ValentinKolb/dDir/lib/raft"
	"github.com/ValentinKolb/dDir/rpc/common"
	"github.com/ValentinKolb/dDir/rpc/serializer"
	"github.com/ValentinKolb/dDir/rpc/transport"
)

// NewPeerFactory returns the raft.PeerFactory that connects to the other
// members over RPC. Every peer gets its own transport from newTransport.
func NewPeerFactory(
	config common.ClientConfig,
	newTransport func() transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) raft.PeerFactory {
	return func(name, endpoint string) (raft.Peer, error) {
		return NewPeerClient(name, endpoint, config, newTransport, serializer), nil
	}
}

// NewPeerClient creates the raft client of a single member. It connects on
// the first request.
func NewPeerClient(
	name, endpoint string,
	config common.ClientConfig,
	newTransport func() transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) *PeerClient {
	// raft repeats pings and votes itself
	config.Transport.RetryCount = 1
	return &PeerClient{newEndpointClient(name, endpoint, config, newTransport, serializer)}
}

// PeerClient implements raft.Peer
type PeerClient struct {
	*endpointClient
}

func (p *PeerClient) RequestVote(ctx context.Context, req *raft.VoteRequest) (*raft.VoteReply, error) {
	msg, err := common.NewRequestVoteRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.invoke(ctx, common.ServiceRaft, msg)
	if err != nil {
		return nil, err
	}
	var reply raft.VoteReply
	if err := resp.DecodeValue(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (p *PeerClient) AppendEntries(ctx context.Context, req *raft.AppendRequest) (*raft.AppendReply, error) {
	msg, err := common.NewAppendEntriesRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.invoke(ctx, common.ServiceRaft, msg)
	if err != nil {
		return nil, err
	}
	var reply raft.AppendReply
	if err := resp.DecodeValue(&reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (p *PeerClient) StartVote(ctx context.Context) error {
	_, err := p.invoke(ctx, common.ServiceRaft, common.NewStartVoteRequest())
	return err
}
