package client

import (
	"errors"
	"time"

	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/raft"
	"github.com/ValentinKolb/dDir/lib/store"
	"github.com/ValentinKolb/dDir/rpc/common"
	"github.com/ValentinKolb/dDir/rpc/serializer"
	"github.com/ValentinKolb/dDir/rpc/transport"
)

// unwillingBackoff is the pause before a write refused by a follower is sent
// to the next endpoint
const unwillingBackoff = 100 * time.Millisecond

// NewDirectoryClient creates a client of the directory and watch services.
// The function takes a config, a transport and a serializer as parameters
//
// Usage:
//
//	c, err := client.NewDirectoryClient(config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	if err != nil {
//		...
//	}
//	defer c.Close()
//	usn, err := c.Add(e)
func NewDirectoryClient(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*DirectoryClient, error) {
	// Connect the transport
	if err := transport.Connect(config); err != nil {
		return nil, err
	}

	return &DirectoryClient{
		rpcClientAdapter{
			config:     config,
			transport:  transport,
			serializer: serializer,
		},
	}, nil
}

// DirectoryClient reads and writes the entries of a cluster. Writes refused
// by a follower are retried on the other endpoints until the leader takes them.
type DirectoryClient struct {
	rpcClientAdapter
}

// WatchHandle identifies an open watch session
type WatchHandle struct {
	ID            string
	StartRevision uint64
}

// --------------------------------------------------------------------------
// Entries
// --------------------------------------------------------------------------

// Add creates an entry and returns the usn of the write
func (c *DirectoryClient) Add(e *entry.Entry) (uint64, error) {
	req, err := common.NewAddRequest(e)
	if err != nil {
		return 0, err
	}
	resp, err := c.write(req)
	if err != nil {
		return 0, err
	}
	return resp.USN, nil
}

// Modify changes an entry and returns the usn of the write
func (c *DirectoryClient) Modify(dn string, mods []store.Modification) (uint64, error) {
	req, err := common.NewModifyRequest(dn, mods)
	if err != nil {
		return 0, err
	}
	resp, err := c.write(req)
	if err != nil {
		return 0, err
	}
	return resp.USN, nil
}

// Delete removes an entry and returns the usn of the write
func (c *DirectoryClient) Delete(dn string) (uint64, error) {
	resp, err := c.write(common.NewDeleteRequest(dn))
	if err != nil {
		return 0, err
	}
	return resp.USN, nil
}

// Get returns an entry, errs.ErrNotFound if it does not exist
func (c *DirectoryClient) Get(dn string) (*entry.Entry, error) {
	resp, err := invokeRPCRequest(common.ServiceDirectory, common.NewGetRequest(dn), c.transport, c.serializer)
	if err != nil {
		return nil, err
	}
	return entry.Decode(resp.Value)
}

// Search returns up to limit entries at or below base that match filter, 0 means no limit
func (c *DirectoryClient) Search(base, filter string, limit uint64) ([]*entry.Entry, error) {
	resp, err := invokeRPCRequest(common.ServiceDirectory, common.NewSearchRequest(base, filter, limit), c.transport, c.serializer)
	if err != nil {
		return nil, err
	}
	var entries []*entry.Entry
	if err := resp.DecodeValue(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// --------------------------------------------------------------------------
// Cluster
// --------------------------------------------------------------------------

// State returns the raft state of the node
func (c *DirectoryClient) State() (*raft.State, error) {
	resp, err := invokeRPCRequest(common.ServiceDirectory, common.NewStateRequest(), c.transport, c.serializer)
	if err != nil {
		return nil, err
	}
	var state raft.State
	if err := resp.DecodeValue(&state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Vote asks the node to start an election. A leader hands over to one of
// its followers, whose name is returned.
func (c *DirectoryClient) Vote() (string, error) {
	resp, err := invokeRPCRequest(common.ServiceDirectory, common.NewVoteRequest(), c.transport, c.serializer)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Restore makes the node restore from a snapshot file on the node
func (c *DirectoryClient) Restore(path string) error {
	_, err := invokeRPCRequest(common.ServiceDirectory, common.NewRestoreRequest(path), c.transport, c.serializer)
	return err
}

// --------------------------------------------------------------------------
// Watch
// --------------------------------------------------------------------------

// OpenWatch opens a watch session for the entries matching filter. Events
// with a revision > since are delivered, fromNow skips all past events.
func (c *DirectoryClient) OpenWatch(filter string, since uint64, fromNow bool) (*WatchHandle, error) {
	resp, err := invokeRPCRequest(common.ServiceWatch, common.NewWatchOpenRequest(filter, since, fromNow), c.transport, c.serializer)
	if err != nil {
		return nil, err
	}
	return &WatchHandle{ID: resp.ID, StartRevision: resp.USN}, nil
}

// PollWatch returns up to limit events of a session, waiting up to wait for
// the first one. It also returns the revision the session has reached.
// The wait is capped below the request timeout.
func (c *DirectoryClient) PollWatch(id string, limit uint64, wait time.Duration) ([]common.WatchEvent, uint64, error) {
	if timeout := c.config.Timeout(); timeout > 0 {
		wait = min(wait, timeout/2)
	}
	req := common.NewWatchPollRequest(id, limit, uint64(max(0, wait.Milliseconds())))
	resp, err := invokeRPCRequest(common.ServiceWatch, req, c.transport, c.serializer)
	if err != nil {
		return nil, 0, err
	}
	var events []common.WatchEvent
	if err := resp.DecodeValue(&events); err != nil {
		return nil, 0, err
	}
	return events, resp.USN, nil
}

// CloseWatch closes a watch session
func (c *DirectoryClient) CloseWatch(id string) error {
	_, err := invokeRPCRequest(common.ServiceWatch, common.NewWatchCloseRequest(id), c.transport, c.serializer)
	return err
}

// Close closes the transport
func (c *DirectoryClient) Close() error {
	return c.transport.Close()
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// write sends a write request. A node that is not the leader answers
// UnwillingToPerform, the transport sends the next attempt to the next endpoint.
func (c *DirectoryClient) write(req *common.Message) (*common.Message, error) {
	attempts := max(1, 2*len(c.config.Transport.Endpoints))
	var err error
	for i := 0; i < attempts; i++ {
		var resp *common.Message
		resp, err = invokeRPCRequest(common.ServiceDirectory, req, c.transport, c.serializer)
		if !errors.Is(err, errs.ErrUnwillingToPerform) {
			return resp, err
		}
		Logger.Debugf("%s refused (%v), trying next endpoint", req.MsgType, err)
		if i+1 < attempts {
			time.Sleep(unwillingBackoff)
		}
	}
	return nil, err
}
