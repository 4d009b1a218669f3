package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/rpc/common"
	"github.com/ValentinKolb/dDir/rpc/serializer"
	"github.com/ValentinKolb/dDir/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// rpcClientAdapter is a struct that stores all data needed for an implementation of an RPC client
// Used by the directory, peer and partner clients with composition pattern
type rpcClientAdapter struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// invokeRPCRequest is a helper function used for all RPC Clients to send requests
// It takes a service ID, a request message, a transport layer and a serializer as parameters
// It returns a response message and an error if any occurs
// This method also checks if the response is an error response and if the type of the response is the expected type.
// Errors carried by a response are returned as *errs.Error so callers can test them with errors.Is.
func invokeRPCRequest(serviceID uint64, req *common.Message, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (*common.Message, error) {
	// Serialize the request
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	// Send the request
	respBytes, err := transport.Send(serviceID, reqBytes)
	if err != nil {
		return nil, &transportError{err: err}
	}

	// Deserialize the response
	resp := &common.Message{}
	err = serializer.Deserialize(respBytes, resp)
	if err != nil {
		return nil, fmt.Errorf("RPC %s client - Error: %s", common.ServiceName(serviceID), err)
	}

	// Check if the response is an error response
	if err := resp.ResponseError(); err != nil {
		return nil, err
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != req.MsgType {
		return nil, fmt.Errorf("RPC %s client - Unexpected message type: %s, expected %s",
			common.ServiceName(serviceID), resp.MsgType, req.MsgType)
	}

	// Return the response
	return resp, nil
}

// invokeRPCRequestCtx is invokeRPCRequest bounded by ctx. The request itself
// is not cancelled, its response is dropped.
func invokeRPCRequestCtx(ctx context.Context, serviceID uint64, req *common.Message, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (*common.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Newf(errs.RetCTimeout, "%s: %v", req.MsgType, err)
	}

	type result struct {
		resp *common.Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := invokeRPCRequest(serviceID, req, transport, serializer)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, errs.Newf(errs.RetCTimeout, "%s: %v", req.MsgType, ctx.Err())
	}
}

// transportError marks a request that did not reach the server
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }

func (e *transportError) Unwrap() error { return e.err }

// endpointClient is a lazily connected client of a single node, used for the
// raft members and replication partners which may be down when a node starts
type endpointClient struct {
	name         string
	config       common.ClientConfig
	newTransport func() transport.IRPCClientTransport
	serializer   serializer.IRPCSerializer

	mu        sync.Mutex
	transport transport.IRPCClientTransport
}

func newEndpointClient(
	name, endpoint string,
	config common.ClientConfig,
	newTransport func() transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) *endpointClient {
	return &endpointClient{
		name:         name,
		config:       config.WithEndpoints(endpoint),
		newTransport: newTransport,
		serializer:   serializer,
	}
}

// connected returns the transport, connecting it first if needed
func (c *endpointClient) connected() (transport.IRPCClientTransport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		return c.transport, nil
	}
	t := c.newTransport()
	if err := t.Connect(c.config); err != nil {
		return nil, &transportError{err: fmt.Errorf("connect to %s: %w", c.name, err)}
	}
	c.transport = t
	return t, nil
}

// invoke sends a request, a failed transport is dropped and connected again
// by the next request
func (c *endpointClient) invoke(ctx context.Context, serviceID uint64, req *common.Message) (*common.Message, error) {
	t, err := c.connected()
	if err != nil {
		return nil, err
	}
	resp, err := invokeRPCRequestCtx(ctx, serviceID, req, t, c.serializer)
	var terr *transportError
	if errors.As(err, &terr) {
		c.reset(t)
	}
	return resp, err
}

// reset closes t if it is still the transport of the client
func (c *endpointClient) reset(t transport.IRPCClientTransport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == t {
		_ = t.Close()
		c.transport = nil
	}
}

// Close closes the transport
func (c *endpointClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return nil
	}
	err := c.transport.Close()
	c.transport = nil
	return err
}
