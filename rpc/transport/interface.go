package transport

import (
	"github.com/ValentinKolb/dDir/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests
// This function is called by a server transport layer when a request is received
// It takes the id of the addressed service and the request and returns a response
type ServerHandleFunc func(serviceID uint64, req []byte) (resp []byte)

// IRPCServerTransport is the interface for the RPC transport layer
// It must accept a ServerConfig as a parameter
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	RegisterHandler(handler ServerHandleFunc)
	// Listen binds the endpoint of the config and serves requests until Close is called
	Listen(config common.ServerConfig) error
	// Pause stops accepting new connections. Open connections keep being served.
	Pause() error
	// Reopen binds the endpoint again and calls ready once new connections are accepted
	Reopen(ready func()) error
	// Close stops the listener, closes all connections and makes Listen return
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to a service of the server and returns the response
	Send(serviceID uint64, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}
