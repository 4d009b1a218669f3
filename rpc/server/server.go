package server

import (
	"fmt"
	"io"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/rpc/common"
	"github.com/ValentinKolb/dDir/rpc/serializer"
	"github.com/ValentinKolb/dDir/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

// RPCServer routes the requests received by a transport to the adapter of
// the addressed service
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	services   *xsync.MapOf[uint64, IRPCServerAdapter]
	metrics    *metrics.Set
}

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//	s.Register(common.ServiceDirectory, server.NewDirectoryServerAdapter(store, rt, timeout))
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	s := &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		services:   xsync.NewMapOf[uint64, IRPCServerAdapter](),
		metrics:    metrics.NewSet(),
	}
	s.registerTransportHandler()
	return s
}

// Register sets the adapter of a service
func (s *RPCServer) Register(serviceID uint64, adapter IRPCServerAdapter) {
	s.services.Store(serviceID, adapter)
	Logger.Debugf("registered %s service", common.ServiceName(serviceID))
}

// Handle serves a single encoded request, it is the handler of the transport
func (s *RPCServer) Handle(serviceID uint64, req []byte) []byte {
	start := time.Now()
	name := common.ServiceName(serviceID)
	s.metrics.GetOrCreateCounter(fmt.Sprintf(`ddir_rpc_requests_total{service=%q}`, name)).Inc()

	respMsg := s.handle(serviceID, req)
	if respMsg.Err != "" {
		s.metrics.GetOrCreateCounter(fmt.Sprintf(`ddir_rpc_errors_total{service=%q}`, name)).Inc()
		Logger.Debugf("%s %s failed: %s", name, respMsg.MsgType, respMsg.Err)
	}

	// Return result
	val, err := s.serializer.Serialize(*respMsg)
	if err != nil {
		Logger.Errorf("failed to serialize %s response: %v", name, err)
		val, _ = s.serializer.Serialize(*common.NewErrorResponse(
			errs.Newf(errs.RetCInternal, "failed to serialize response: %v", err),
		))
	}
	s.metrics.GetOrCreateHistogram(fmt.Sprintf(`ddir_rpc_request_duration_seconds{service=%q}`, name)).UpdateDuration(start)
	return val
}

func (s *RPCServer) handle(serviceID uint64, req []byte) *common.Message {
	// Get appropriate service
	adapter, ok := s.services.Load(serviceID)
	if !ok {
		return common.NewErrorResponse(errs.Newf(errs.RetCNotFound, "service %d not found", serviceID))
	}

	// Decode the request
	var msg common.Message
	if err := s.serializer.Deserialize(req, &msg); err != nil {
		return common.NewErrorResponse(errs.Newf(errs.RetCInvalidParameter, "failed to deserialize request: %v", err))
	}

	// Let the adapter handle the request
	resp := adapter.Handle(&msg)
	if resp == nil {
		return common.NewErrorResponse(errs.Newf(errs.RetCInternal, "no response to %s", msg.MsgType))
	}
	return resp
}

func (s *RPCServer) registerTransportHandler() {
	s.transport.RegisterHandler(s.Handle)
}

// Serve listens on the endpoint of the config until Close is called
func (s *RPCServer) Serve() error {
	return s.transport.Listen(s.config)
}

// Pause stops accepting connections, it makes the server a raft.Listener
func (s *RPCServer) Pause() error {
	return s.transport.Pause()
}

// Reopen accepts connections again and calls ready once the endpoint is bound
func (s *RPCServer) Reopen(ready func()) error {
	return s.transport.Reopen(ready)
}

// Close stops the transport
func (s *RPCServer) Close() error {
	return s.transport.Close()
}

// WriteMetrics writes the request metrics in Prometheus text format
func (s *RPCServer) WriteMetrics(w io.Writer) {
	s.metrics.WritePrometheus(w)
}
