package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ValentinKolb/dDir/lib/db"
	"github.com/ValentinKolb/dDir/lib/db/engines/maple"
	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/event"
	"github.com/ValentinKolb/dDir/lib/raft"
	"github.com/ValentinKolb/dDir/lib/replication"
	"github.com/ValentinKolb/dDir/lib/store"
	"github.com/ValentinKolb/dDir/lib/store/lstore"
	"github.com/ValentinKolb/dDir/rpc/client"
	"github.com/ValentinKolb/dDir/rpc/common"
	"github.com/ValentinKolb/dDir/rpc/serializer"
	"github.com/ValentinKolb/dDir/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var nodeLog = logger.GetLogger("node")

// SnapshotFile is the name of the snapshot in the data directory
const SnapshotFile = "snapshot.db"

// Node is a directory node: the store with its event ledger, the raft
// runtime, the replication driver and the RPC server that exposes them.
type Node struct {
	config common.ServerConfig

	store    store.IStore
	events   *event.Repo
	watches  *event.Registry
	runtime  *raft.ClusterRuntime
	driver   *replication.Driver
	partners []*client.PartnerClient
	rpc      *RPCServer
	metrics  *http.Server

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewNode assembles a node from its configuration. The snapshot in the data
// directory is loaded and the node is restored from config.RestoreFrom
// before anything listens. newClientTransport creates the transports to the
// other members and the replication partners.
//
// Usage:
//
//	n, err := server.NewNode(*config, tcp.NewTCPServerTransport(), tcp.NewTCPClientTransport, serializer.NewBinarySerializer())
//	if err != nil {
//		...
//	}
//	go n.Serve()
//	defer n.Close()
func NewNode(
	config common.ServerConfig,
	serverTransport transport.IRPCServerTransport,
	newClientTransport func() transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	members, err := config.Members()
	if err != nil {
		return nil, err
	}
	partners, err := config.Partners()
	if err != nil {
		return nil, err
	}

	n := &Node{config: config}

	// Store and event ledger
	n.events = event.NewRepo(entry.Codec{}, &event.RepoOptions{Retain: eventRetain(config.EventMaxReady)})
	n.store = lstore.NewLocalStore(func() db.KVDB { return maple.NewMapleDB(nil) }, &lstore.Options{Events: n.events})
	if err := n.loadSnapshot(); err != nil {
		return nil, err
	}

	// Raft runtime
	peerConfig := common.ClientConfig{
		TimeoutSecond: int(config.TimeoutSecond),
		Transport: common.ClientTransportConfig{
			SocketConf: config.Transport.SocketConf,
			TCPConf:    config.Transport.TCPConf,
		},
	}
	n.runtime, err = raft.NewClusterRuntime(n.store, raft.Options{
		NodeID:          config.NodeID,
		Members:         members,
		PeerFactory:     client.NewPeerFactory(peerConfig, newClientTransport, serializer),
		PingInterval:    config.PingInterval(),
		ElectionTimeout: config.ElectionTimeout(),
		StartupDelay:    time.Duration(config.RaftStartupDelayMS) * time.Millisecond,
		LogRetain:       config.RaftLogRetain,
	})
	if err != nil {
		_ = n.store.Close()
		return nil, err
	}

	// Restore before the listener is attached, nothing is bound yet
	if config.RestoreFrom != "" {
		if err := n.restoreFrom(config.RestoreFrom); err != nil {
			_ = n.store.Close()
			return nil, err
		}
	}

	// Multi master replication, only the leader applies updates
	if len(partners) > 0 {
		repl := make([]replication.Partner, 0, len(partners))
		for _, p := range partners {
			pc := client.NewPartnerClient(p.Name, p.Endpoint, peerConfig, newClientTransport, serializer)
			n.partners = append(n.partners, pc)
			repl = append(repl, pc)
		}
		n.driver = replication.NewDriver(n.store, repl, replication.DriverOptions{
			Interval:     time.Duration(config.ReplIntervalMS) * time.Millisecond,
			InvocationID: n.store.InvocationID,
			Active:       n.runtime.IsLeader,
		})
	}

	// RPC services
	n.watches = event.NewRegistry(n.events, entry.FilterMatcher{})
	n.rpc = NewRPCServer(config, serverTransport, serializer)
	n.rpc.Register(common.ServiceDirectory, NewDirectoryServerAdapter(n.store, n.runtime, config.Timeout()))
	n.rpc.Register(common.ServiceRaft, NewRaftServerAdapter(n.runtime))
	n.rpc.Register(common.ServiceWatch, NewWatchServerAdapter(n.watches, config.Timeout()/2))
	n.rpc.Register(common.ServiceReplication, NewReplicationServerAdapter(
		replication.NewSupplier(config.NodeID, n.store), config.Timeout()))
	n.runtime.SetListener(n.rpc)

	return n, nil
}

// Serve starts the background loops and serves requests until Close is called
func (n *Node) Serve() error {
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.events.Run(ctx)
	}()
	n.runtime.Start(ctx)
	if n.driver != nil {
		n.driver.Start(ctx)
	}
	if n.config.DataDir != "" && n.config.SnapshotIntervalSecond > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.snapshotLoop(ctx, time.Duration(n.config.SnapshotIntervalSecond)*time.Second)
		}()
	}
	if n.config.MetricsEndpoint != "" {
		n.serveMetrics()
	}

	nodeLog.Infof("node %s serving on %s", n.config.NodeID, n.config.Transport.Endpoint)
	return n.rpc.Serve()
}

// Close stops the node, writes a last snapshot and closes the store
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		nodeLog.Infof("stopping node %s", n.config.NodeID)
		err = n.rpc.Close()
		if n.metrics != nil {
			_ = n.metrics.Close()
		}
		if n.driver != nil {
			n.driver.Stop()
		}
		n.runtime.Stop()
		if n.cancel != nil {
			n.cancel()
		}
		n.wg.Wait()
		n.watches.CloseAll()
		for _, p := range n.partners {
			_ = p.Close()
		}

		if n.config.DataDir != "" {
			if serr := n.WriteSnapshot(); serr != nil {
				nodeLog.Errorf("final snapshot: %v", serr)
				err = errors.Join(err, serr)
			}
		}
		n.events.Close()
		err = errors.Join(err, n.store.Close())
	})
	return err
}

// Runtime returns the raft runtime of the node
func (n *Node) Runtime() *raft.ClusterRuntime { return n.runtime }

// Store returns the directory store of the node
func (n *Node) Store() store.IStore { return n.store }

// WriteMetrics writes the metrics of all node components in Prometheus text format
func (n *Node) WriteMetrics(w io.Writer) {
	n.store.WriteMetrics(w)
	n.events.WriteMetrics(w)
	n.runtime.WriteMetrics(w)
	if n.driver != nil {
		n.driver.WriteMetrics(w)
	}
	n.rpc.WriteMetrics(w)
}

// WriteSnapshot writes the store to the data directory. The snapshot is
// written to a temporary file first and renamed over the previous one.
func (n *Node) WriteSnapshot() error {
	if err := os.MkdirAll(n.config.DataDir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(n.config.DataDir, SnapshotFile+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	resume := n.store.Quiesce()
	err = n.store.Snapshot(tmp)
	resume()
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(n.config.DataDir, SnapshotFile))
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func eventRetain(maxReady int) int {
	if maxReady <= 0 {
		return event.DefaultRetain
	}
	return maxReady
}

// loadSnapshot loads the snapshot of the data directory if there is one
func (n *Node) loadSnapshot() error {
	if n.config.DataDir == "" {
		return nil
	}
	path := filepath.Join(n.config.DataDir, SnapshotFile)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		nodeLog.Infof("no snapshot in %s, starting empty", n.config.DataDir)
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	if err := n.store.Load(f); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (n *Node) restoreFrom(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	defer f.Close()
	ctx, cancel := context.WithTimeout(context.Background(), max(n.config.Timeout(), time.Minute))
	defer cancel()
	return n.runtime.Restore(ctx, f)
}

func (n *Node) snapshotLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := n.WriteSnapshot(); err != nil {
				nodeLog.Errorf("snapshot: %v", err)
				continue
			}
			nodeLog.Debugf("snapshot written in %s", time.Since(start))
		}
	}
}

// serveMetrics exposes the Prometheus metrics on the metrics endpoint
func (n *Node) serveMetrics() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
		n.WriteMetrics(w)
	})
	n.metrics = &http.Server{Addr: n.config.MetricsEndpoint, Handler: mux}
	go func() {
		if err := n.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			nodeLog.Errorf("metrics endpoint %s: %v", n.config.MetricsEndpoint, err)
		}
	}()
	nodeLog.Infof("metrics on http://%s/metrics", n.config.MetricsEndpoint)
}
