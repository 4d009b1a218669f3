// Package server implements the RPC server of the directory nodes.
// It provides adapters that translate RPC messages into calls of the store,
// the raft runtime, the watch registry and the replication supplier, along
// with the Node that assembles all of them.
//
// The package focuses on:
//   - Server-side RPC request handling for every service of a node
//   - Adapter pattern to decouple application logic from RPC mechanisms
//   - Routing requests by service id, with per service request metrics
//   - Node lifecycle: snapshot loading, restore, background loops and shutdown
//
// Key Components:
//
//   - IRPCServerAdapter: Interface defining the contract for all server adapters,
//     with the Handle method that processes a single request.
//
//   - NewDirectoryServerAdapter: entry operations (add, modify, delete, get,
//     search) plus the cluster operations state, vote and restore.
//
//   - NewRaftServerAdapter: the RequestVote and AppendEntries RPCs of the
//     other members and the StartVote hand over.
//
//   - NewWatchServerAdapter: watch sessions that are opened, polled with a
//     bounded wait and closed by the clients.
//
//   - NewReplicationServerAdapter: serves the changes of the node to its
//     replication partners.
//
//   - RPCServer: routes the requests of a transport to the registered
//     adapters. It implements raft.Listener so a restore can pause it.
//
//   - Node: creates the store, the event ledger, the raft runtime and the
//     replication driver from a common.ServerConfig, writes periodic
//     snapshots to the data directory and exposes /metrics.
//
// Usage Example:
//
//	n, err := server.NewNode(
//		*config,
//		tcp.NewTCPServerTransport(),
//		tcp.NewTCPClientTransport,
//		serializer.NewBinarySerializer(),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer n.Close()
//	if err := n.Serve(); err != nil {
//		log.Fatal(err)
//	}
//
// Error Handling:
//
//	Errors of the domain packages keep their errs.RetCode on the wire. A
//	request for an unknown service fails with RetCNotFound, one that can not
//	be decoded with RetCInvalidParameter.
package server
