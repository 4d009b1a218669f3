// Package rpc provides the remote procedure call framework of the directory
// service. It is the communication layer between clients, the raft members
// of a cluster and the replication partners of a node.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the Message protocol, configuration structures, and logging.
//
//   - transport: Network communication abstractions with pluggable implementations
//     (TCP, Unix sockets, HTTP).
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB)
//     for converting between Message objects and byte arrays.
//
//   - client: RPC clients for the directory and watch services, the raft peer
//     client and the replication partner client.
//
//   - server: The RPC server, the adapters of the directory, raft, watch and
//     replication services and the Node that wires them to a store.
package rpc
