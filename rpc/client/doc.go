// Package client implements the RPC clients of the directory nodes.
//
// The package focuses on:
//   - Reading and writing entries of a cluster from the CLI
//   - The raft RPCs a node sends to the other members
//   - Pulling changes from replication partners
//   - Error handling and conversion between RPC and domain errors
//
// Key Components:
//
//   - NewDirectoryClient: creates a client of the directory and watch services.
//     Writes refused by a follower (errs.ErrUnwillingToPerform) are sent to
//     the next endpoint until the leader accepts them.
//
//   - NewPeerFactory / PeerClient: the raft.Peer of another member. The
//     connection is established on the first request and dialed again after
//     a transport failure, so members that are down at start-up are not fatal.
//
//   - PartnerClient: implements replication.Partner on top of the
//     replication service of a partner node.
//
// Errors returned by a server keep their code across the wire:
//
//	_, err := c.Add(e)
//	if errors.Is(err, errs.ErrAlreadyExists) {
//		// entry exists
//	}
//
// Usage Example:
//
//	config := common.ClientConfig{
//		TimeoutSecond: 5,
//		Transport: common.ClientTransportConfig{
//			Endpoints:  []string{"localhost:8080", "localhost:8081"},
//			RetryCount: 3,
//		},
//	}
//	c, _ := client.NewDirectoryClient(config, tcp.NewTCPClientTransport(), serializer.NewBinarySerializer())
//	defer c.Close()
//	state, _ := c.State()
//
// Thread Safety:
//
//	All client implementations are thread-safe and can be used concurrently from
//	multiple goroutines without additional synchronization.
package client
