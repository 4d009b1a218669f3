// Package raft keeps the directory store of the nodes of a cluster in sync.
//
// A ClusterRuntime elects a leader among the members and replicates every
// client write of the leader to a majority before it commits. It is attached
// to the store as its LogWriter: PreCommit appends the write to the log and
// the commit hooks of the write transaction replicate it. Followers receive
// the log through HandleAppendEntries and apply committed entries in index
// order.
//
// The consensus state (term, vote, commit index) is kept in node local
// entries below cn=raftcontext, the log itself under raftlog/ in the same
// database. Both are not part of directory replication.
//
// Example usage:
//
//	rt, err := raft.NewClusterRuntime(s, raft.Options{
//		NodeID:      "node-1",
//		Members:     members,
//		PeerFactory: client.NewPeerFactory(config, tcp.NewTCPClientTransport, serializer),
//	})
//	if err != nil {
//		...
//	}
//	rt.Start(ctx)
//	defer rt.Stop()
//
// The RPCs of other nodes end up in HandleRequestVote and HandleAppendEntries
// (see rpc/server).
package raft
