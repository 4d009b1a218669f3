// Package maple implements a sharded in-memory key-value database (KVDB)
// with exclusive write transactions, commit hooks and binary snapshots.
// It provides a complete implementation of the db.KVDB interface.
//
// Key Components:
//
//   - mapleImpl: The central database structure implementing db.KVDB. It manages
//     the shards, the writer lock and the write index. The write index is not
//     generated by maple itself, the caller stages it on each transaction
//     (the directory store uses its USN).
//
//   - Shard: A partition of the key space backed by an xsync.MapOf. Keys are
//     distributed across shards by a util.Hasher with a database specific
//     seed. Load reseeds the hasher for the loaded shards.
//
//   - txn: A transaction. Writes are staged in a map and only touch the shards
//     on commit. Reads inside a write transaction see the staged writes.
//
// Commit Protocol:
//
//  1. PrepareCommit is called while the transaction still holds the writer
//     lock and nothing is applied. A hook error aborts the transaction.
//  2. The staged writes are applied under the apply lock, so that readers
//     never observe a partially applied transaction.
//  3. PostCommit is called with the log position returned by PrepareCommit.
//     If step 2 fails (closed database or a transaction bigger than
//     DBOptions.MaxTxnBytes) CommitFail is called instead and the commit
//     returns errs.ErrCommitFailed.
//
// Persistence:
//
// The snapshot format is a little endian binary stream:
//
//	magic "MAPLEDB\x00" | version uint8 | write index uint64 | count uint64 |
//	count * (key len uint32 | key | entry index uint64 | value len uint32 | value)
//
// Save waits for the open write transaction, so a snapshot always contains
// whole transactions. Load parses the complete snapshot before it swaps the
// shards, a truncated snapshot leaves the database untouched.
//
// Usage Example:
//
//	database := maple.NewMapleDB(nil)
//	txn, _ := database.Begin(true)
//	_ = txn.Set("cn=alice", []byte("..."))
//	txn.SetWriteIdx(1)
//	if err := txn.Commit(); err != nil {
//		// handle error
//	}
package maple
