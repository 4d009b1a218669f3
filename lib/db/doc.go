// Package db provides a standardized interface for transactional key-value
// database implementations. The directory store, the raft log and the
// persisted raft state all live in one KVDB so that a directory write, its
// log entry and the consensus bookkeeping commit atomically.
//
// Key Components:
//
//   - KVDB Interface: The core interface that all database implementations must satisfy.
//     It provides transactions (Begin), committed reads (Get, Has, Scan),
//     metadata retrieval (GetInfo) and persistence operations (Save, Load).
//
//   - Txn: A read or write transaction. Write transactions are exclusive and
//     see their own staged writes.
//
//   - CommitHooks: Attached to a write transaction by the replication layer.
//     PrepareCommit runs while the transaction is still open and returns the
//     (logIndex, logTerm) the write occupies, PostCommit confirms an applied
//     transaction and CommitFail reports that a prepared transaction could not
//     be applied.
//
//   - Feature Flags: The Feature type defines capability flags that implementations
//     can advertise through the SupportsFeature method.
//
// Note on the Write Index:
//   - The write index is a logical clock owned by the caller (the directory
//     store uses it as the current USN). It only increases through SetWriteIdx
//     and Txn.SetWriteIdx; Load is the only operation that may lower it.
//
// Related Packages:
//
// The engines/maple package (github.com/ValentinKolb/dDir/lib/db/engines/maple)
// provides a sharded in-memory implementation with binary snapshots.
//
// The testing package (github.com/ValentinKolb/dDir/lib/db/testing) provides
// a standardized test suite (RunKVDBTests) for implementations of db.KVDB.
package db
