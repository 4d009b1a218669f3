// Package store defines the directory store of a dDir node on top of the
// transactional db.KVDB contract.
//
// Key Components:
//
//   - IStore Interface: directory operations (add, modify, delete, get,
//     search) plus the hooks the replication and raft layers need: replicated
//     applies, the change index used by partners and node local entries.
//
//   - Update Sequence Numbers: every write is a database transaction whose
//     write index is the USN of the write. The change index maps the USN of
//     the last change of every entry to its dn.
//
//   - LogWriter: the raft runtime attaches itself as LogWriter. It stages the
//     log entry in the same transaction and returns the commit hooks that
//     replicate it before the transaction is applied.
//
// Implementations:
//
//	The local store (lstore) is the only implementation. Replication between
//	nodes happens below it (raft log) and next to it (partner replication).
package store
