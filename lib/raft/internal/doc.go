// Package internal provides the raft log entry and its binary encoding.
//
// Log entries are stored in the database of the node under raftlog/<index>
// and sent to followers with AppendEntries.
//
// Entry Format:
//
//   - 8 bytes: log index (uint64, big endian)
//   - 8 bytes: term (uint64, big endian)
//   - 1 byte: operation (0 for no-op entries, see event.Op)
//   - 4 bytes: dn length (uint32, big endian)
//   - N bytes: dn
//   - M bytes: encoded entry image (optional)
//
// The types in this package are not thread-safe.
package internal
