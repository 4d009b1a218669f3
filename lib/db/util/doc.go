// Package util provides the key hashing used by database implementations
// that satisfy the db.KVDB interface.
//
// Hasher combines a seeded FNV-1a hash with the murmur3 finalizer and maps
// keys to shard indices.
package util
