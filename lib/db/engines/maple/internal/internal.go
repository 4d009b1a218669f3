package internal

import (
	"fmt"

	"github.com/ValentinKolb/dDir/lib/db/util"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Entry Type (value with metadata)
// --------------------------------------------------------------------------

// Entry stores a value with metadata
type Entry struct {
	Value []byte // Stored data
	Index uint64 // Write index of the transaction that created/updated this entry
}

// --------------------------------------------------------------------------
// Staged writes of a transaction
// --------------------------------------------------------------------------

// Write is one staged write of a transaction, Delete marks a tombstone
type Write struct {
	Value  []byte
	Delete bool
}

func (w Write) String() string {
	if w.Delete {
		return "Write{Delete}"
	}
	return fmt.Sprintf("Write{Value: %d bytes}", len(w.Value))
}

// Size returns the number of bytes the write adds to a transaction
func (w Write) Size(key string) int {
	return len(key) + len(w.Value)
}

// --------------------------------------------------------------------------
// Shard Type (partition of the database)
// --------------------------------------------------------------------------

// Shard represents a partition of the database
type Shard struct {
	Data *xsync.MapOf[string, Entry] // Map of committed entries
}

// NewShard creates a new empty shard
func NewShard() *Shard {
	return &Shard{
		Data: xsync.NewMapOf[string, Entry](),
	}
}

// GetShard returns the shard of key
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func GetShard[T any](h util.Hasher, key string, shards []*T) *T {
	return shards[h.Shard(key, len(shards))]
}
