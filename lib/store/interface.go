package store

import (
	"io"

	"github.com/ValentinKolb/dDir/lib/db"
	"github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/event"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// DBFactory is a function type that creates a new db used by the store.
// This is used to abstract the creation of the db from the store implementation.
type DBFactory func() db.KVDB

// ModOp is the operation of a single Modification
type ModOp uint8

const (
	ModAdd     ModOp = iota + 1 // add values to an attribute
	ModDelete                   // delete values (all values if none are given)
	ModReplace                  // replace all values
)

func (op ModOp) String() string {
	switch op {
	case ModAdd:
		return "add"
	case ModDelete:
		return "delete"
	case ModReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Modification changes one attribute of an entry
type Modification struct {
	Op     ModOp    `json:"op"`
	Type   string   `json:"type"`
	Values []string `json:"values,omitempty"`
}

// Change is the result of a ReplicateFunc. A zero Op means there is nothing
// to write.
type Change struct {
	Op    event.Op
	Entry *entry.Entry
}

// ReplicateFunc computes the new image of an entry inside the write
// transaction of a replicated apply. current is nil if the entry does not
// exist, tombstones are passed as they are.
type ReplicateFunc func(localUsn uint64, current *entry.Entry) (Change, error)

// LogWriter takes part in every replicated write. PreCommit may stage
// additional writes in txn (the log entry) and returns the hooks the commit
// runs with. An error aborts the write.
type LogWriter interface {
	PreCommit(txn db.Txn, op event.Op, dn string, image []byte) (db.CommitHooks, error)
}

// IStore is the directory store of a node.
//
// Every successful write gets a new local update sequence number (USN), the
// write index of the underlying database. Deleted entries are kept as
// tombstones (isDeleted=TRUE) so deletes can be replicated to partners.
type IStore interface {
	// Add creates a new entry. It fails with errs.ErrAlreadyExists if a live
	// entry with that dn exists.
	Add(e *entry.Entry) (usn uint64, err error)
	// Modify applies modifications to an existing entry.
	Modify(dn string, mods []Modification) (usn uint64, err error)
	// Delete turns an entry into a tombstone.
	Delete(dn string) (usn uint64, err error)
	// Get returns a live entry or errs.ErrNotFound.
	Get(dn string) (*entry.Entry, error)
	// Search returns the live entries at or below base matching filter.
	Search(base, filter string) ([]*entry.Entry, error)

	// Replicate runs fn inside a write transaction and stores its result.
	// The returned usn is 0 if fn decided that nothing changes.
	Replicate(dn string, fn ReplicateFunc) (usn uint64, err error)
	// ChangesSince returns up to limit entries (tombstones included) whose
	// last change has a USN > usn, ordered by USN.
	ChangesSince(usn uint64, limit int) ([]*entry.Entry, error)
	// ApplyLogEntry stores an image received through the raft log. within is
	// called inside the same write transaction.
	ApplyLogEntry(op event.Op, dn string, image []byte, within func(db.Txn) error) (usn uint64, err error)

	// PutLocal stores an entry that is neither replicated nor indexed, used
	// for the node local raft context.
	PutLocal(e *entry.Entry) error
	// GetLocal returns any stored entry, tombstones and local entries included.
	GetLocal(dn string) (*entry.Entry, error)
	// DeleteLocal removes an entry without leaving a tombstone.
	DeleteLocal(dn string) error
	// Children returns the direct children of base.
	Children(base string) ([]*entry.Entry, error)

	// HighestUSN returns the USN of the last write.
	HighestUSN() uint64
	// SetLogWriter attaches the raft log. Nil detaches it.
	SetLogWriter(w LogWriter)
	// SetInvocationID sets the id stamped into the metadata of local writes.
	SetInvocationID(id string)
	// InvocationID returns the current invocation id.
	InvocationID() string
	// Events returns the event repository fed by this store, may be nil.
	Events() *event.Repo

	// Quiesce blocks new writes and waits for running ones, resume undoes it.
	Quiesce() (resume func())
	// Load replaces the whole content with a snapshot. The caller quiesces the store.
	Load(r io.Reader) error
	// Snapshot writes the whole content.
	Snapshot(w io.Writer) error

	// DB returns the underlying database.
	DB() db.KVDB
	// WriteMetrics writes the store metrics in Prometheus text format.
	WriteMetrics(w io.Writer)
	// GetDBInfo returns metadata about the database underlying the store.
	GetDBInfo() (info db.DatabaseInfo, err error)
	// Close closes the database.
	Close() error
}

// --------------------------------------------------------------------------
// Keys
// --------------------------------------------------------------------------

const (
	// EntryPrefix prefixes the key of every stored entry
	EntryPrefix = "entry/"
	// USNPrefix prefixes the change index, usn -> normalized dn
	USNPrefix = "usn/"
)

// EntryKey returns the database key of an entry
func EntryKey(dn string) string {
	return EntryPrefix + entry.NormalizeDN(dn)
}
