package db

import "io"

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMaple Implementation = "maple"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureGet         Feature = 1 << iota // Support for Get operations
	FeatureHas                             // Support for Has operations
	FeatureScan                            // Support for ordered prefix scans
	FeatureTxn                             // Support for read and write transactions
	FeatureCommitHooks                     // Support for CommitHooks on write transactions
	FeatureSave                            // Support for Save operations
	FeatureLoad                            // Support for Load operations
)

func (f Feature) String() string {
	switch f {
	case FeatureGet:
		return "Get"
	case FeatureHas:
		return "Has"
	case FeatureScan:
		return "Scan"
	case FeatureTxn:
		return "Txn"
	case FeatureCommitHooks:
		return "CommitHooks"
	case FeatureSave:
		return "Save"
	case FeatureLoad:
		return "Load"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Commit Hooks
// --------------------------------------------------------------------------

// CommitHooks lets a replication layer take part in the commit of a write
// transaction. For every commit the engine calls, in this order:
//
//  1. PrepareCommit while the transaction is open but not yet applied. It
//     returns the log position the write occupies. An error aborts the
//     transaction and no other hook is called.
//  2. PostCommit once all writes are applied, or
//  3. CommitFail if the engine could not apply the prepared transaction.
type CommitHooks interface {
	PrepareCommit() (logIndex, logTerm uint64, err error)
	PostCommit(logIndex, logTerm uint64)
	CommitFail()
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// Txn is a database transaction. Write transactions are exclusive: at most
// one is open per database, Begin(true) blocks until the current one ends.
// Reads inside a write transaction see its own uncommitted writes.
type Txn interface {
	// Get retrieves the value for an exact key.
	Get(key string) (value []byte, loaded bool)

	// Scan calls fn for every key with the given prefix in ascending key order
	// until fn returns false.
	Scan(prefix string, fn func(key string, value []byte) bool)

	// Set stages a write. It fails for read transactions.
	Set(key string, value []byte) error

	// Delete stages a delete. Deleting a missing key is not an error.
	Delete(key string) error

	// SetWriteIdx stages a new database write index, applied on commit.
	SetWriteIdx(index uint64)

	// SetCommitHooks attaches hooks called by Commit.
	SetCommitHooks(hooks CommitHooks)

	// Writable reports whether this is a write transaction.
	Writable() bool

	// Commit applies the staged writes. For read transactions it only ends the transaction.
	Commit() error

	// Abort discards the staged writes. Calling Abort after Commit is a no-op.
	Abort()
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KVDB defines an interface for transactional key-value database implementations.
// Implementations can vary in their feature support, which can be queried with SupportsFeature.
type KVDB interface {

	// Begin opens a transaction.
	Begin(writable bool) (Txn, error)

	// --------------------------------------------------------------------------
	// Query Operations (outside of transactions)
	// --------------------------------------------------------------------------

	// Get retrieves the committed value for an exact key.
	Get(key string) (value []byte, loaded bool)

	// Has checks whether a key exists in the database.
	Has(key string) (loaded bool)

	// Scan calls fn for every committed key with the given prefix in ascending order.
	Scan(prefix string, fn func(key string, value []byte) bool)

	// --------------------------------------------------------------------------
	// Persistence Operations
	// --------------------------------------------------------------------------

	// Save persists the current committed state to the provided io.Writer.
	Save(w io.Writer) (err error)

	// Load replaces the database state with the data provided by an io.Reader.
	// The write index is taken from the snapshot, even if it is lower.
	Load(r io.Reader) (err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// --------------------------------------------------------------------------
	// Write Index Operations
	// --------------------------------------------------------------------------

	// SetWriteIdx sets the current index of the database only if the provided index is greater than the current index.
	SetWriteIdx(index uint64)

	// WriteIdx returns the current index of the database.
	WriteIdx() (index uint64)

	// Close closes the database.
	Close() (err error)
}
