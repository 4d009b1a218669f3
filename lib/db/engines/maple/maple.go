package maple

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dDir/lib/db"
	"github.com/ValentinKolb/dDir/lib/db/engines/maple/internal"
	"github.com/ValentinKolb/dDir/lib/db/util"
	"github.com/ValentinKolb/dDir/lib/errs"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

// Constants for database behavior and structure
const (
	magicNum     = "MAPLEDB\x00" // File format identifier
	mapleVersion = 4             // Database version
)

// --------------------------------------------------------------------------
// Core Maple database structure
// --------------------------------------------------------------------------

// mapleImpl implements a transactional database with sharded data
type mapleImpl struct {
	numShards   int               // Number of shards
	hasher      util.Hasher       // Shard selection
	shards      []*internal.Shard // Array of shards
	currIndex   atomic.Uint64     // Current logical timestamp
	maxTxnBytes int               // Upper bound for the staged bytes of one transaction (0 = unbounded)

	writer  sync.Mutex   // held by the open write transaction
	applyMu sync.RWMutex // readers never observe a half applied commit
	closed  atomic.Bool
}

// DBOptions configures the mapleImpl behavior during initialization
type DBOptions struct {
	NumShards   int // Number of shards (0 = auto)
	MaxTxnBytes int // Commit fails for bigger transactions (0 = unbounded)
}

// DefaultOptions returns the default mapleImpl options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		NumShards: runtime.NumCPU(), // Auto-determine based on CPU count
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewMapleDB creates a new MapleDB instance with the specified options (optional)
func NewMapleDB(opts *DBOptions) db.KVDB {

	// Generate default options if not provided
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.NumShards <= 0 {
		opts.NumShards = runtime.NumCPU()
	}

	newDB := &mapleImpl{
		numShards:   opts.NumShards,
		hasher:      util.NewHasher(),
		shards:      newShards(opts.NumShards),
		maxTxnBytes: opts.MaxTxnBytes,
	}
	newDB.currIndex.Store(0)

	return newDB
}

func newShards(n int) []*internal.Shard {
	shards := make([]*internal.Shard, n)
	for i := 0; i < n; i++ {
		shards[i] = internal.NewShard()
	}
	return shards
}

// shardFor returns the shard responsible for a key
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) shardFor(key string) *internal.Shard {
	return internal.GetShard(maple.hasher, key, maple.shards)
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// Begin opens a transaction. A write transaction holds the writer lock until
// it is committed or aborted.
func (maple *mapleImpl) Begin(writable bool) (db.Txn, error) {
	if maple.closed.Load() {
		return nil, errs.New(errs.RetCInternal, "database is closed")
	}
	if writable {
		maple.writer.Lock()
		if maple.closed.Load() {
			maple.writer.Unlock()
			return nil, errs.New(errs.RetCInternal, "database is closed")
		}
	}
	return &txn{
		maple:    maple,
		writable: writable,
		writes:   make(map[string]internal.Write),
	}, nil
}

// txn implements db.Txn
type txn struct {
	maple    *mapleImpl
	writable bool
	done     bool
	writes   map[string]internal.Write
	size     int
	writeIdx uint64
	hooks    db.CommitHooks
}

func (t *txn) Writable() bool { return t.writable }

func (t *txn) Get(key string) ([]byte, bool) {
	if w, ok := t.writes[key]; ok {
		if w.Delete {
			return nil, false
		}
		return copyBytes(w.Value), true
	}
	return t.maple.Get(key)
}

func (t *txn) Scan(prefix string, fn func(key string, value []byte) bool) {
	merged := t.maple.collect(prefix)
	for k, w := range t.writes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if w.Delete {
			delete(merged, k)
		} else {
			merged[k] = w.Value
		}
	}
	iterateSorted(merged, fn)
}

func (t *txn) Set(key string, value []byte) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	w := internal.Write{Value: copyBytes(value)}
	t.stage(key, w)
	return nil
}

func (t *txn) Delete(key string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.stage(key, internal.Write{Delete: true})
	return nil
}

func (t *txn) SetWriteIdx(index uint64) {
	if index > t.writeIdx {
		t.writeIdx = index
	}
}

func (t *txn) SetCommitHooks(hooks db.CommitHooks) {
	t.hooks = hooks
}

// Commit calls PrepareCommit, applies the staged writes and then calls
// PostCommit. A staged set exceeding DBOptions.MaxTxnBytes cannot be applied,
// in that case CommitFail is called and errs.ErrCommitFailed returned.
func (t *txn) Commit() error {
	if t.done {
		return errs.New(errs.RetCInvalidParameter, "transaction already finished")
	}
	if !t.writable {
		t.done = true
		return nil
	}
	defer t.finish()

	var (
		logIndex, logTerm uint64
		err               error
	)
	if t.hooks != nil {
		if logIndex, logTerm, err = t.hooks.PrepareCommit(); err != nil {
			return fmt.Errorf("prepare commit: %w", err)
		}
	}

	if err := t.apply(); err != nil {
		if t.hooks != nil {
			t.hooks.CommitFail()
		}
		return err
	}

	if t.hooks != nil {
		t.hooks.PostCommit(logIndex, logTerm)
	}
	return nil
}

func (t *txn) Abort() {
	if t.done {
		return
	}
	if !t.writable {
		t.done = true
		return
	}
	t.finish()
}

func (t *txn) apply() error {
	maple := t.maple
	if maple.closed.Load() {
		return errs.New(errs.RetCCommitFailed, "database is closed")
	}
	if maple.maxTxnBytes > 0 && t.size > maple.maxTxnBytes {
		return errs.Newf(errs.RetCCommitFailed, "transaction of %d bytes exceeds limit of %d bytes", t.size, maple.maxTxnBytes)
	}

	maple.applyMu.Lock()
	defer maple.applyMu.Unlock()

	index := t.writeIdx
	if index == 0 {
		index = maple.currIndex.Load()
	}
	for key, w := range t.writes {
		shard := maple.shardFor(key)
		if w.Delete {
			shard.Data.Delete(key)
			continue
		}
		shard.Data.Store(key, internal.Entry{Value: w.Value, Index: index})
	}
	maple.SetWriteIdx(t.writeIdx)
	return nil
}

func (t *txn) stage(key string, w internal.Write) {
	if old, ok := t.writes[key]; ok {
		t.size -= old.Size(key)
	}
	t.writes[key] = w
	t.size += w.Size(key)
}

func (t *txn) checkWritable() error {
	if t.done {
		return errs.New(errs.RetCInvalidParameter, "transaction already finished")
	}
	if !t.writable {
		return errs.New(errs.RetCInvalidParameter, "write in read transaction")
	}
	return nil
}

func (t *txn) finish() {
	t.done = true
	t.writes = nil
	t.maple.writer.Unlock()
}

// --------------------------------------------------------------------------
// Core KVDB Interface Methods - Read Operations
// --------------------------------------------------------------------------

// Get retrieves a committed value for a key.
// The returned value is a copy of the stored data and therefore safe to use and modify.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Get(key string) ([]byte, bool) {
	maple.applyMu.RLock()
	defer maple.applyMu.RUnlock()

	e, ok := maple.shardFor(key).Data.Load(key)
	if !ok {
		return nil, false
	}
	return copyBytes(e.Value), true
}

// Has checks if a key exists in the database.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (maple *mapleImpl) Has(key string) bool {
	maple.applyMu.RLock()
	defer maple.applyMu.RUnlock()

	_, ok := maple.shardFor(key).Data.Load(key)
	return ok
}

// Scan iterates the committed keys with the given prefix in ascending order
func (maple *mapleImpl) Scan(prefix string, fn func(key string, value []byte) bool) {
	iterateSorted(maple.collect(prefix), fn)
}

// collect copies every committed entry with the given prefix
func (maple *mapleImpl) collect(prefix string) map[string][]byte {
	maple.applyMu.RLock()
	defer maple.applyMu.RUnlock()

	out := make(map[string][]byte)
	for _, shard := range maple.shards {
		shard.Data.Range(func(key string, e internal.Entry) bool {
			if strings.HasPrefix(key, prefix) {
				out[key] = copyBytes(e.Value)
			}
			return true
		})
	}
	return out
}

func iterateSorted(entries map[string][]byte, fn func(key string, value []byte) bool) {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k, entries[k]) {
			return
		}
	}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Save persists the database to the writer.
//
// Save waits for the open write transaction, the snapshot therefore always
// holds whole transactions.
func (maple *mapleImpl) Save(w io.Writer) error {
	maple.writer.Lock()
	defer maple.writer.Unlock()

	// Use a buffered writer for better performance
	bw := bufio.NewWriterSize(w, 1024*1024) // 1 MB buffer

	type entryToSave struct {
		key   string
		entry internal.Entry
	}
	var dataEntries []entryToSave
	for _, shard := range maple.shards {
		shard.Data.Range(func(key string, entry internal.Entry) bool {
			dataEntries = append(dataEntries, entryToSave{key, entry})
			return true
		})
	}

	// Write file header
	if _, err := bw.WriteString(magicNum); err != nil {
		return err
	}

	// Write maple version
	if err := binary.Write(bw, binary.LittleEndian, uint8(mapleVersion)); err != nil {
		return err
	}

	// Write write index
	if err := binary.Write(bw, binary.LittleEndian, maple.currIndex.Load()); err != nil {
		return err
	}

	// Write total data entries count
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(dataEntries))); err != nil {
		return err
	}

	// Write data entries
	for _, item := range dataEntries {

		// Write key length and key bytes
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(item.key))); err != nil {
			return err
		}
		if _, err := bw.WriteString(item.key); err != nil {
			return err
		}

		// Write entry index
		if err := binary.Write(bw, binary.LittleEndian, item.entry.Index); err != nil {
			return err
		}

		// Write value length and value bytes
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(item.entry.Value))); err != nil {
			return err
		}
		if _, err := bw.Write(item.entry.Value); err != nil {
			return err
		}
	}

	// Flush buffer to ensure all data is written
	return bw.Flush()
}

// Load replaces the database content with a snapshot written by Save.
// The content is only swapped in once the whole snapshot was read.
func (maple *mapleImpl) Load(r io.Reader) error {
	maple.writer.Lock()
	defer maple.writer.Unlock()

	// Use a buffered reader for better performance
	br := bufio.NewReaderSize(r, 1024*1024) // 1 MB buffer

	// Read and verify magic number
	magicBytes := make([]byte, len(magicNum))
	if _, err := io.ReadFull(br, magicBytes); err != nil {
		return err
	}
	if string(magicBytes) != magicNum {
		return fmt.Errorf("invalid file format: magic number mismatch")
	}

	// Read and verify version
	var version uint8
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return err
	}
	if int(version) != mapleVersion {
		return fmt.Errorf("unsupported version: %d (expected %d)", version, mapleVersion)
	}

	// Read write index
	var writeIdx uint64
	if err := binary.Read(br, binary.LittleEndian, &writeIdx); err != nil {
		return err
	}

	// Read data entries count
	var dataCount uint64
	if err := binary.Read(br, binary.LittleEndian, &dataCount); err != nil {
		return err
	}

	hasher := util.NewHasher()
	shards := newShards(maple.numShards)

	for i := uint64(0); i < dataCount; i++ {
		var keyLen uint32
		if err := binary.Read(br, binary.LittleEndian, &keyLen); err != nil {
			return err
		}
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(br, key); err != nil {
			return err
		}

		var index uint64
		if err := binary.Read(br, binary.LittleEndian, &index); err != nil {
			return err
		}

		var valueLen uint32
		if err := binary.Read(br, binary.LittleEndian, &valueLen); err != nil {
			return err
		}
		value := make([]byte, valueLen)
		if _, err := io.ReadFull(br, value); err != nil {
			return err
		}

		k := string(key)
		internal.GetShard(hasher, k, shards).Data.Store(k, internal.Entry{
			Value: value,
			Index: index,
		})
	}

	maple.applyMu.Lock()
	maple.shards = shards
	maple.hasher = hasher
	maple.currIndex.Store(writeIdx)
	maple.applyMu.Unlock()

	return nil
}

// --------------------------------------------------------------------------
// KVDB Interface Implementation - Features and Metadata
// --------------------------------------------------------------------------

// GetInfo returns statistics about the database
func (maple *mapleImpl) GetInfo() db.DatabaseInfo {
	maple.applyMu.RLock()
	defer maple.applyMu.RUnlock()

	var (
		sizeBytes  int
		count      int
		shardSizes = make([]int, len(maple.shards))
	)
	for i, shard := range maple.shards {
		shard.Data.Range(func(key string, entry internal.Entry) bool {
			sizeBytes += len(key) + len(entry.Value) + 8 // 8 bytes for the index
			return true
		})
		shardSizes[i] = shard.Data.Size()
		count += shardSizes[i]
	}

	// Metadata for this specific database implementation
	meta := &struct {
		CurrentWriteIndex uint64 `json:"current_write_index"`
		ShardCount        int    `json:"shard_count"`
		ShardSizes        []int  `json:"shard_sizes"`
		EntryCount        int    `json:"entry_count"`
		MaxTxnBytes       int    `json:"max_txn_bytes"`
	}{
		CurrentWriteIndex: maple.currIndex.Load(),
		ShardCount:        len(maple.shards),
		ShardSizes:        shardSizes,
		EntryCount:        count,
		MaxTxnBytes:       maple.maxTxnBytes,
	}

	return db.DatabaseInfo{
		SizeBytes: sizeBytes,
		DbType:    db.ImplMaple,
		SupportedFeatures: []db.Feature{
			db.FeatureGet, db.FeatureHas, db.FeatureScan,
			db.FeatureTxn, db.FeatureCommitHooks,
			db.FeatureSave, db.FeatureLoad,
		},
		Metadata: meta,
	}
}

// SupportsFeature checks if this implementation supports a specific KVDB feature
func (maple *mapleImpl) SupportsFeature(feature db.Feature) bool {
	supportedFeatures := db.FeatureGet |
		db.FeatureHas |
		db.FeatureScan |
		db.FeatureTxn |
		db.FeatureCommitHooks |
		db.FeatureSave |
		db.FeatureLoad
	return supportedFeatures&feature == feature
}

// Close marks the database as closed, open transactions fail on commit
func (maple *mapleImpl) Close() error {
	maple.closed.Store(true)
	return nil
}

// --------------------------------------------------------------------------
// Index and Timestamp Management
// --------------------------------------------------------------------------

// SetWriteIdx safely updates the current index
// It only updates if the new index is greater than the current one
//
// Thread-safety: This method is thread-safe and can be called concurrently.
// It uses atomic operations to ensure that the index only increases.
func (maple *mapleImpl) SetWriteIdx(newIdx uint64) {
	// Only update if the new index is greater
	for {
		currIdx := maple.currIndex.Load()
		if newIdx <= currIdx {
			return
		}
		if maple.currIndex.CompareAndSwap(currIdx, newIdx) {
			return
		}
	}
}

// WriteIdx returns the current index of the database
func (maple *mapleImpl) WriteIdx() uint64 {
	return maple.currIndex.Load()
}
