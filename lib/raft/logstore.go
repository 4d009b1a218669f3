package raft

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dDir/lib/db"
	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/raft/internal"
)

// LogPrefix prefixes the keys of the raft log
const LogPrefix = "raftlog/"

// appliedKey holds the index of the last log entry applied to the store. It
// is written in the transaction of the applied write.
const appliedKey = "raftmeta/applied"

func logKey(index uint64) string {
	return fmt.Sprintf("%s%020d", LogPrefix, index)
}

// LogStore keeps the raft log in the database of the node, next to the
// directory data, so log entries commit atomically with their writes.
type LogStore struct {
	db db.KVDB
}

// NewLogStore returns the log kept in kvdb
func NewLogStore(kvdb db.KVDB) *LogStore {
	return &LogStore{db: kvdb}
}

// Stage writes e inside txn
func (l *LogStore) Stage(txn db.Txn, e *internal.LogEntry) error {
	if e.Index == 0 {
		return errs.New(errs.RetCInvalidParameter, "log index 0 is reserved")
	}
	return txn.Set(logKey(e.Index), e.Serialize())
}

// Put writes e in its own transaction
func (l *LogStore) Put(e *internal.LogEntry) error {
	txn, err := l.db.Begin(true)
	if err != nil {
		return err
	}
	defer txn.Abort()
	if err := l.Stage(txn, e); err != nil {
		return err
	}
	return txn.Commit()
}

// Get returns the entry at index or errs.ErrNotFound
func (l *LogStore) Get(index uint64) (*internal.LogEntry, error) {
	raw, ok := l.db.Get(logKey(index))
	if !ok {
		return nil, errs.Newf(errs.RetCNotFound, "no log entry %d", index)
	}
	e := &internal.LogEntry{}
	if err := e.Deserialize(raw); err != nil {
		return nil, errs.Newf(errs.RetCInvalidEntry, "log entry %d: %v", index, err)
	}
	return e, nil
}

// Bounds returns the first and the last entry, both nil for an empty log
func (l *LogStore) Bounds() (first, last *internal.LogEntry, err error) {
	var firstRaw, lastRaw []byte
	l.db.Scan(LogPrefix, func(_ string, raw []byte) bool {
		if firstRaw == nil {
			firstRaw = raw
		}
		lastRaw = raw
		return true
	})
	if firstRaw == nil {
		return nil, nil, nil
	}
	first, last = &internal.LogEntry{}, &internal.LogEntry{}
	if err := first.Deserialize(firstRaw); err != nil {
		return nil, nil, errs.Newf(errs.RetCInvalidEntry, "first log entry: %v", err)
	}
	if err := last.Deserialize(lastRaw); err != nil {
		return nil, nil, errs.Newf(errs.RetCInvalidEntry, "last log entry: %v", err)
	}
	return first, last, nil
}

// DeleteFrom removes every entry with an index >= from and returns how many
// were removed
func (l *LogStore) DeleteFrom(from uint64) (int, error) {
	return l.deleteWhere(func(index uint64) bool { return index >= from })
}

// DeleteBefore removes every entry with an index < before (log compaction)
func (l *LogStore) DeleteBefore(before uint64) (int, error) {
	return l.deleteWhere(func(index uint64) bool { return index < before })
}

func (l *LogStore) deleteWhere(match func(index uint64) bool) (int, error) {
	txn, err := l.db.Begin(true)
	if err != nil {
		return 0, err
	}
	defer txn.Abort()

	var keys []string
	txn.Scan(LogPrefix, func(key string, _ []byte) bool {
		index, err := strconv.ParseUint(strings.TrimPrefix(key, LogPrefix), 10, 64)
		if err == nil && match(index) {
			keys = append(keys, key)
		}
		return true
	})
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return 0, err
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return len(keys), txn.Commit()
}

// Applied returns the index of the last entry applied to the store
func (l *LogStore) Applied() uint64 {
	raw, ok := l.db.Get(appliedKey)
	if !ok {
		return 0
	}
	index, _ := strconv.ParseUint(string(raw), 10, 64)
	return index
}

// StageApplied records index as applied inside txn
func (l *LogStore) StageApplied(txn db.Txn, index uint64) error {
	return txn.Set(appliedKey, []byte(strconv.FormatUint(index, 10)))
}
