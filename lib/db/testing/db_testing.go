package testing

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dDir/lib/db"
)

// DBFactory is a function that creates a new instance of a KVDB implementation
type DBFactory func() db.KVDB

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("Abort", func(t *testing.T) {
			testAbort(t, factory())
		})

		t.Run("ReadYourWrites", func(t *testing.T) {
			testReadYourWrites(t, factory())
		})

		t.Run("ReadOnlyTxn", func(t *testing.T) {
			testReadOnlyTxn(t, factory())
		})

		t.Run("Scan", func(t *testing.T) {
			testScan(t, factory())
		})

		t.Run("CommitHooks", func(t *testing.T) {
			testCommitHooks(t, factory())
		})

		t.Run("PrepareCommitError", func(t *testing.T) {
			testPrepareCommitError(t, factory())
		})

		t.Run("WriteIndex", func(t *testing.T) {
			testWriteIndex(t, factory())
		})

		t.Run("ExclusiveWriter", func(t *testing.T) {
			testExclusiveWriter(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("LoadInvalid", func(t *testing.T) {
			testLoadInvalid(t, factory())
		})

		t.Run("ConcurrentWriters", func(t *testing.T) {
			testConcurrentWriters(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

// write commits a single key in its own transaction
func write(t testing.TB, database db.KVDB, key string, value []byte, writeIdx uint64) {
	t.Helper()
	txn, err := database.Begin(true)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := txn.Set(key, value); err != nil {
		t.Fatalf("set %s: %v", key, err)
	}
	txn.SetWriteIdx(writeIdx)
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

type hookRecorder struct {
	mu        sync.Mutex
	calls     []string
	index     uint64
	term      uint64
	prepErr   error
	postIndex uint64
	postTerm  uint64
}

func (h *hookRecorder) PrepareCommit() (uint64, uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "prepare")
	return h.index, h.term, h.prepErr
}

func (h *hookRecorder) PostCommit(logIndex, logTerm uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "post")
	h.postIndex, h.postTerm = logIndex, logTerm
}

func (h *hookRecorder) CommitFail() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, "fail")
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTxn|db.FeatureGet)

	testKey := "test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	write(t, database, testKey, testValue1, 1)

	result, exists := database.Get(testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	write(t, database, testKey, testValue2, 2)

	result, exists = database.Get(testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}
	if !bytes.Equal(result, testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, result)
	}

	_, exists = database.Get("nonexistent-key")
	if exists {
		t.Errorf("Expected nonexistent key to return exists=false")
	}

	// returned values must be copies
	retrievedValue, _ := database.Get(testKey)
	retrievedValue[0] = 'X'
	result, _ = database.Get(testKey)
	if !bytes.Equal(result, testValue2) {
		t.Errorf("Stored value was modified through a returned slice: %s", result)
	}
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTxn|db.FeatureHas)

	write(t, database, "to-delete", []byte("value"), 1)
	if !database.Has("to-delete") {
		t.Fatalf("Expected key to exist before delete")
	}

	txn, _ := database.Begin(true)
	if err := txn.Delete("to-delete"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := txn.Delete("never-existed"); err != nil {
		t.Fatalf("delete of missing key: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if database.Has("to-delete") {
		t.Errorf("Expected key to be gone after delete")
	}
}

func testAbort(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTxn)

	write(t, database, "stable", []byte("v1"), 1)

	txn, _ := database.Begin(true)
	_ = txn.Set("stable", []byte("v2"))
	_ = txn.Set("new", []byte("x"))
	txn.SetWriteIdx(10)
	txn.Abort()
	txn.Abort() // second abort is a no-op

	if v, _ := database.Get("stable"); !bytes.Equal(v, []byte("v1")) {
		t.Errorf("Aborted write became visible: %s", v)
	}
	if database.Has("new") {
		t.Errorf("Aborted insert became visible")
	}
	if database.WriteIdx() != 1 {
		t.Errorf("Aborted transaction moved the write index to %d", database.WriteIdx())
	}
	if err := txn.Commit(); err == nil {
		t.Errorf("Expected commit after abort to fail")
	}
}

func testReadYourWrites(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTxn)

	write(t, database, "a", []byte("1"), 1)

	txn, _ := database.Begin(true)
	defer txn.Abort()

	_ = txn.Set("a", []byte("2"))
	_ = txn.Set("b", []byte("3"))
	_ = txn.Delete("a")
	_ = txn.Set("c", []byte("4"))

	if _, ok := txn.Get("a"); ok {
		t.Errorf("Expected staged delete to hide key a")
	}
	if v, ok := txn.Get("b"); !ok || string(v) != "3" {
		t.Errorf("Expected staged value for b, got %q", v)
	}

	// committed state is unchanged until commit
	if v, _ := database.Get("a"); string(v) != "1" {
		t.Errorf("Staged write leaked into committed state")
	}
}

func testReadOnlyTxn(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTxn)

	write(t, database, "k", []byte("v"), 1)

	txn, err := database.Begin(false)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if txn.Writable() {
		t.Errorf("Expected read-only transaction")
	}
	if err := txn.Set("k", []byte("x")); err == nil {
		t.Errorf("Expected write in read-only transaction to fail")
	}
	if v, ok := txn.Get("k"); !ok || string(v) != "v" {
		t.Errorf("Unexpected read %q", v)
	}

	// read transactions do not block writers
	done := make(chan struct{})
	go func() {
		defer close(done)
		write(t, database, "k2", []byte("v2"), 2)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Writer blocked by read transaction")
	}
	if err := txn.Commit(); err != nil {
		t.Errorf("Commit of read transaction failed: %v", err)
	}
}

func testScan(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTxn|db.FeatureScan)

	txn, _ := database.Begin(true)
	for _, k := range []string{"log/003", "log/001", "log/002", "other/1", "log"} {
		_ = txn.Set(k, []byte(k))
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var keys []string
	database.Scan("log/", func(key string, value []byte) bool {
		if key != string(value) {
			t.Errorf("Value mismatch for %s", key)
		}
		keys = append(keys, key)
		return true
	})
	if fmt.Sprint(keys) != "[log/001 log/002 log/003]" {
		t.Errorf("Unexpected scan order %v", keys)
	}

	// stop early
	count := 0
	database.Scan("", func(string, []byte) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Errorf("Expected scan to stop after 2 keys, got %d", count)
	}

	// scans inside a write transaction merge staged writes
	txn, _ = database.Begin(true)
	defer txn.Abort()
	_ = txn.Delete("log/002")
	_ = txn.Set("log/004", []byte("log/004"))
	keys = nil
	txn.Scan("log/", func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	})
	if fmt.Sprint(keys) != "[log/001 log/003 log/004]" {
		t.Errorf("Unexpected merged scan %v", keys)
	}
}

func testCommitHooks(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTxn|db.FeatureCommitHooks)

	hooks := &hookRecorder{index: 12, term: 3}

	txn, _ := database.Begin(true)
	_ = txn.Set("hooked", []byte("v"))
	txn.SetCommitHooks(hooks)
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if fmt.Sprint(hooks.calls) != "[prepare post]" {
		t.Errorf("Unexpected hook sequence %v", hooks.calls)
	}
	if hooks.postIndex != 12 || hooks.postTerm != 3 {
		t.Errorf("PostCommit got (%d, %d), want (12, 3)", hooks.postIndex, hooks.postTerm)
	}
	if !database.Has("hooked") {
		t.Errorf("Expected committed key")
	}
}

func testPrepareCommitError(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTxn|db.FeatureCommitHooks)

	sentinel := errors.New("no quorum")
	hooks := &hookRecorder{prepErr: sentinel}

	txn, _ := database.Begin(true)
	_ = txn.Set("rejected", []byte("v"))
	txn.SetCommitHooks(hooks)
	err := txn.Commit()
	if !errors.Is(err, sentinel) {
		t.Fatalf("Expected prepare error, got %v", err)
	}
	if fmt.Sprint(hooks.calls) != "[prepare]" {
		t.Errorf("Unexpected hook sequence %v", hooks.calls)
	}
	if database.Has("rejected") {
		t.Errorf("Rejected transaction became visible")
	}

	// writer lock is free again
	write(t, database, "after", []byte("v"), 1)
}

func testWriteIndex(t *testing.T, database db.KVDB) {
	defer database.Close()

	if database.WriteIdx() != 0 {
		t.Fatalf("Expected fresh database to start at index 0")
	}

	database.SetWriteIdx(5)
	database.SetWriteIdx(3)
	if database.WriteIdx() != 5 {
		t.Errorf("Write index decreased to %d", database.WriteIdx())
	}

	write(t, database, "k", []byte("v"), 9)
	if database.WriteIdx() != 9 {
		t.Errorf("Expected write index 9 after commit, got %d", database.WriteIdx())
	}

	write(t, database, "k", []byte("v"), 4)
	if database.WriteIdx() != 9 {
		t.Errorf("Stale transaction index lowered write index to %d", database.WriteIdx())
	}
}

func testExclusiveWriter(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTxn)

	first, _ := database.Begin(true)

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		second, err := database.Begin(true)
		if err != nil {
			t.Errorf("begin: %v", err)
			return
		}
		acquired.Store(true)
		second.Abort()
	}()

	time.Sleep(20 * time.Millisecond)
	if acquired.Load() {
		t.Fatalf("Second writer acquired the lock while the first was open")
	}

	first.Abort()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Second writer never acquired the lock")
	}
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	database := factory()
	defer database.Close()

	requireFeature(t, database, db.FeatureSave|db.FeatureLoad)

	txn, _ := database.Begin(true)
	for i := 0; i < 100; i++ {
		_ = txn.Set(fmt.Sprintf("key-%03d", i), []byte(fmt.Sprintf("value-%d", i)))
	}
	_ = txn.Set("empty", []byte{})
	txn.SetWriteIdx(42)
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var buf bytes.Buffer
	if err := database.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	restored := factory()
	defer restored.Close()

	write(t, restored, "stale", []byte("gone after load"), 100)

	if err := restored.Load(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%03d", i)
		v, ok := restored.Get(key)
		if !ok || string(v) != fmt.Sprintf("value-%d", i) {
			t.Errorf("Key %s not restored, got %q", key, v)
		}
	}
	if v, ok := restored.Get("empty"); !ok || len(v) != 0 {
		t.Errorf("Empty value not restored")
	}
	if restored.Has("stale") {
		t.Errorf("Load must replace the existing content")
	}
	if restored.WriteIdx() != 42 {
		t.Errorf("Expected write index 42 from snapshot, got %d", restored.WriteIdx())
	}
}

func testLoadInvalid(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureLoad)

	write(t, database, "keep", []byte("v"), 1)

	if err := database.Load(bytes.NewReader([]byte("NOTMAPLE-garbage"))); err == nil {
		t.Errorf("Expected error for invalid snapshot")
	}

	var buf bytes.Buffer
	if err := database.Save(&buf); err != nil {
		t.Fatalf("save: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-2]
	if err := database.Load(bytes.NewReader(truncated)); err == nil {
		t.Errorf("Expected error for truncated snapshot")
	}
	if !database.Has("keep") {
		t.Errorf("Failed load must not modify the database")
	}
}

func testConcurrentWriters(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureTxn)

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				txn, err := database.Begin(true)
				if err != nil {
					t.Errorf("begin: %v", err)
					return
				}
				// read-modify-write on a shared counter key
				v, _ := txn.Get("counter")
				n := 0
				if len(v) > 0 {
					_, _ = fmt.Sscanf(string(v), "%d", &n)
				}
				_ = txn.Set("counter", []byte(fmt.Sprintf("%d", n+1)))
				_ = txn.Set(fmt.Sprintf("w%d-%d", w, i), []byte("x"))
				if err := txn.Commit(); err != nil {
					t.Errorf("commit: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	v, _ := database.Get("counter")
	if string(v) != fmt.Sprintf("%d", writers*perWriter) {
		t.Errorf("Lost update: counter is %s, want %d", v, writers*perWriter)
	}
}
