package testing

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/ValentinKolb/dDir/lib/db"
)

// RunKVDBBenchmarks runs all benchmarks for a key-value database implementations
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {

	b.Run("Commit", func(b *testing.B) {
		benchmarkCommit(b, factory())
	})

	b.Run("CommitBatch", func(b *testing.B) {
		benchmarkCommitBatch(b, factory())
	})

	b.Run("Get", func(b *testing.B) {
		benchmarkGet(b, factory())
	})

	b.Run("Scan", func(b *testing.B) {
		benchmarkScan(b, factory())
	})

	b.Run("SaveLoad", func(b *testing.B) {
		benchmarkSaveLoad(b, factory)
	})
}

func benchmarkCommit(b *testing.B, database db.KVDB) {
	defer database.Close()
	value := []byte("benchmark-value")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		txn, _ := database.Begin(true)
		_ = txn.Set(fmt.Sprintf("key-%d", i), value)
		txn.SetWriteIdx(uint64(i + 1))
		_ = txn.Commit()
	}
}

func benchmarkCommitBatch(b *testing.B, database db.KVDB) {
	defer database.Close()
	value := []byte("benchmark-value")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		txn, _ := database.Begin(true)
		for j := 0; j < 16; j++ {
			_ = txn.Set(fmt.Sprintf("key-%d-%d", i, j), value)
		}
		_ = txn.Commit()
	}
}

func benchmarkGet(b *testing.B, database db.KVDB) {
	defer database.Close()

	const numKeys = 10000
	txn, _ := database.Begin(true)
	for i := 0; i < numKeys; i++ {
		_ = txn.Set(fmt.Sprintf("key-%d", i), []byte("value"))
	}
	_ = txn.Commit()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			database.Get(fmt.Sprintf("key-%d", r.Intn(numKeys)))
		}
	})
}

func benchmarkScan(b *testing.B, database db.KVDB) {
	defer database.Close()

	txn, _ := database.Begin(true)
	for i := 0; i < 1000; i++ {
		_ = txn.Set(fmt.Sprintf("log/%020d", i), []byte("entry"))
		_ = txn.Set(fmt.Sprintf("entry/%d", i), []byte("entry"))
	}
	_ = txn.Commit()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		database.Scan("log/", func(string, []byte) bool { return true })
	}
}

func benchmarkSaveLoad(b *testing.B, factory DBFactory) {
	database := factory()
	defer database.Close()

	txn, _ := database.Begin(true)
	for i := 0; i < 10000; i++ {
		_ = txn.Set(fmt.Sprintf("key-%d", i), bytes.Repeat([]byte("v"), 64))
	}
	_ = txn.Commit()

	var buf bytes.Buffer
	b.Run("Save", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf.Reset()
			_ = database.Save(&buf)
		}
	})

	b.Run("Load", func(b *testing.B) {
		target := factory()
		defer target.Close()
		for i := 0; i < b.N; i++ {
			_ = target.Load(bytes.NewReader(buf.Bytes()))
		}
	})
}
