package util

import (
	"fmt"
	"testing"
)

func TestHasherIsDeterministic(t *testing.T) {
	h := NewHasher()
	if h.Sum("entry/cn=alice") != h.Sum("entry/cn=alice") {
		t.Fatal("same key hashed to different values")
	}
	if h.Sum("entry/cn=alice") == h.Sum("entry/cn=alicf") {
		t.Error("keys differing in the last byte collide")
	}
}

func TestShardRange(t *testing.T) {
	h := NewHasher()
	for _, n := range []int{0, 1, 3, 16} {
		for i := 0; i < 100; i++ {
			s := h.Shard(fmt.Sprintf("usn/%020d", i), n)
			if s < 0 || (n > 1 && s >= n) || (n <= 1 && s != 0) {
				t.Fatalf("shard %d out of range for n=%d", s, n)
			}
		}
	}
}

// TestShardSpread checks that keys with a long common prefix use every shard
func TestShardSpread(t *testing.T) {
	h := NewHasher()
	const n = 8
	var counts [n]int
	for i := 0; i < 8000; i++ {
		counts[h.Shard(fmt.Sprintf("raftlog/%020d", i), n)]++
	}
	for i, c := range counts {
		if c < 500 {
			t.Errorf("shard %d got %d of 8000 keys", i, c)
		}
	}
}
