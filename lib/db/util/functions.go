package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// Hasher maps keys to shards with a seeded FNV-1a hash
type Hasher struct {
	seed uint64
}

// NewHasher returns a Hasher with a random seed
func NewHasher() Hasher {
	return Hasher{seed: GenerateSeed()}
}

// GenerateSeed returns a random seed, falling back to the clock if
// crypto/rand fails
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// Sum returns the hash of key
func (h Hasher) Sum(key string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64) ^ h.seed
	for i := 0; i < len(key); i++ {
		hash ^= uint64(key[i])
		hash *= prime64
	}
	return mix(hash)
}

// Shard returns the shard index of key in [0, n)
func (h Hasher) Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(h.Sum(key) % uint64(n))
}

// mix is the murmur3 finalizer. Directory keys share long prefixes
// (entry/, usn/, raftlog/) and differ in their last bytes, FNV alone leaves
// those differences in the low bits.
func mix(k uint64) uint64 {
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	k *= 0xc4ceb9fe1a85ec53
	k ^= k >> 33
	return k
}
