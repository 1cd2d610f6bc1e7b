package election

import (
	"crypto/sha256"
	"encoding/binary"
)

// Rand is a deterministic random source derived from a hash. Every node
// holding the same seed derives the same sequence.
type Rand [sha256.Size]byte

// NewRand seeds a Rand from arbitrary bytes.
func NewRand(seed []byte) Rand {
	return Rand(sha256.Sum256(seed))
}

// Derive returns the next Rand in the sequence, mixed with msg.
func (r Rand) Derive(msg []byte) Rand {
	buf := make([]byte, 0, len(r)+len(msg))
	buf = append(buf, r[:]...)
	buf = append(buf, msg...)
	return Rand(sha256.Sum256(buf))
}

// Mod returns a value in [0, n).
func (r Rand) Mod(n int) int {
	return int(binary.BigEndian.Uint64(r[:8]) % uint64(n))
}

// Perm returns a pseudo-random permutation of [0, n) using Fisher-Yates.
func (r Rand) Perm(n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	cur := r
	for i := n - 1; i > 0; i-- {
		cur = cur.Derive(nil)
		j := cur.Mod(i + 1)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}
