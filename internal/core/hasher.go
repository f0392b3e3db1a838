package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "HedgeVault:genesis:v1"

// HashChain links every committed command to the one before it:
//
//	hash[N] = SHA-256(hash[N-1] || N as 8 bytes LE || digest[N])
//
// digest[N] is the canonical vault summary after command N.
type HashChain struct {
	tip [32]byte
}

func NewHashChain() *HashChain {
	return &HashChain{tip: sha256.Sum256([]byte(GenesisHashSeed))}
}

func link(prev [32]byte, sequence int64, digest []byte) [32]byte {
	h := sha256.New()
	h.Write(prev[:])
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(sequence))
	h.Write(seq[:])
	h.Write(digest)

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Append extends the chain and returns the new tip.
func (c *HashChain) Append(sequence int64, digest []byte) [32]byte {
	c.tip = link(c.tip, sequence, digest)
	return c.tip
}

// Verify extends the chain only if the result equals want. It returns the
// computed hash either way.
func (c *HashChain) Verify(sequence int64, digest []byte, want [32]byte) ([32]byte, bool) {
	got := link(c.tip, sequence, digest)
	if got != want {
		return got, false
	}
	c.tip = got
	return got, true
}

func (c *HashChain) Tip() [32]byte {
	return c.tip
}

// Reset moves the tip, used when restoring from a snapshot.
func (c *HashChain) Reset(tip [32]byte) {
	c.tip = tip
}
