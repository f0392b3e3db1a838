package core

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type stubDB struct {
	seen map[string]bool
	err  error
}

func (s *stubDB) IsDuplicate(commandType, key string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.seen[commandType+":"+key], nil
}

func TestIdempotencyLRU_EvictsOldest(t *testing.T) {
	lru := NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Add("c")

	assert.False(t, lru.Contains("a"))
	assert.Equal(t, []string{"b", "c"}, lru.Keys(0))
	assert.Equal(t, int64(1), lru.Evictions())

	// touching b makes c the oldest
	assert.True(t, lru.Contains("b"))
	assert.Equal(t, []string{"c", "b"}, lru.Keys(0))
	assert.Equal(t, []string{"b"}, lru.Keys(1))
}

func TestIdempotencyLRU_WarmKeepsOrder(t *testing.T) {
	src := NewIdempotencyLRU(10)
	for _, k := range []string{"x", "y", "z"} {
		src.Add(k)
	}

	dst := NewIdempotencyLRU(2)
	dst.WarmFromKeys(src.Keys(0))
	assert.Equal(t, []string{"y", "z"}, dst.Keys(0))
}

func TestIdempotencyChecker_FallsBackToDB(t *testing.T) {
	db := &stubDB{seen: map[string]bool{"Deposit:k1": true}}
	ic := NewIdempotencyChecker(10, db, nil, zerolog.Nop())

	assert.True(t, ic.IsDuplicate("Deposit", "k1"))
	assert.True(t, ic.lru.Contains("Deposit:k1"), "tier-2 hits are cached")
	assert.False(t, ic.IsDuplicate("Deposit", "k2"))

	ic.MarkProcessed("Deposit", "k2")
	assert.True(t, ic.IsDuplicate("Deposit", "k2"))
	assert.False(t, ic.IsDuplicate("Redeem", "k2"), "keys are scoped by command type")
}

func TestIdempotencyChecker_DBErrorIsNotDuplicate(t *testing.T) {
	ic := NewIdempotencyChecker(10, &stubDB{err: errors.New("conn refused")}, nil, zerolog.Nop())
	assert.False(t, ic.IsDuplicate("Deposit", "k1"))
}

func TestHashChain_LinksDeterministically(t *testing.T) {
	a, b := NewHashChain(), NewHashChain()
	assert.Equal(t, a.Tip(), b.Tip())

	h1 := a.Append(1, []byte("digest"))
	assert.Equal(t, h1, b.Append(1, []byte("digest")))
	assert.Equal(t, h1, a.Tip())

	assert.NotEqual(t, a.Append(2, []byte("x")), b.Append(2, []byte("y")))
}

func TestHashChain_VerifyOnlyAdvancesOnMatch(t *testing.T) {
	live, replay := NewHashChain(), NewHashChain()
	want := live.Append(1, []byte("summary"))

	got, ok := replay.Verify(1, []byte("other"), want)
	assert.False(t, ok)
	assert.NotEqual(t, want, got)
	assert.Equal(t, NewHashChain().Tip(), replay.Tip())

	got, ok = replay.Verify(1, []byte("summary"), want)
	assert.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, want, replay.Tip())
}
