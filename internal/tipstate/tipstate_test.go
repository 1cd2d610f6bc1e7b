package tipstate

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/hybridchain/hybridchain/crypto"
	"github.com/hybridchain/hybridchain/crypto/ed25519"
	"github.com/hybridchain/hybridchain/types"
)

func makeValidators(t require.TestingT, n int) *types.ValidatorSet {
	vals := make([]types.Validator, n)
	for i := range vals {
		vals[i] = types.NewValidator(ed25519.GenPrivKeyFromSecret([]byte(fmt.Sprintf("v%d", i))).PubKey())
	}
	set, err := types.NewValidatorSet(vals)
	require.NoError(t, err)
	return set
}

func nextHeader(parent *types.Header, producer crypto.Address, salt string) *types.Header {
	return &types.Header{
		Number:    parent.Number + 1,
		PrevHash:  parent.Hash(),
		Timestamp: parent.Timestamp + 1,
		Producer:  producer,
		StateHash: crypto.Checksum([]byte(salt)),
	}
}

var genesisHeader = &types.Header{Number: 0, Timestamp: 1000}

func TestAdvanceRejectsUnlinkedHeader(t *testing.T) {
	vals := makeValidators(t, 3)
	st := Seed(genesisHeader)

	h := nextHeader(genesisHeader, vals.GetByIndex(0).Address, "a")
	skip := nextHeader(h, vals.GetByIndex(1).Address, "a")
	assert.ErrorIs(t, st.Advance(skip, vals), types.ErrInvalidParam)

	other := nextHeader(&types.Header{Number: 0, Timestamp: 5}, vals.GetByIndex(0).Address, "a")
	assert.ErrorIs(t, st.Advance(other, vals), types.ErrInvalidParam)

	empty, err := types.NewValidatorSet(nil)
	require.NoError(t, err)
	assert.ErrorIs(t, st.Advance(h, empty), types.ErrNotEnough)

	require.NoError(t, st.Advance(h, vals))
	assert.EqualValues(t, 1, st.Number())
}

func TestAdvanceSingleProducerIsImmediatelyIrreversible(t *testing.T) {
	vals := makeValidators(t, 1)
	st := Seed(genesisHeader)
	parent := genesisHeader
	for i := 1; i <= 5; i++ {
		h := nextHeader(parent, vals.GetByIndex(0).Address, "solo")
		require.NoError(t, st.Advance(h, vals))
		assert.Equal(t, h.Checkpoint(), st.Confirmed)
		assert.Equal(t, h.Checkpoint(), st.Irreversible)
		assert.Zero(t, st.Pending())
		parent = h
	}
}

func TestAdvanceRotatingProducers(t *testing.T) {
	vals := makeValidators(t, 3)
	st := Seed(genesisHeader)
	chain := []*types.Header{genesisHeader}
	for i := 1; i <= 9; i++ {
		h := nextHeader(chain[i-1], vals.GetByIndex(i%3).Address, "rot")
		require.NoError(t, st.Advance(h, vals))
		chain = append(chain, h)

		want := i - 3
		if want < 0 {
			want = 0
		}
		assert.Equal(t, chain[want].Checkpoint(), st.Confirmed, "after height %d", i)
		assert.EqualValues(t, i, st.LastProduced[string(h.Producer)])
	}
}

func TestAdvanceStalledProducers(t *testing.T) {
	// one producer of three keeps going alone: nothing becomes irreversible
	vals := makeValidators(t, 3)
	st := Seed(genesisHeader)
	parent := genesisHeader
	for i := 1; i <= 10; i++ {
		h := nextHeader(parent, vals.GetByIndex(0).Address, "alone")
		require.NoError(t, st.Advance(h, vals))
		parent = h
	}
	assert.EqualValues(t, 0, st.Confirmed.Number)
	assert.Equal(t, 10, st.Pending())
}

func TestCloneIsDeep(t *testing.T) {
	vals := makeValidators(t, 3)
	st := Seed(genesisHeader)
	h := nextHeader(genesisHeader, vals.GetByIndex(0).Address, "c")
	require.NoError(t, st.Advance(h, vals))

	c := st.Clone()
	c.LastProduced["x"] = 99
	c.Tip.Number = 42
	c.Irreversible.Hash[0] ^= 0xff
	c.window[0].Remaining = 7

	assert.NotContains(t, st.LastProduced, "x")
	assert.EqualValues(t, 1, st.Tip.Number)
	assert.Equal(t, genesisHeader.Hash(), st.Irreversible.Hash)
	assert.NotEqual(t, 7, st.window[0].Remaining)
}

func TestIrreversibilityNeverDecreases(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 7).Draw(t, "n").(int)
		vals := makeValidators(t, n)
		length := rapid.IntRange(1, 60).Draw(t, "length").(int)

		st := Seed(genesisHeader)
		chain := map[int64]*types.Header{0: genesisHeader}
		parent := genesisHeader
		prev := st.Irreversible.Number
		for i := 0; i < length; i++ {
			p := rapid.IntRange(0, n-1).Draw(t, fmt.Sprintf("producer%d", i)).(int)
			h := nextHeader(parent, vals.GetByIndex(p).Address, "prop")
			if err := st.Advance(h, vals); err != nil {
				t.Fatalf("advance: %v", err)
			}
			chain[h.Number] = h
			parent = h

			if st.Irreversible.Number < prev {
				t.Fatalf("irreversible went from %d to %d", prev, st.Irreversible.Number)
			}
			if st.Irreversible.Number > st.Tip.Number {
				t.Fatalf("irreversible %d above tip %d", st.Irreversible.Number, st.Tip.Number)
			}
			if got, want := st.Irreversible.Hash, chain[st.Irreversible.Number].Hash(); !got.Equal(want) {
				t.Fatalf("irreversible hash %v is not the header at %d", got, st.Irreversible.Number)
			}
			prev = st.Irreversible.Number
		}
	})
}

func TestForkChoiceOrder(t *testing.T) {
	fc := ForkChoice{TimeIndex: func(ts int64) int64 { return ts / 3 }}
	state := func(irr, number, ts int64) *TipState {
		return &TipState{
			Tip:          &types.Header{Number: number, Timestamp: ts},
			Irreversible: types.Checkpoint{Number: irr},
		}
	}

	testCases := []struct {
		name string
		a, b *TipState
		want int
	}{
		{"irreversible first", state(5, 10, 30), state(4, 20, 60), 1},
		{"then length", state(5, 11, 30), state(5, 10, 60), 1},
		{"then slot", state(5, 10, 33), state(5, 10, 30), 1},
		{"same slot ties", state(5, 10, 31), state(5, 10, 32), 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, fc.Compare(tc.a, tc.b))
			assert.Equal(t, -tc.want, fc.Compare(tc.b, tc.a))
		})
	}
	assert.False(t, fc.Prefer(state(5, 10, 31), state(5, 10, 32)), "a tie keeps the best")
}

func TestForkChoiceIsAntisymmetric(t *testing.T) {
	fc := ForkChoice{TimeIndex: func(ts int64) int64 { return (ts + 2) / 3 }}
	gen := func(t *rapid.T, label string) *TipState {
		return &TipState{
			Tip: &types.Header{
				Number:    rapid.Int64Range(0, 20).Draw(t, label+"number").(int64),
				Timestamp: rapid.Int64Range(0, 60).Draw(t, label+"ts").(int64),
			},
			Irreversible: types.Checkpoint{Number: rapid.Int64Range(0, 20).Draw(t, label+"irr").(int64)},
		}
	}
	rapid.Check(t, func(t *rapid.T) {
		a, b := gen(t, "a"), gen(t, "b")
		if fc.Compare(a, b) != -fc.Compare(b, a) {
			t.Fatalf("Compare is not antisymmetric for %v and %v", a.Tip, b.Tip)
		}
		if fc.Prefer(a, b) && fc.Prefer(b, a) {
			t.Fatalf("both tips preferred")
		}
	})
}
