package finality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/hybridchain/hybridchain/crypto"
	"github.com/hybridchain/hybridchain/crypto/ed25519"
	"github.com/hybridchain/hybridchain/internal/store"
	"github.com/hybridchain/hybridchain/libs/log"
	tmmath "github.com/hybridchain/hybridchain/libs/math"
	"github.com/hybridchain/hybridchain/types"
)

type fixedQuorum struct {
	vals *types.ValidatorSet
	rate tmmath.Fraction
}

func (q fixedQuorum) GetValidators(*types.Header) (*types.ValidatorSet, error) {
	return q.vals, nil
}

func (q fixedQuorum) AgreementReached(n, k int) bool {
	return n > 0 && q.rate.Reached(int64(n), int64(k))
}

type env struct {
	tracker *Tracker
	keys    map[string]crypto.PrivKey
	chain   []*types.Header // chain[i] is at height i
}

func newEnv(t *testing.T) *env {
	t.Helper()
	keys := map[string]crypto.PrivKey{}
	var vals []types.Validator
	for _, name := range []string{"A", "B", "C"} {
		k := ed25519.GenPrivKeyFromSecret([]byte(name))
		keys[name] = k
		vals = append(vals, types.NewValidator(k.PubKey()))
	}
	set, err := types.NewValidatorSet(vals)
	require.NoError(t, err)

	headers, err := store.NewHeaderStore(dbm.NewMemDB(), 16, log.TestingLogger())
	require.NoError(t, err)
	chain := []*types.Header{{Number: 0, Timestamp: 100}}
	require.NoError(t, headers.CreateGenesis(chain[0]))
	for i := 1; i <= 12; i++ {
		h := &types.Header{
			Number:    int64(i),
			PrevHash:  chain[i-1].Hash(),
			Timestamp: chain[i-1].Timestamp + 1,
			Producer:  vals[i%3].Address,
		}
		require.NoError(t, headers.SaveHeader(h))
		chain = append(chain, h)
	}

	quorum := fixedQuorum{vals: set, rate: tmmath.Fraction{Numerator: 2, Denominator: 3}}
	return &env{
		tracker: NewTracker(quorum, headers, ed25519.PubKeyFromBytes, log.TestingLogger()),
		keys:    keys,
		chain:   chain,
	}
}

func (e *env) attest(t *testing.T, name string, height int) types.Attestation {
	t.Helper()
	a, err := types.NewAttestation(e.chain[height].Checkpoint(), e.keys[name])
	require.NoError(t, err)
	return a
}

func (e *env) add(t *testing.T, name string, height int) bool {
	t.Helper()
	kept, err := e.tracker.Add(e.attest(t, name, height))
	require.NoError(t, err)
	return kept
}

func TestTwoOfThreeFinalize(t *testing.T) {
	e := newEnv(t)

	assert.True(t, e.add(t, "A", 10))
	_, err := e.tracker.Recompute()
	assert.ErrorIs(t, err, types.ErrNotEnough)
	assert.True(t, e.tracker.Irreversible().IsZero())

	assert.True(t, e.add(t, "B", 10))
	cp, err := e.tracker.Recompute()
	require.NoError(t, err)
	assert.Equal(t, e.chain[10].Checkpoint(), cp)
	assert.Equal(t, cp, e.tracker.Irreversible())
}

func TestRecomputeNoAttestations(t *testing.T) {
	e := newEnv(t)
	_, err := e.tracker.Recompute()
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestAddUnknownHeader(t *testing.T) {
	e := newEnv(t)
	cp := types.Checkpoint{Number: 50, Hash: crypto.Checksum([]byte("nowhere"))}
	a, err := types.NewAttestation(cp, e.keys["A"])
	require.NoError(t, err)
	_, err = e.tracker.Add(a)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Empty(t, e.tracker.Attestations())

	// right hash, wrong height
	a, err = types.NewAttestation(types.Checkpoint{Number: 4, Hash: e.chain[3].Hash()}, e.keys["A"])
	require.NoError(t, err)
	_, err = e.tracker.Add(a)
	assert.ErrorIs(t, err, types.ErrInvalidParam)
}

func TestHigherAttestationSupersedes(t *testing.T) {
	e := newEnv(t)

	assert.True(t, e.add(t, "A", 5))
	assert.True(t, e.add(t, "A", 8))
	assert.False(t, e.add(t, "A", 6), "older attestation is discarded")
	assert.False(t, e.add(t, "A", 8), "same height is not newer")

	atts := e.tracker.Attestations()
	require.Len(t, atts, 1)
	assert.EqualValues(t, 8, atts[0].Checkpoint.Number)
}

func TestIrreversibleNeverDecreases(t *testing.T) {
	e := newEnv(t)

	e.add(t, "A", 10)
	e.add(t, "B", 10)
	_, err := e.tracker.Recompute()
	require.NoError(t, err)

	// a later quorum on a lower height, e.g. from a restarted validator set
	e2 := newEnv(t)
	e2.tracker.irreversible = e.tracker.Irreversible()
	e2.add(t, "A", 7)
	e2.add(t, "C", 7)
	cp, err := e2.tracker.Recompute()
	require.NoError(t, err)
	assert.EqualValues(t, 10, cp.Number)

	e.add(t, "A", 12)
	e.add(t, "B", 12)
	cp, err = e.tracker.Recompute()
	require.NoError(t, err)
	assert.EqualValues(t, 12, cp.Number)
}

func TestAddRejectsBadSignature(t *testing.T) {
	e := newEnv(t)
	a := e.attest(t, "A", 3)
	a.Checkpoint.Number = 4

	_, err := e.tracker.Add(a)
	assert.ErrorIs(t, err, types.ErrInvalidParam)
	assert.Empty(t, e.tracker.Attestations())
}

func TestStrangersDoNotCount(t *testing.T) {
	e := newEnv(t)
	e.add(t, "A", 10)
	a, err := types.NewAttestation(e.chain[10].Checkpoint(), ed25519.GenPrivKeyFromSecret([]byte("D")))
	require.NoError(t, err)
	_, err = e.tracker.Add(a)
	assert.ErrorIs(t, err, types.ErrInvalidParam)
	assert.Len(t, e.tracker.Attestations(), 1)

	_, err = e.tracker.Recompute()
	assert.ErrorIs(t, err, types.ErrNotEnough)
}

// Non-validators piling onto another hash must not hide a validator quorum.
func TestStrangersCannotOutvoteQuorum(t *testing.T) {
	e := newEnv(t)
	e.add(t, "A", 10)
	e.add(t, "B", 10)

	for _, name := range []string{"X", "Y", "Z"} {
		a, err := types.NewAttestation(e.chain[12].Checkpoint(), ed25519.GenPrivKeyFromSecret([]byte(name)))
		require.NoError(t, err)
		_, err = e.tracker.Add(a)
		require.ErrorIs(t, err, types.ErrInvalidParam)

		// even when they are already stored
		e.tracker.attestations[string(a.Validator())] = a
	}
	bogus, err := types.NewAttestation(
		types.Checkpoint{Number: 1000, Hash: crypto.Checksum([]byte("bogus"))},
		ed25519.GenPrivKeyFromSecret([]byte("W")),
	)
	require.NoError(t, err)
	e.tracker.attestations[string(bogus.Validator())] = bogus

	cp, err := e.tracker.Recompute()
	require.NoError(t, err)
	assert.Equal(t, e.chain[10].Checkpoint(), cp)
}

func TestBroadcastGate(t *testing.T) {
	e := newEnv(t)
	assert.True(t, e.tracker.ShouldBroadcast(0))
	e.tracker.MarkBroadcast(5)
	assert.False(t, e.tracker.ShouldBroadcast(5))
	assert.True(t, e.tracker.ShouldBroadcast(6))
	e.tracker.MarkBroadcast(3)
	assert.False(t, e.tracker.ShouldBroadcast(5))
}

func TestCombine(t *testing.T) {
	hash := func(s string) []byte { return crypto.Checksum([]byte(s)) }
	dpos := types.Checkpoint{Number: 7, Hash: hash("dpos")}

	assert.Equal(t, dpos, Combine(dpos, types.Checkpoint{}))
	assert.Equal(t, dpos, Combine(dpos, types.Checkpoint{Number: 6, Hash: hash("bft")}))

	tie := types.Checkpoint{Number: 7, Hash: hash("bft")}
	assert.Equal(t, tie, Combine(dpos, tie))

	higher := types.Checkpoint{Number: 9, Hash: hash("bft")}
	assert.Equal(t, higher, Combine(dpos, higher))
}
