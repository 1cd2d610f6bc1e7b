package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridchain/hybridchain/crypto"
	"github.com/hybridchain/hybridchain/crypto/ed25519"
)

func TestRegistryOpVerify(t *testing.T) {
	authority := ed25519.GenPrivKeyFromSecret([]byte("authority"))
	cand := ed25519.GenPrivKeyFromSecret([]byte("cand")).PubKey()

	op := NewRegisterOp(cand, 5)
	assert.Error(t, op.Verify(authority.PubKey()), "unsigned")

	require.NoError(t, op.Sign(authority))
	require.NoError(t, op.Verify(authority.PubKey()))
	assert.Equal(t, cand.Address(), op.CandidateAddress())

	mallory := ed25519.GenPrivKeyFromSecret([]byte("mallory"))
	assert.Error(t, op.Verify(mallory.PubKey()))
	assert.Error(t, op.Verify(nil))

	// the signature covers the weight
	tampered := op.Copy()
	tampered.Weight = 500
	assert.Error(t, tampered.Verify(authority.PubKey()))

	vote := NewVoteOp(crypto.AddressHash([]byte("voter")), cand.Address(), 0)
	require.NoError(t, vote.Sign(authority))
	assert.Error(t, vote.Verify(authority.PubKey()), "zero weight")
}

func TestHeaderHashCoversRegistry(t *testing.T) {
	authority := ed25519.GenPrivKeyFromSecret([]byte("authority"))
	h := makeTestHeader(t)
	before := h.Hash()

	op := NewUnregisterOp(ed25519.GenPrivKeyFromSecret([]byte("cand")).PubKey())
	require.NoError(t, op.Sign(authority))
	h.Registry = []RegistryOp{op}
	require.NoError(t, h.ValidateBasic())
	withOp := h.Hash()
	assert.NotEqual(t, before, withOp)

	c := h.Copy()
	require.Equal(t, h, c)
	c.Registry[0].Signature[0] ^= 0xff
	assert.NotEqual(t, h.Registry[0].Signature, c.Registry[0].Signature)

	bz, err := Marshal(h)
	require.NoError(t, err)
	var decoded Header
	require.NoError(t, Unmarshal(bz, &decoded))
	assert.Equal(t, withOp, decoded.Hash())

	h.Registry[0].Signature = nil
	assert.Error(t, h.ValidateBasic())
}
