package ed25519_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybridchain/hybridchain/crypto"
	"github.com/hybridchain/hybridchain/crypto/ed25519"
)

func TestSignAndValidateEd25519(t *testing.T) {
	privKey := ed25519.GenPrivKey()
	pubKey := privKey.PubKey()

	msg := crypto.Checksum([]byte("header"))
	sig, err := privKey.Sign(msg)
	require.NoError(t, err)

	assert.True(t, pubKey.VerifySignature(msg, sig))

	// Mutate the signature, just one bit.
	sig[7] ^= byte(0x01)

	assert.False(t, pubKey.VerifySignature(msg, sig))
}

func TestGenPrivKeyFromSecretIsDeterministic(t *testing.T) {
	a := ed25519.GenPrivKeyFromSecret([]byte("validator-a"))
	b := ed25519.GenPrivKeyFromSecret([]byte("validator-a"))
	c := ed25519.GenPrivKeyFromSecret([]byte("validator-c"))

	require.True(t, a.Equals(b))
	require.False(t, a.Equals(c))
	require.Equal(t, a.PubKey().Address(), b.PubKey().Address())
	require.Len(t, a.PubKey().Address(), crypto.AddressSize)
}

func TestPubKeyFromBytes(t *testing.T) {
	priv := ed25519.GenPrivKey()
	pk, err := ed25519.PubKeyFromBytes(priv.PubKey().Bytes())
	require.NoError(t, err)
	require.True(t, pk.Equals(priv.PubKey()))

	_, err = ed25519.PubKeyFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestVerifyRejectsWrongSize(t *testing.T) {
	priv := ed25519.GenPrivKey()
	require.False(t, priv.PubKey().VerifySignature([]byte("m"), []byte("short")))
}
