package crypto

import (
	"crypto/sha256"

	"github.com/hybridchain/hybridchain/libs/bytes"
)

const (
	// HashSize is the size in bytes of a header or attestation digest.
	HashSize = sha256.Size

	// AddressSize is the size of a pubkey address.
	AddressSize = 20
)

// An address is a []byte, but hex-encoded even in JSON.
// []byte leaves us the option to change the address length.
// Use an alias so Unmarshal methods (with ptr receivers) are available too.
type Address = bytes.HexBytes

// AddressHash computes a truncated SHA-256 hash of bz. It is how a producer
// or validator identity is derived from its public key.
func AddressHash(bz []byte) Address {
	h := sha256.Sum256(bz)
	return Address(h[:AddressSize])
}

// Checksum returns the SHA256 of the bz.
func Checksum(bz []byte) []byte {
	h := sha256.Sum256(bz)
	return h[:]
}

// PubKey verifies signatures over header and attestation hashes.
type PubKey interface {
	Address() Address
	Bytes() []byte
	VerifySignature(msg []byte, sig []byte) bool
	Equals(PubKey) bool
	Type() string
}

// PrivKey signs header and attestation hashes.
type PrivKey interface {
	Bytes() []byte
	Sign(msg []byte) ([]byte, error)
	PubKey() PubKey
	Equals(PrivKey) bool
	Type() string
}

// PubKeyDecoder turns the raw public key bytes embedded in headers and
// attestations back into a PubKey.
type PubKeyDecoder func(bz []byte) (PubKey, error)
