package types

import (
	"errors"
	"fmt"

	"github.com/hybridchain/hybridchain/crypto"
	tmbytes "github.com/hybridchain/hybridchain/libs/bytes"
)

// Attestation is a validator's signed claim that Hash is canonical up to
// Number.
type Attestation struct {
	Checkpoint Checkpoint       `json:"checkpoint" cbor:"1,keyasint"`
	PubKey     tmbytes.HexBytes `json:"pub_key" cbor:"2,keyasint"`
	Signature  tmbytes.HexBytes `json:"signature" cbor:"3,keyasint"`
}

// AttestationSignBytes is the message a validator signs for cp.
func AttestationSignBytes(cp Checkpoint) []byte {
	return crypto.Checksum(MustMarshal(cp))
}

// NewAttestation signs cp with key.
func NewAttestation(cp Checkpoint, key crypto.PrivKey) (Attestation, error) {
	sig, err := key.Sign(AttestationSignBytes(cp))
	if err != nil {
		return Attestation{}, err
	}
	return Attestation{
		Checkpoint: Checkpoint{Number: cp.Number, Hash: cp.Hash.Copy()},
		PubKey:     key.PubKey().Bytes(),
		Signature:  sig,
	}, nil
}

// Validator returns the identity of the attester.
func (a Attestation) Validator() crypto.Address {
	return crypto.AddressHash(a.PubKey)
}

// Verify checks the signature with decode.
func (a Attestation) Verify(decode crypto.PubKeyDecoder) error {
	if a.Checkpoint.Number < 0 {
		return errors.New("negative attestation height")
	}
	if len(a.Checkpoint.Hash) != crypto.HashSize {
		return fmt.Errorf("expected hash size %d, got %d", crypto.HashSize, len(a.Checkpoint.Hash))
	}
	pk, err := decode(a.PubKey)
	if err != nil {
		return fmt.Errorf("decoding attester key: %w", err)
	}
	if !pk.VerifySignature(AttestationSignBytes(a.Checkpoint), a.Signature) {
		return errors.New("invalid attestation signature")
	}
	return nil
}
