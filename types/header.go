package types

import (
	"errors"
	"fmt"

	"github.com/hybridchain/hybridchain/crypto"
	tmbytes "github.com/hybridchain/hybridchain/libs/bytes"
)

// HeaderStatus is the verification tri-state attached to a stored header.
type HeaderStatus uint8

const (
	StatusNotVerified HeaderStatus = iota
	StatusVerified
	StatusInvalid
)

func (s HeaderStatus) String() string {
	switch s {
	case StatusNotVerified:
		return "not-verified"
	case StatusVerified:
		return "verified"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("HeaderStatus(%d)", uint8(s))
	}
}

// BlockSignature is one (public key, signature) pair attesting agreement on a
// header. The signer identity is the address of PubKey.
type BlockSignature struct {
	PubKey    tmbytes.HexBytes `json:"pub_key" cbor:"1,keyasint"`
	Signature tmbytes.HexBytes `json:"signature" cbor:"2,keyasint"`
}

// Header is the consensus-relevant part of a block. It is immutable once
// hashed: Signatures are excluded from the hash so they can be collected
// after the header is minted.
type Header struct {
	Number    int64            `json:"number" cbor:"1,keyasint"`
	PrevHash  tmbytes.HexBytes `json:"prev_hash" cbor:"2,keyasint"`
	Timestamp int64            `json:"timestamp" cbor:"3,keyasint"` // unix seconds
	Producer  crypto.Address   `json:"producer" cbor:"4,keyasint"`
	View      int32            `json:"view" cbor:"5,keyasint"`
	StateHash tmbytes.HexBytes `json:"state_hash" cbor:"6,keyasint"`
	// Registry carries candidate pool changes, applied when the epoch closes.
	Registry []RegistryOp `json:"registry,omitempty" cbor:"8,keyasint,omitempty"`

	Signatures []BlockSignature `json:"signatures,omitempty" cbor:"7,keyasint,omitempty"`
}

// hashedHeader is the pre-signature view of a header.
type hashedHeader struct {
	Number    int64            `cbor:"1,keyasint"`
	PrevHash  tmbytes.HexBytes `cbor:"2,keyasint"`
	Timestamp int64            `cbor:"3,keyasint"`
	Producer  crypto.Address   `cbor:"4,keyasint"`
	View      int32            `cbor:"5,keyasint"`
	StateHash tmbytes.HexBytes `cbor:"6,keyasint"`
	Registry  []RegistryOp     `cbor:"7,keyasint,omitempty"`
}

// Hash returns the content digest of the header, excluding Signatures. It is
// also the message every BlockSignature signs.
func (h *Header) Hash() tmbytes.HexBytes {
	if h == nil {
		return nil
	}
	bz := MustMarshal(hashedHeader{
		Number:    h.Number,
		PrevHash:  h.PrevHash,
		Timestamp: h.Timestamp,
		Producer:  h.Producer,
		View:      h.View,
		StateHash: h.StateHash,
		Registry:  h.Registry,
	})
	return crypto.Checksum(bz)
}

// Checkpoint returns the (number, hash) pair identifying h.
func (h *Header) Checkpoint() Checkpoint {
	return Checkpoint{Number: h.Number, Hash: h.Hash()}
}

// Sign appends a signature by key over the header hash.
func (h *Header) Sign(key crypto.PrivKey) error {
	sig, err := key.Sign(h.Hash())
	if err != nil {
		return err
	}
	h.Signatures = append(h.Signatures, BlockSignature{
		PubKey:    key.PubKey().Bytes(),
		Signature: sig,
	})
	return nil
}

// ValidateBasic performs stateless checks.
func (h *Header) ValidateBasic() error {
	if h == nil {
		return errors.New("nil header")
	}
	if h.Number < 0 {
		return errors.New("negative number")
	}
	if h.Number > 0 {
		if len(h.PrevHash) != crypto.HashSize {
			return fmt.Errorf("expected prev hash size %d, got %d", crypto.HashSize, len(h.PrevHash))
		}
		if len(h.Producer) != crypto.AddressSize {
			return fmt.Errorf("expected producer address size %d, got %d", crypto.AddressSize, len(h.Producer))
		}
	}
	if h.View < 0 {
		return errors.New("negative view")
	}
	for i, op := range h.Registry {
		if err := op.ValidateBasic(); err != nil {
			return fmt.Errorf("registry op %d: %w", i, err)
		}
	}
	return nil
}

// Copy returns a deep copy, so cached headers are never shared.
func (h *Header) Copy() *Header {
	if h == nil {
		return nil
	}
	c := &Header{
		Number:    h.Number,
		PrevHash:  h.PrevHash.Copy(),
		Timestamp: h.Timestamp,
		Producer:  h.Producer.Copy(),
		View:      h.View,
		StateHash: h.StateHash.Copy(),
	}
	if h.Registry != nil {
		c.Registry = make([]RegistryOp, len(h.Registry))
		for i, op := range h.Registry {
			c.Registry[i] = op.Copy()
		}
	}
	if h.Signatures != nil {
		c.Signatures = make([]BlockSignature, len(h.Signatures))
		for i, s := range h.Signatures {
			c.Signatures[i] = BlockSignature{PubKey: s.PubKey.Copy(), Signature: s.Signature.Copy()}
		}
	}
	return c
}

func (h *Header) String() string {
	if h == nil {
		return "nil-Header"
	}
	return fmt.Sprintf("Header{#%d %v prev:%v producer:%v view:%d ts:%d}",
		h.Number, h.Hash().ShortString(), h.PrevHash.ShortString(), h.Producer.ShortString(), h.View, h.Timestamp)
}

// Checkpoint names a header by height and hash. It is used for irreversible
// points and attestations.
type Checkpoint struct {
	Number int64            `json:"number" cbor:"1,keyasint"`
	Hash   tmbytes.HexBytes `json:"hash" cbor:"2,keyasint"`
}

// IsZero reports whether the checkpoint was never set.
func (c Checkpoint) IsZero() bool {
	return c.Number == 0 && len(c.Hash) == 0
}

func (c Checkpoint) String() string {
	return fmt.Sprintf("#%d:%v", c.Number, c.Hash.ShortString())
}
