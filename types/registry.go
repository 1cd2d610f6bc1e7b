package types

import (
	"errors"
	"fmt"

	"github.com/hybridchain/hybridchain/crypto"
	tmbytes "github.com/hybridchain/hybridchain/libs/bytes"
)

// RegistryAction is the kind of change a RegistryOp makes to the candidate
// pool.
type RegistryAction uint8

const (
	RegistryRegister RegistryAction = iota + 1
	RegistryUnregister
	RegistryVote
)

func (a RegistryAction) String() string {
	switch a {
	case RegistryRegister:
		return "register"
	case RegistryUnregister:
		return "unregister"
	case RegistryVote:
		return "vote"
	default:
		return fmt.Sprintf("RegistryAction(%d)", uint8(a))
	}
}

// RegistryOp is a change to the candidate pool, signed by the chain's
// registration authority. Ops travel inside headers and take effect when
// the epoch containing them closes, so every node applies the same ones in
// the same order.
type RegistryOp struct {
	Action RegistryAction `json:"action" cbor:"1,keyasint"`
	// PubKey is the candidate's key for register and unregister.
	PubKey tmbytes.HexBytes `json:"pub_key,omitempty" cbor:"2,keyasint,omitempty"`
	// Weight is the self-bonded weight of a registration or the weight of
	// a vote.
	Weight    int64          `json:"weight,omitempty" cbor:"3,keyasint,omitempty"`
	Voter     crypto.Address `json:"voter,omitempty" cbor:"4,keyasint,omitempty"`
	Candidate crypto.Address `json:"candidate,omitempty" cbor:"5,keyasint,omitempty"`

	Signature tmbytes.HexBytes `json:"signature" cbor:"6,keyasint"`
}

// NewRegisterOp admits pubKey with weight once signed.
func NewRegisterOp(pubKey crypto.PubKey, weight int64) RegistryOp {
	return RegistryOp{Action: RegistryRegister, PubKey: pubKey.Bytes(), Weight: weight}
}

// NewUnregisterOp removes pubKey from the pool once signed.
func NewUnregisterOp(pubKey crypto.PubKey) RegistryOp {
	return RegistryOp{Action: RegistryUnregister, PubKey: pubKey.Bytes()}
}

// NewVoteOp sets voter's backing of candidate to weight once signed.
func NewVoteOp(voter, candidate crypto.Address, weight int64) RegistryOp {
	return RegistryOp{Action: RegistryVote, Voter: voter, Candidate: candidate, Weight: weight}
}

// SignBytes is the message the authority signs. It covers every field but
// the signature.
func (op RegistryOp) SignBytes() []byte {
	op.Signature = nil
	return MustMarshal(op)
}

// Sign sets the authority signature.
func (op *RegistryOp) Sign(authority crypto.PrivKey) error {
	sig, err := authority.Sign(op.SignBytes())
	if err != nil {
		return err
	}
	op.Signature = sig
	return nil
}

// CandidateAddress returns the address of the candidate op concerns.
func (op RegistryOp) CandidateAddress() crypto.Address {
	if op.Action == RegistryVote {
		return op.Candidate
	}
	return crypto.AddressHash(op.PubKey)
}

// ValidateBasic performs stateless checks.
func (op RegistryOp) ValidateBasic() error {
	switch op.Action {
	case RegistryRegister:
		if len(op.PubKey) == 0 {
			return errors.New("register without a public key")
		}
		if op.Weight < 0 {
			return fmt.Errorf("negative weight %d", op.Weight)
		}
	case RegistryUnregister:
		if len(op.PubKey) == 0 {
			return errors.New("unregister without a public key")
		}
	case RegistryVote:
		if len(op.Voter) != crypto.AddressSize || len(op.Candidate) != crypto.AddressSize {
			return fmt.Errorf("expected voter and candidate addresses of size %d", crypto.AddressSize)
		}
		if op.Weight <= 0 {
			return fmt.Errorf("vote weight must be positive, got %d", op.Weight)
		}
	default:
		return fmt.Errorf("unknown action %v", op.Action)
	}
	if len(op.Signature) == 0 {
		return errors.New("unsigned registry op")
	}
	return nil
}

// Verify checks op and its signature against authority.
func (op RegistryOp) Verify(authority crypto.PubKey) error {
	if err := op.ValidateBasic(); err != nil {
		return err
	}
	if authority == nil {
		return errors.New("no registration authority configured")
	}
	if !authority.VerifySignature(op.SignBytes(), op.Signature) {
		return errors.New("bad authority signature")
	}
	return nil
}

// Copy returns a deep copy.
func (op RegistryOp) Copy() RegistryOp {
	return RegistryOp{
		Action:    op.Action,
		PubKey:    op.PubKey.Copy(),
		Weight:    op.Weight,
		Voter:     op.Voter.Copy(),
		Candidate: op.Candidate.Copy(),
		Signature: op.Signature.Copy(),
	}
}

func (op RegistryOp) String() string {
	return fmt.Sprintf("RegistryOp{%v %v weight:%d}", op.Action, op.CandidateAddress().ShortString(), op.Weight)
}
