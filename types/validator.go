package types

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/hybridchain/hybridchain/crypto"
	tmbytes "github.com/hybridchain/hybridchain/libs/bytes"
)

// Validator is one member of an active producer/validator roster.
type Validator struct {
	Address crypto.Address   `json:"address" cbor:"1,keyasint"`
	PubKey  tmbytes.HexBytes `json:"pub_key" cbor:"2,keyasint"`
}

// NewValidator derives the address from pubKey.
func NewValidator(pubKey crypto.PubKey) Validator {
	return Validator{
		Address: pubKey.Address(),
		PubKey:  pubKey.Bytes(),
	}
}

func (v Validator) ValidateBasic() error {
	if len(v.Address) != crypto.AddressSize {
		return fmt.Errorf("validator address is the wrong size: %v", v.Address)
	}
	if len(v.PubKey) == 0 {
		return errors.New("validator does not have a public key")
	}
	return nil
}

func (v Validator) Copy() Validator {
	return Validator{Address: v.Address.Copy(), PubKey: v.PubKey.Copy()}
}

// ValidatorSet is an ordered roster. Order matters: it defines whose turn
// it is, so two nodes must hold the same order for the same epoch.
//
// NOTE: Not goroutine-safe. Callers share sets only through Copy.
type ValidatorSet struct {
	Validators []Validator `json:"validators" cbor:"1,keyasint"`
}

// NewValidatorSet builds a set from vals, rejecting duplicate addresses.
func NewValidatorSet(vals []Validator) (*ValidatorSet, error) {
	seen := make(map[string]struct{}, len(vals))
	for i, v := range vals {
		if err := v.ValidateBasic(); err != nil {
			return nil, fmt.Errorf("invalid validator #%d: %w", i, err)
		}
		if _, ok := seen[string(v.Address)]; ok {
			return nil, fmt.Errorf("duplicate validator %v", v.Address)
		}
		seen[string(v.Address)] = struct{}{}
	}
	vs := &ValidatorSet{Validators: make([]Validator, len(vals))}
	for i, v := range vals {
		vs.Validators[i] = v.Copy()
	}
	return vs, nil
}

// Size returns the number of validators.
func (vals *ValidatorSet) Size() int {
	if vals == nil {
		return 0
	}
	return len(vals.Validators)
}

// IsNilOrEmpty returns true if the set is nil or has no validators.
func (vals *ValidatorSet) IsNilOrEmpty() bool {
	return vals.Size() == 0
}

// IndexOf returns the position of address in the set or -1.
func (vals *ValidatorSet) IndexOf(address []byte) int {
	if vals == nil {
		return -1
	}
	for i, v := range vals.Validators {
		if bytes.Equal(v.Address, address) {
			return i
		}
	}
	return -1
}

// HasAddress reports whether address is a member.
func (vals *ValidatorSet) HasAddress(address []byte) bool {
	return vals.IndexOf(address) >= 0
}

// GetByIndex returns the validator at index. It panics when index is out
// of range.
func (vals *ValidatorSet) GetByIndex(index int) Validator {
	return vals.Validators[index]
}

// Addresses returns the roster order as addresses.
func (vals *ValidatorSet) Addresses() []crypto.Address {
	addrs := make([]crypto.Address, vals.Size())
	for i, v := range vals.Validators {
		addrs[i] = v.Address
	}
	return addrs
}

// Copy each validator into a new ValidatorSet.
func (vals *ValidatorSet) Copy() *ValidatorSet {
	if vals == nil {
		return nil
	}
	c := &ValidatorSet{Validators: make([]Validator, len(vals.Validators))}
	for i, v := range vals.Validators {
		c.Validators[i] = v.Copy()
	}
	return c
}

// Equals compares rosters including order.
func (vals *ValidatorSet) Equals(other *ValidatorSet) bool {
	if vals.Size() != other.Size() {
		return false
	}
	for i, v := range vals.Validators {
		o := other.Validators[i]
		if !bytes.Equal(v.Address, o.Address) || !bytes.Equal(v.PubKey, o.PubKey) {
			return false
		}
	}
	return true
}

func (vals *ValidatorSet) String() string {
	if vals == nil {
		return "nil-ValidatorSet"
	}
	parts := make([]string, len(vals.Validators))
	for i, v := range vals.Validators {
		parts[i] = v.Address.ShortString()
	}
	return fmt.Sprintf("ValidatorSet{%s}", strings.Join(parts, " "))
}
