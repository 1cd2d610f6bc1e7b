package election

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/hybridchain/hybridchain/crypto"
	tmbytes "github.com/hybridchain/hybridchain/libs/bytes"
	"github.com/hybridchain/hybridchain/types"
)

// CandidateStatus tracks a candidate's standing in the producer pool.
type CandidateStatus uint8

const (
	CandidateActive CandidateStatus = iota
	// CandidateDelayed is set on an active producer idle past the timeout.
	CandidateDelayed
	// CandidateBanned candidates are excluded from ranking until BannedUntil.
	CandidateBanned
)

func (s CandidateStatus) String() string {
	switch s {
	case CandidateActive:
		return "active"
	case CandidateDelayed:
		return "delayed"
	case CandidateBanned:
		return "banned"
	default:
		return fmt.Sprintf("CandidateStatus(%d)", uint8(s))
	}
}

// Candidate is a registered would-be producer.
type Candidate struct {
	Address      crypto.Address   `json:"address" cbor:"1,keyasint"`
	PubKey       tmbytes.HexBytes `json:"pub_key" cbor:"2,keyasint"`
	Weight       int64            `json:"weight" cbor:"3,keyasint"` // self-bonded, before votes
	Status       CandidateStatus  `json:"status" cbor:"4,keyasint"`
	BannedUntil  int64            `json:"banned_until" cbor:"5,keyasint"`
	LastProduced int64            `json:"last_produced" cbor:"6,keyasint"`
}

// Copy returns a deep copy.
func (c Candidate) Copy() Candidate {
	c.Address = c.Address.Copy()
	c.PubKey = c.PubKey.Copy()
	return c
}

// Validator returns the roster entry for c.
func (c Candidate) Validator() types.Validator {
	return types.Validator{Address: c.Address.Copy(), PubKey: c.PubKey.Copy()}
}

// Vote is one voter's backing of a candidate. A later vote by the same
// voter replaces it.
type Vote struct {
	Voter     crypto.Address `json:"voter" cbor:"1,keyasint"`
	Candidate crypto.Address `json:"candidate" cbor:"2,keyasint"`
	Weight    int64          `json:"weight" cbor:"3,keyasint"`
}

// Ballot is the total weight backing one candidate in an election.
type Ballot struct {
	Candidate Candidate
	Weight    int64
}

// Roster is the producer list of one epoch, keyed in storage by the hash of
// the header that closed the previous epoch (the genesis hash for the
// first epoch).
type Roster struct {
	// Height of the epoch-defining header.
	Height     int64               `cbor:"1,keyasint"`
	Validators *types.ValidatorSet `cbor:"2,keyasint"`
	// Time index at which rotation restarts from Validators[0].
	ElectionTimeIndex int64 `cbor:"3,keyasint"`
	// Cumulative BFT views spent up to the epoch-defining header.
	ViewWeight int64 `cbor:"4,keyasint"`
	// Candidate pool and votes as of the epoch-defining header, ordered by
	// address. The next election starts from them.
	Candidates []Candidate `cbor:"5,keyasint,omitempty"`
	Votes      []Vote      `cbor:"6,keyasint,omitempty"`
}

// Copy returns a deep copy.
func (r *Roster) Copy() *Roster {
	if r == nil {
		return nil
	}
	c := *r
	c.Validators = r.Validators.Copy()
	if r.Candidates != nil {
		c.Candidates = make([]Candidate, len(r.Candidates))
		for i, cand := range r.Candidates {
			c.Candidates[i] = cand.Copy()
		}
	}
	if r.Votes != nil {
		c.Votes = make([]Vote, len(r.Votes))
		for i, v := range r.Votes {
			c.Votes[i] = Vote{Voter: v.Voter.Copy(), Candidate: v.Candidate.Copy(), Weight: v.Weight}
		}
	}
	return &c
}

// ElectNextProducers ranks non-banned candidates by weight and returns the
// top ones, between minSize and maxSize of them, in an order shuffled by seed.
//
// The previous roster is returned unchanged when the winners would be fewer
// than prev, and with a types.ErrNotEnough error when fewer than minSize
// candidates are eligible. The result never has fewer members than prev.
func ElectNextProducers(prev *types.ValidatorSet, ballots []Ballot, minSize, maxSize int, seed []byte) (*types.ValidatorSet, error) {
	eligible := make([]Ballot, 0, len(ballots))
	for _, b := range ballots {
		if b.Candidate.Status == CandidateBanned {
			continue
		}
		eligible = append(eligible, b)
	}
	if len(eligible) < minSize {
		return prev.Copy(), types.NotEnoughf("%d eligible candidates, need %d", len(eligible), minSize)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Weight != eligible[j].Weight {
			return eligible[i].Weight > eligible[j].Weight
		}
		return bytes.Compare(eligible[i].Candidate.Address, eligible[j].Candidate.Address) < 0
	})

	k := len(eligible)
	if k > maxSize {
		k = maxSize
	}
	if k < prev.Size() {
		return prev.Copy(), nil
	}

	winners := make([]types.Validator, k)
	perm := NewRand(seed).Perm(k)
	for i, p := range perm {
		winners[i] = eligible[p].Candidate.Validator()
	}

	next, err := types.NewValidatorSet(winners)
	if err != nil {
		return nil, types.InvalidParamf("electing producers: %v", err)
	}
	return next, nil
}
