package election

import (
	"bytes"
	"sort"

	"github.com/hybridchain/hybridchain/crypto"
	"github.com/hybridchain/hybridchain/types"
)

// pool is the candidate pool and the votes being carried through one epoch.
// It starts from the snapshot in the previous roster and only changes
// through what the epoch's headers contain, so every node replaying the
// same branch ends up with the same pool.
type pool struct {
	candidates map[string]Candidate
	votes      map[string]Vote
}

func newPool(r *Roster) *pool {
	p := &pool{
		candidates: make(map[string]Candidate, len(r.Candidates)),
		votes:      make(map[string]Vote, len(r.Votes)),
	}
	for _, c := range r.Candidates {
		p.candidates[string(c.Address)] = c.Copy()
	}
	for _, v := range r.Votes {
		p.votes[string(v.Voter)] = Vote{Voter: v.Voter.Copy(), Candidate: v.Candidate.Copy(), Weight: v.Weight}
	}
	return p
}

// apply runs op, carried by a header at ts. An op that does not fit the
// pool (a duplicate registration, a vote for an unknown candidate) is
// skipped with an error and leaves the pool unchanged.
func (p *pool) apply(op types.RegistryOp, ts int64, authority crypto.PubKey) error {
	if err := op.Verify(authority); err != nil {
		return types.InvalidParamf("%v: %v", op, err)
	}
	address := op.CandidateAddress()
	_, known := p.candidates[string(address)]

	switch op.Action {
	case types.RegistryRegister:
		if known {
			return types.InvalidParamf("candidate %v already registered", address)
		}
		p.candidates[string(address)] = Candidate{
			Address:      address,
			PubKey:       op.PubKey.Copy(),
			Weight:       op.Weight,
			Status:       CandidateActive,
			LastProduced: ts,
		}
	case types.RegistryUnregister:
		if !known {
			return types.NotFoundf("candidate %v", address)
		}
		delete(p.candidates, string(address))
	case types.RegistryVote:
		if !known {
			return types.NotFoundf("candidate %v", address)
		}
		p.votes[string(op.Voter)] = Vote{Voter: op.Voter.Copy(), Candidate: address.Copy(), Weight: op.Weight}
	}
	return nil
}

// produced notes a block by producer at ts. A delayed producer that shows
// up again is active once more. Unknown producers are ignored.
func (p *pool) produced(producer crypto.Address, ts int64) {
	c, ok := p.candidates[string(producer)]
	if !ok {
		return
	}
	if ts > c.LastProduced {
		c.LastProduced = ts
	}
	if c.Status == CandidateDelayed {
		c.Status = CandidateActive
	}
	p.candidates[string(producer)] = c
}

// maintain advances ban bookkeeping to now. Members of active idle for
// longer than the producer timeout are flagged delayed; delayed ones are
// banned until now plus the ban duration; expired bans are lifted. It
// returns the candidates whose status changed, ordered by address.
func (p *pool) maintain(now int64, active *types.ValidatorSet, params Params) []Candidate {
	var changed []Candidate
	for key, c := range p.candidates {
		switch c.Status {
		case CandidateActive:
			if !active.HasAddress(c.Address) || now-c.LastProduced <= params.ProducerTimeout {
				continue
			}
			c.Status = CandidateDelayed
		case CandidateDelayed:
			c.Status = CandidateBanned
			c.BannedUntil = now + params.BanDuration
		case CandidateBanned:
			if now < c.BannedUntil {
				continue
			}
			c.Status = CandidateActive
			c.BannedUntil = 0
			// restart the idle clock so it is not flagged right away
			c.LastProduced = now
		}
		p.candidates[key] = c
		changed = append(changed, c)
	}
	sortCandidates(changed)
	return changed
}

// ballots sums each candidate's own weight and the votes cast for it.
// Votes for candidates no longer in the pool do not count.
func (p *pool) ballots() []Ballot {
	cands, _ := p.snapshot()
	index := make(map[string]int, len(cands))
	out := make([]Ballot, len(cands))
	for i, c := range cands {
		index[string(c.Address)] = i
		out[i] = Ballot{Candidate: c, Weight: c.Weight}
	}
	for _, v := range p.votes {
		if i, ok := index[string(v.Candidate)]; ok {
			out[i].Weight += v.Weight
		}
	}
	return out
}

// snapshot returns the pool in the order it is persisted.
func (p *pool) snapshot() ([]Candidate, []Vote) {
	cands := make([]Candidate, 0, len(p.candidates))
	for _, c := range p.candidates {
		cands = append(cands, c.Copy())
	}
	sortCandidates(cands)

	votes := make([]Vote, 0, len(p.votes))
	for _, v := range p.votes {
		votes = append(votes, v)
	}
	sort.Slice(votes, func(i, j int) bool {
		return bytes.Compare(votes[i].Voter, votes[j].Voter) < 0
	})
	return cands, votes
}

func sortCandidates(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		return bytes.Compare(cands[i].Address, cands[j].Address) < 0
	})
}
