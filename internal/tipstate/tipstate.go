package tipstate

import (
	"bytes"
	"fmt"
	"sort"

	tmmath "github.com/hybridchain/hybridchain/libs/math"
	"github.com/hybridchain/hybridchain/types"
)

// pending is a block still collecting implicit confirmations.
type pending struct {
	Checkpoint types.Checkpoint
	Remaining  int
}

// TipState is the production bookkeeping of one branch tip: who produced
// and confirmed what, and how far the branch is irreversible.
//
// A TipState is seeded at a header already known to be irreversible and
// then advanced one header at a time. Values are never shared: callers get
// clones.
type TipState struct {
	Tip *types.Header

	// producer address -> height of its latest block on this branch
	LastProduced map[string]int64
	// producer address -> highest block its production implied irreversible
	LastConfirmed map[string]types.Checkpoint

	window   []pending // ascending
	proposed types.Checkpoint

	// Confirmed is the irreversible point implied by producer
	// confirmations alone.
	Confirmed types.Checkpoint
	// Irreversible is Confirmed combined with any other finality source
	// the protocol has. It never moves down.
	Irreversible types.Checkpoint
}

// Seed returns a TipState rooted at h, which must already be irreversible.
func Seed(h *types.Header) *TipState {
	cp := h.Checkpoint()
	return &TipState{
		Tip:           h.Copy(),
		LastProduced:  make(map[string]int64),
		LastConfirmed: make(map[string]types.Checkpoint),
		proposed:      cp,
		Confirmed:     cp,
		Irreversible:  cp,
	}
}

// Number returns the tip height.
func (st *TipState) Number() int64 {
	return st.Tip.Number
}

// Hash returns the tip hash.
func (st *TipState) Hash() []byte {
	return st.Tip.Hash()
}

// Clone returns a deep copy.
func (st *TipState) Clone() *TipState {
	if st == nil {
		return nil
	}
	c := &TipState{
		Tip:           st.Tip.Copy(),
		LastProduced:  make(map[string]int64, len(st.LastProduced)),
		LastConfirmed: make(map[string]types.Checkpoint, len(st.LastConfirmed)),
		window:        make([]pending, len(st.window)),
		proposed:      copyCheckpoint(st.proposed),
		Confirmed:     copyCheckpoint(st.Confirmed),
		Irreversible:  copyCheckpoint(st.Irreversible),
	}
	for k, v := range st.LastProduced {
		c.LastProduced[k] = v
	}
	for k, v := range st.LastConfirmed {
		c.LastConfirmed[k] = copyCheckpoint(v)
	}
	for i, p := range st.window {
		c.window[i] = pending{Checkpoint: copyCheckpoint(p.Checkpoint), Remaining: p.Remaining}
	}
	return c
}

func copyCheckpoint(cp types.Checkpoint) types.Checkpoint {
	return types.Checkpoint{Number: cp.Number, Hash: cp.Hash.Copy()}
}

// Pending returns how many blocks are still collecting confirmations.
func (st *TipState) Pending() int {
	return len(st.window)
}

// Advance extends the state by h, produced under the roster vals.
//
// Producing a block implicitly confirms every block since the producer's
// previous one. A block confirmed by ceil(2n/3) producers, its own
// producer included, is proposed irreversible; the confirmed point is the
// proposal that at least two thirds of the roster have since built on.
func (st *TipState) Advance(h *types.Header, vals *types.ValidatorSet) error {
	if h.Number != st.Tip.Number+1 || !bytes.Equal(h.PrevHash, st.Tip.Hash()) {
		return types.InvalidParamf("header #%d %v does not extend tip #%d %v",
			h.Number, h.Hash(), st.Tip.Number, st.Tip.Hash())
	}
	n := int64(vals.Size())
	if n == 0 {
		return types.NotEnoughf("empty roster at #%d", h.Number)
	}
	producer := string(h.Producer)

	st.window = append(st.window, pending{
		Checkpoint: h.Checkpoint(),
		Remaining:  int(tmmath.CeilDiv(2*n, 3)),
	})
	last := st.LastProduced[producer]
	for i := len(st.window) - 1; i >= 0 && st.window[i].Checkpoint.Number > last; i-- {
		st.window[i].Remaining--
	}

	// the highest entry out of confirmations becomes the proposal
	for i := len(st.window) - 1; i >= 0; i-- {
		if st.window[i].Remaining <= 0 {
			st.proposed = st.window[i].Checkpoint
			st.window = append([]pending(nil), st.window[i+1:]...)
			break
		}
	}

	st.LastProduced[producer] = h.Number
	st.LastConfirmed[producer] = st.proposed
	st.Tip = h.Copy()

	if cp := st.confirmedBy(vals); cp.Number > st.Confirmed.Number {
		st.Confirmed = cp
	}
	st.Lift(st.Confirmed)
	return nil
}

// confirmedBy returns the (n-1)/3-th lowest implied point over the roster,
// i.e. the highest point more than two thirds of vals stand behind.
// Members without a confirmation on this branch count at the seed.
func (st *TipState) confirmedBy(vals *types.ValidatorSet) types.Checkpoint {
	cps := make([]types.Checkpoint, 0, vals.Size())
	for _, v := range vals.Validators {
		cp, ok := st.LastConfirmed[string(v.Address)]
		if !ok {
			cp = st.Confirmed
		}
		cps = append(cps, cp)
	}
	sort.SliceStable(cps, func(i, j int) bool { return cps[i].Number < cps[j].Number })
	return cps[(len(cps)-1)/3]
}

// Lift raises the irreversible point to cp if cp is higher.
func (st *TipState) Lift(cp types.Checkpoint) {
	if cp.Number > st.Irreversible.Number {
		st.Irreversible = copyCheckpoint(cp)
	}
}

func (st *TipState) String() string {
	return fmt.Sprintf("TipState{tip:#%d %v confirmed:%v irreversible:%v pending:%d}",
		st.Tip.Number, st.Tip.Hash().ShortString(), st.Confirmed, st.Irreversible, len(st.window))
}
