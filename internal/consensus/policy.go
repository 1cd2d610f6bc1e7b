package consensus

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/hybridchain/hybridchain/crypto"
	"github.com/hybridchain/hybridchain/internal/election"
	"github.com/hybridchain/hybridchain/internal/finality"
	"github.com/hybridchain/hybridchain/internal/quorum"
	"github.com/hybridchain/hybridchain/internal/store"
	"github.com/hybridchain/hybridchain/internal/tipstate"
	"github.com/hybridchain/hybridchain/types"
)

// Policy is one consensus protocol. The engine drives every protocol through
// it: who produces next, which headers are valid and how far the chain is
// final.
type Policy interface {
	// Name returns the protocol name as used in the config.
	Name() string

	// ValidateHeader checks h against its parent. Rule violations are
	// returned as types.ErrInvalidBlock carrying the reason code.
	ValidateHeader(h, parent *types.Header) error

	// DueProducer returns the member that may produce draft. Producer and
	// Signatures of draft are ignored.
	DueProducer(draft *types.Header) (types.Validator, error)

	// ComputeIrreversibility returns the irreversible point of st's branch.
	ComputeIrreversibility(st *tipstate.TipState) (types.Checkpoint, error)

	// Roster returns the members governing h.
	Roster(h *types.Header) (*types.ValidatorSet, error)
}

// policyRules adapts a Policy to the tip-state manager.
type policyRules struct {
	Policy
}

var _ tipstate.Rules = policyRules{}

func (r policyRules) Irreversible(st *tipstate.TipState) (types.Checkpoint, error) {
	return r.ComputeIrreversibility(st)
}

func invalid(h *types.Header, code types.ReasonCode, format string, args ...interface{}) error {
	return types.ErrInvalidBlock{
		Number: h.Number,
		Code:   code,
		Reason: fmt.Errorf("%w: %s", types.ErrInvalidParam, fmt.Sprintf(format, args...)),
	}
}

// checkLink runs the checks every protocol shares.
func checkLink(h, parent *types.Header, now time.Time, interval int64) error {
	if err := h.ValidateBasic(); err != nil {
		return invalid(h, types.CodeInvalidParam, "%v", err)
	}
	if h.Number != parent.Number+1 || !bytes.Equal(h.PrevHash, parent.Hash()) {
		return invalid(h, types.CodeUnknownParent, "does not extend %v", parent.Checkpoint())
	}
	if h.Timestamp <= parent.Timestamp {
		return invalid(h, types.CodeBadTimestamp, "timestamp %d not after parent's %d", h.Timestamp, parent.Timestamp)
	}
	if limit := now.Unix() + interval; h.Timestamp > limit {
		return invalid(h, types.CodeBadTimestamp, "timestamp %d is in the future (limit %d)", h.Timestamp, limit)
	}
	return nil
}

// signedBy reports whether h carries a valid signature by address.
func signedBy(h *types.Header, address crypto.Address, decode crypto.PubKeyDecoder) bool {
	msg := h.Hash()
	for _, s := range h.Signatures {
		if !crypto.AddressHash(s.PubKey).Equal(address) {
			continue
		}
		pk, err := decode(s.PubKey)
		if err != nil {
			continue
		}
		if pk.VerifySignature(msg, s.Signature) {
			return true
		}
	}
	return false
}

//-----------------------------------------------------------------------------
// DPoS

// DPoS is round-robin delegated production. Producers take turns by time
// slot, and a block is irreversible once enough distinct producers have
// built on top of it.
type DPoS struct {
	elections *election.Context
	schedule  election.Schedule
	decode    crypto.PubKeyDecoder
	now       func() time.Time
}

var _ Policy = (*DPoS)(nil)

// NewDPoS returns the delegated production policy over elections.
func NewDPoS(elections *election.Context, decode crypto.PubKeyDecoder, now func() time.Time) *DPoS {
	if now == nil {
		now = time.Now
	}
	return &DPoS{
		elections: elections,
		schedule:  elections.Params().Schedule,
		decode:    decode,
		now:       now,
	}
}

func (p *DPoS) Name() string { return "dpos" }

// Schedule returns the slot schedule.
func (p *DPoS) Schedule() election.Schedule { return p.schedule }

func (p *DPoS) ValidateHeader(h, parent *types.Header) error {
	if err := checkLink(h, parent, p.now(), p.schedule.BlockInterval); err != nil {
		return err
	}
	if p.schedule.TimeIndex(h.Timestamp) <= p.schedule.TimeIndex(parent.Timestamp) {
		return invalid(h, types.CodeBadTimestamp, "slot %d already taken by the parent", p.schedule.TimeIndex(h.Timestamp))
	}
	roster, err := p.elections.GetActiveProducers(h)
	if err != nil {
		return err
	}
	if !p.schedule.IsDueProducer(h, roster, 0) {
		return invalid(h, types.CodeBadProducer, "%v is not due at %d", h.Producer, h.Timestamp)
	}
	if !signedBy(h, h.Producer, p.decode) {
		return invalid(h, types.CodeBadSignatures, "missing producer signature")
	}
	return nil
}

func (p *DPoS) DueProducer(draft *types.Header) (types.Validator, error) {
	roster, err := p.elections.GetActiveProducers(draft)
	if err != nil {
		return types.Validator{}, err
	}
	return p.schedule.DueProducer(roster, draft.Timestamp, 0)
}

func (p *DPoS) ComputeIrreversibility(st *tipstate.TipState) (types.Checkpoint, error) {
	return st.Confirmed, nil
}

func (p *DPoS) Roster(h *types.Header) (*types.ValidatorSet, error) {
	roster, err := p.elections.GetActiveProducers(h)
	if err != nil {
		return nil, err
	}
	return roster.Validators, nil
}

//-----------------------------------------------------------------------------
// BFT

// BFT is view-based byzantine agreement. A block needs signatures from a
// quorum of validators and is final as soon as it is accepted.
type BFT struct {
	quorum   *quorum.Context
	decode   crypto.PubKeyDecoder
	interval int64
	now      func() time.Time
}

var _ Policy = (*BFT)(nil)

// NewBFT returns the byzantine agreement policy over qc. interval bounds
// how far a timestamp may run ahead of the local clock.
func NewBFT(qc *quorum.Context, decode crypto.PubKeyDecoder, interval int64, now func() time.Time) *BFT {
	if now == nil {
		now = time.Now
	}
	return &BFT{quorum: qc, decode: decode, interval: interval, now: now}
}

func (p *BFT) Name() string { return "bft" }

// ValidateProposal runs every check but the quorum one, so a validator can
// decide whether to vote for h.
func (p *BFT) ValidateProposal(h, parent *types.Header) error {
	if err := checkLink(h, parent, p.now(), p.interval); err != nil {
		return err
	}
	due, err := p.quorum.DueValidatorFor(h)
	if err != nil {
		return err
	}
	if !due.Address.Equal(h.Producer) {
		return invalid(h, types.CodeBadProducer, "%v is not due in view %d", h.Producer, h.View)
	}
	if !signedBy(h, h.Producer, p.decode) {
		return invalid(h, types.CodeBadSignatures, "missing proposer signature")
	}
	return nil
}

func (p *BFT) ValidateHeader(h, parent *types.Header) error {
	if err := p.ValidateProposal(h, parent); err != nil {
		return err
	}
	valid, err := p.quorum.VerifyBlockSignatures(h)
	if err != nil {
		return err
	}
	if !valid {
		return invalid(h, types.CodeBadSignatures, "no quorum of validator signatures")
	}
	return nil
}

func (p *BFT) DueProducer(draft *types.Header) (types.Validator, error) {
	return p.quorum.DueValidatorFor(draft)
}

func (p *BFT) ComputeIrreversibility(st *tipstate.TipState) (types.Checkpoint, error) {
	return st.Tip.Checkpoint(), nil
}

func (p *BFT) Roster(h *types.Header) (*types.ValidatorSet, error) {
	return p.quorum.GetValidators(h)
}

//-----------------------------------------------------------------------------
// Hybrid

// Hybrid is delegated production with byzantine finality: the irreversible
// point is the higher of the producers' confirmations and the attested
// checkpoint, when the latter lies on the branch.
type Hybrid struct {
	*DPoS
	tracker *finality.Tracker
	headers tipstate.HeaderSource
}

var _ Policy = (*Hybrid)(nil)

// NewHybrid layers tracker's attestations over dpos.
func NewHybrid(dpos *DPoS, tracker *finality.Tracker, headers tipstate.HeaderSource) *Hybrid {
	return &Hybrid{DPoS: dpos, tracker: tracker, headers: headers}
}

func (p *Hybrid) Name() string { return "hybrid" }

// Tracker returns the attestation tracker.
func (p *Hybrid) Tracker() *finality.Tracker { return p.tracker }

func (p *Hybrid) ComputeIrreversibility(st *tipstate.TipState) (types.Checkpoint, error) {
	attested := p.tracker.Irreversible()
	if attested.IsZero() || attested.Number > st.Number() {
		return st.Confirmed, nil
	}
	info, err := p.headers.GetHeader(store.AtHeightOn(attested.Number, st.Hash()))
	switch {
	case errors.Is(err, types.ErrNotFound):
		return st.Confirmed, nil
	case err != nil:
		return types.Checkpoint{}, err
	}
	if !bytes.Equal(info.Header.Hash(), attested.Hash) {
		// attested on another branch
		return st.Confirmed, nil
	}
	return finality.Combine(st.Confirmed, attested), nil
}
