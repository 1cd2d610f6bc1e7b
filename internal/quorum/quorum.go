package quorum

import (
	"github.com/hybridchain/hybridchain/crypto"
	"github.com/hybridchain/hybridchain/internal/election"
	"github.com/hybridchain/hybridchain/internal/store"
	"github.com/hybridchain/hybridchain/libs/log"
	tmmath "github.com/hybridchain/hybridchain/libs/math"
	"github.com/hybridchain/hybridchain/types"
)

// RosterSource resolves the validator set governing a header.
type RosterSource interface {
	GetActiveProducers(at *types.Header) (*election.Roster, error)
	IsBoundary(height int64) bool
}

// HeaderSource gives access to a header's parent.
type HeaderSource interface {
	GetHeader(store.Selector) (store.HeaderInfo, error)
}

// Context answers byzantine agreement questions: who the validators are
// at a header, whose turn it is to propose, and whether enough of them
// signed.
type Context struct {
	rate    tmmath.Fraction
	rosters RosterSource
	headers HeaderSource
	decode  crypto.PubKeyDecoder
	logger  log.Logger

	views *ViewTracker
}

// NewContext returns a Context requiring rate agreement. decode turns the
// public keys embedded in signatures into verifiers.
func NewContext(
	rosters RosterSource,
	headers HeaderSource,
	rate tmmath.Fraction,
	decode crypto.PubKeyDecoder,
	logger log.Logger,
) (*Context, error) {
	if err := rate.ValidateBasic(); err != nil {
		return nil, types.InvalidParamf("agreement rate: %v", err)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Context{
		rate:    rate,
		rosters: rosters,
		headers: headers,
		decode:  decode,
		logger:  logger.With("module", "quorum"),
		views:   NewViewTracker(),
	}, nil
}

// Views returns the tracker of the current proposal view.
func (qc *Context) Views() *ViewTracker {
	return qc.views
}

// AgreementRate returns the required fraction.
func (qc *Context) AgreementRate() tmmath.Fraction {
	return qc.rate
}

// AgreementReached reports whether k of n validators meets the agreement
// rate. It is the only quorum test in the codebase.
func (qc *Context) AgreementReached(n, k int) bool {
	if n <= 0 {
		return false
	}
	return qc.rate.Reached(int64(n), int64(k))
}

// GetValidators returns the validator set governing at.
func (qc *Context) GetValidators(at *types.Header) (*types.ValidatorSet, error) {
	roster, err := qc.rosters.GetActiveProducers(at)
	if err != nil {
		return nil, err
	}
	return roster.Validators, nil
}

// DueValidator returns the proposer for a header in view. At an epoch
// boundary the rotation restarts at validators[view mod n]; elsewhere it
// continues one past the parent's producer.
func DueValidator(vals *types.ValidatorSet, parentProducer crypto.Address, view int32, boundary bool) (types.Validator, error) {
	n := int64(vals.Size())
	if n == 0 {
		return types.Validator{}, types.NotEnoughf("empty validator set")
	}
	if boundary {
		return vals.GetByIndex(int(tmmath.Mod(int64(view), n))), nil
	}
	// an unknown parent producer (-1) lines up with the boundary rule
	idx := int64(vals.IndexOf(parentProducer))
	return vals.GetByIndex(int(tmmath.Mod(idx+int64(view)+1, n))), nil
}

// DueValidatorFor is DueValidator for h, resolving its validator set and
// its parent.
func (qc *Context) DueValidatorFor(h *types.Header) (types.Validator, error) {
	vals, err := qc.GetValidators(h)
	if err != nil {
		return types.Validator{}, err
	}
	return qc.dueValidator(h, vals)
}

func (qc *Context) dueValidator(h *types.Header, vals *types.ValidatorSet) (types.Validator, error) {
	if h.Number == 0 {
		return types.Validator{}, types.InvalidParamf("genesis has no proposer")
	}
	boundary := qc.rosters.IsBoundary(h.Number)
	var parentProducer crypto.Address
	if !boundary {
		parent, err := qc.headers.GetHeader(store.ByHash(h.PrevHash))
		if err != nil {
			return types.Validator{}, err
		}
		parentProducer = parent.Header.Producer
	}
	return DueValidator(vals, parentProducer, h.View, boundary)
}

// VerifyBlockSignatures checks that h was proposed by its due validator and
// carries signatures from enough distinct validators. Signatures from
// strangers, repeats and bad signatures are ignored. A failed check is
// reported as valid == false; err is only set when the check could not run.
func (qc *Context) VerifyBlockSignatures(h *types.Header) (valid bool, err error) {
	vals, err := qc.GetValidators(h)
	if err != nil {
		return false, err
	}
	due, err := qc.dueValidator(h, vals)
	if err != nil {
		return false, err
	}
	if !due.Address.Equal(h.Producer) {
		qc.logger.Debug("proposer is not due", "height", h.Number, "view", h.View,
			"producer", h.Producer, "due", due.Address)
		return false, nil
	}

	signers := qc.CountSigners(h, vals)
	if !qc.AgreementReached(vals.Size(), signers) {
		qc.logger.Debug("not enough signatures", "height", h.Number, "signers", signers, "validators", vals.Size())
		return false, nil
	}
	return true, nil
}

// CountSigners returns the number of distinct members of vals with a valid
// signature on h.
func (qc *Context) CountSigners(h *types.Header, vals *types.ValidatorSet) int {
	msg := h.Hash()
	seen := make(map[string]struct{}, len(h.Signatures))
	for _, s := range h.Signatures {
		addr := crypto.AddressHash(s.PubKey)
		if _, ok := seen[string(addr)]; ok {
			continue
		}
		if !vals.HasAddress(addr) {
			continue
		}
		pk, err := qc.decode(s.PubKey)
		if err != nil {
			continue
		}
		if !pk.VerifySignature(msg, s.Signature) {
			continue
		}
		seen[string(addr)] = struct{}{}
	}
	return len(seen)
}
