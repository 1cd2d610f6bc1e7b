package finality

import (
	"bytes"
	"errors"
	"sort"

	"github.com/hybridchain/hybridchain/crypto"
	"github.com/hybridchain/hybridchain/internal/store"
	"github.com/hybridchain/hybridchain/libs/log"
	tmsync "github.com/hybridchain/hybridchain/libs/sync"
	"github.com/hybridchain/hybridchain/types"
)

// Quorum is the part of the agreement context the tracker needs.
type Quorum interface {
	GetValidators(at *types.Header) (*types.ValidatorSet, error)
	AgreementReached(n, k int) bool
}

// HeaderSource resolves attested hashes.
type HeaderSource interface {
	GetHeader(store.Selector) (store.HeaderInfo, error)
}

// Tracker layers byzantine finality over delegated production. It keeps the
// latest attestation of every validator and declares a checkpoint
// irreversible once enough of the validators at that checkpoint attest to it.
type Tracker struct {
	quorum  Quorum
	headers HeaderSource
	decode  crypto.PubKeyDecoder
	logger  log.Logger

	mtx           tmsync.RWMutex
	attestations  map[string]types.Attestation // validator address -> latest
	irreversible  types.Checkpoint
	lastBroadcast int64
}

// NewTracker returns an empty tracker.
func NewTracker(quorum Quorum, headers HeaderSource, decode crypto.PubKeyDecoder, logger log.Logger) *Tracker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Tracker{
		quorum:        quorum,
		headers:       headers,
		decode:        decode,
		logger:        logger.With("module", "finality"),
		attestations:  make(map[string]types.Attestation),
		lastBroadcast: -1,
	}
}

// Add records a, replacing the attester's previous attestation if a is
// strictly higher. It reports whether a was kept.
//
// Attestations with a bad signature, or whose attester is not a validator
// at the attested header, are rejected with types.ErrInvalidParam. An
// attested header this node does not have yet is types.ErrNotFound.
func (t *Tracker) Add(a types.Attestation) (bool, error) {
	if err := a.Verify(t.decode); err != nil {
		return false, types.InvalidParamf("attestation: %v", err)
	}
	info, err := t.headers.GetHeader(store.ByHash(a.Checkpoint.Hash))
	if err != nil {
		return false, err
	}
	if info.Header.Number != a.Checkpoint.Number {
		return false, types.InvalidParamf("attestation of %v names height %d", info.Header.Checkpoint(), a.Checkpoint.Number)
	}
	vals, err := t.quorum.GetValidators(info.Header)
	if err != nil {
		return false, err
	}
	if !vals.HasAddress(a.Validator()) {
		return false, types.InvalidParamf("attester %v is not a validator at %v", a.Validator(), a.Checkpoint)
	}
	key := string(a.Validator())

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if prev, ok := t.attestations[key]; ok && prev.Checkpoint.Number >= a.Checkpoint.Number {
		return false, nil
	}
	t.attestations[key] = a
	return true, nil
}

// Attestations returns the stored attestations ordered by validator.
func (t *Tracker) Attestations() []types.Attestation {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	keys := make([]string, 0, len(t.attestations))
	for k := range t.attestations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.Attestation, len(keys))
	for i, k := range keys {
		out[i] = t.attestations[k]
	}
	return out
}

// Irreversible returns the highest checkpoint the attestations finalized.
func (t *Tracker) Irreversible() types.Checkpoint {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.irreversible
}

type support struct {
	checkpoint types.Checkpoint
	attesters  []crypto.Address
	validators int // size of the set governing checkpoint
	count      int // attesters in that set
}

// Recompute groups the stored attestations by hash, counts for each hash
// the attesters that are validators at that header, and checks the best
// supported one against agreement. On success the irreversible checkpoint
// moves up to it, never down.
//
// It returns types.ErrNotFound when nothing countable is attested, and
// types.ErrNotEnough when the support falls short.
func (t *Tracker) Recompute() (types.Checkpoint, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if len(t.attestations) == 0 {
		return t.irreversible, types.NotFoundf("no attestations")
	}

	byHash := make(map[string]*support)
	for _, a := range t.attestations {
		s, ok := byHash[string(a.Checkpoint.Hash)]
		if !ok {
			s = &support{checkpoint: a.Checkpoint}
			byHash[string(a.Checkpoint.Hash)] = s
		}
		s.attesters = append(s.attesters, a.Validator())
	}

	var best *support
	for _, s := range byHash {
		info, err := t.headers.GetHeader(store.ByHash(s.checkpoint.Hash))
		if errors.Is(err, types.ErrNotFound) {
			continue
		} else if err != nil {
			return t.irreversible, err
		}
		vals, err := t.quorum.GetValidators(info.Header)
		if errors.Is(err, types.ErrNotFound) {
			continue
		} else if err != nil {
			return t.irreversible, err
		}
		s.validators = vals.Size()
		for _, addr := range s.attesters {
			if vals.HasAddress(addr) {
				s.count++
			}
		}
		if best == nil || better(s, best) {
			best = s
		}
	}
	if best == nil || best.count == 0 {
		return t.irreversible, types.NotFoundf("no validator attests a known header")
	}
	if !t.quorum.AgreementReached(best.validators, best.count) {
		return t.irreversible, types.NotEnoughf("%d of %d validators attest %v", best.count, best.validators, best.checkpoint)
	}

	if best.checkpoint.Number > t.irreversible.Number {
		t.irreversible = types.Checkpoint{Number: best.checkpoint.Number, Hash: best.checkpoint.Hash.Copy()}
		t.logger.Info("finalized by attestation", "checkpoint", t.irreversible, "attesters", best.count)
	}
	return t.irreversible, nil
}

// better orders candidate checkpoints: more validators attesting, then
// higher, then by hash so the choice does not depend on map order.
func better(a, b *support) bool {
	if a.count != b.count {
		return a.count > b.count
	}
	if a.checkpoint.Number != b.checkpoint.Number {
		return a.checkpoint.Number > b.checkpoint.Number
	}
	return bytes.Compare(a.checkpoint.Hash, b.checkpoint.Hash) < 0
}

// ShouldBroadcast reports whether a local irreversible height is news to
// the network, i.e. above the last one broadcast.
func (t *Tracker) ShouldBroadcast(local int64) bool {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return local > t.lastBroadcast
}

// MarkBroadcast records that an attestation for height went out.
func (t *Tracker) MarkBroadcast(height int64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if height > t.lastBroadcast {
		t.lastBroadcast = height
	}
}

// Combine merges the delegated-production irreversible point with the
// attested one. The higher wins and a tie goes to the attested one.
func Combine(dpos, attested types.Checkpoint) types.Checkpoint {
	if dpos.Number > attested.Number || len(attested.Hash) == 0 {
		return dpos
	}
	return attested
}
