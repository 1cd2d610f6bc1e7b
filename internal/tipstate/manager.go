package tipstate

import (
	"bytes"

	lru "github.com/hashicorp/golang-lru"

	"github.com/hybridchain/hybridchain/internal/store"
	"github.com/hybridchain/hybridchain/libs/log"
	tmsync "github.com/hybridchain/hybridchain/libs/sync"
	"github.com/hybridchain/hybridchain/types"
)

// Rules plug the protocol into the manager.
type Rules interface {
	// Roster returns the producers governing h.
	Roster(h *types.Header) (*types.ValidatorSet, error)
	// Irreversible returns the irreversible point of st's branch, starting
	// from st.Confirmed and adding whatever finality the protocol has.
	Irreversible(st *TipState) (types.Checkpoint, error)
}

// HeaderSource is the header chain the manager replays from.
type HeaderSource interface {
	GetHeader(store.Selector) (store.HeaderInfo, error)
}

// Manager owns the canonical TipState and a bounded cache of the states of
// other branch tips.
type Manager struct {
	headers HeaderSource
	rules   Rules
	logger  log.Logger

	mtx  tmsync.RWMutex
	best *TipState

	cache *lru.Cache // tip hash -> *TipState

	// counts cache misses for metrics
	misses func()
}

// NewManager returns a manager whose canonical state is seeded at root.
func NewManager(headers HeaderSource, rules Rules, root *types.Header, cacheSize int, logger log.Logger) (*Manager, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := &Manager{
		headers: headers,
		rules:   rules,
		logger:  logger.With("module", "tipstate"),
		best:    Seed(root),
		cache:   cache,
		misses:  func() {},
	}
	m.cache.Add(string(root.Hash()), m.best.Clone())
	return m, nil
}

// OnCacheMiss registers a hook called whenever a state has to be replayed.
func (m *Manager) OnCacheMiss(fn func()) {
	m.misses = fn
}

// Best returns a copy of the canonical TipState.
func (m *Manager) Best() *TipState {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.best.Clone()
}

// Irreversible returns the canonical irreversible point.
func (m *Manager) Irreversible() types.Checkpoint {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return copyCheckpoint(m.best.Irreversible)
}

// ReconstructFor returns the TipState of the branch ending at h, which must
// be stored. It replays from the nearest cached ancestor, or seeds a fresh
// state at the canonical irreversible point. A branch that does not
// contain the canonical irreversible point is rejected with
// types.ErrBelowIrreversible.
func (m *Manager) ReconstructFor(h *types.Header) (*TipState, error) {
	irr := m.Irreversible()
	st, err := m.reconstruct(h, irr)
	if err != nil {
		return nil, err
	}
	if err := m.checkContains(h, st, irr); err != nil {
		return nil, err
	}
	st.Lift(irr)
	return st, nil
}

func (m *Manager) reconstruct(h *types.Header, irr types.Checkpoint) (*TipState, error) {
	if st, ok := m.lookup(h.Hash()); ok {
		return st, nil
	}
	m.misses()

	var (
		base   *TipState
		suffix []*types.Header
		cur    = h
	)
	for {
		if st, ok := m.lookup(cur.Hash()); ok {
			base = st
			break
		}
		if cur.Number <= irr.Number {
			if cur.Number == irr.Number && bytes.Equal(cur.Hash(), irr.Hash) {
				base = Seed(cur)
				break
			}
			return nil, types.ErrBelowIrreversible{Number: h.Number, Irreversible: irr.Number}
		}
		suffix = append(suffix, cur)
		parent, err := m.headers.GetHeader(store.ByHash(cur.PrevHash))
		if err != nil {
			return nil, err
		}
		cur = parent.Header
	}

	for i := len(suffix) - 1; i >= 0; i-- {
		if err := m.advance(base, suffix[i]); err != nil {
			return nil, err
		}
		m.cache.Add(string(suffix[i].Hash()), base.Clone())
	}
	return base, nil
}

// checkContains verifies that the branch of h holds the canonical
// irreversible point. Cached states may predate its last move.
func (m *Manager) checkContains(h *types.Header, st *TipState, irr types.Checkpoint) error {
	if st.Irreversible.Number == irr.Number && bytes.Equal(st.Irreversible.Hash, irr.Hash) {
		return nil
	}
	below := types.ErrBelowIrreversible{Number: h.Number, Irreversible: irr.Number}
	if h.Number < irr.Number {
		return below
	}
	onBranch, err := m.headers.GetHeader(store.AtHeightOn(irr.Number, h.Hash()))
	if err != nil {
		return err
	}
	if !bytes.Equal(onBranch.Header.Hash(), irr.Hash) {
		return below
	}
	return nil
}

func (m *Manager) lookup(hash []byte) (*TipState, bool) {
	if v, ok := m.cache.Get(string(hash)); ok {
		return v.(*TipState).Clone(), true
	}
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	if bytes.Equal(m.best.Hash(), hash) {
		return m.best.Clone(), true
	}
	return nil, false
}

func (m *Manager) advance(st *TipState, h *types.Header) error {
	vals, err := m.rules.Roster(h)
	if err != nil {
		return err
	}
	if err := st.Advance(h, vals); err != nil {
		return err
	}
	cp, err := m.rules.Irreversible(st)
	if err != nil {
		return err
	}
	st.Lift(cp)
	return nil
}

// Extend advances a copy of parent by h and caches the result. It is the
// fast path for a header that builds on a state the caller already holds.
func (m *Manager) Extend(parent *TipState, h *types.Header) (*TipState, error) {
	st := parent.Clone()
	if err := m.advance(st, h); err != nil {
		return nil, err
	}
	m.cache.Add(string(h.Hash()), st.Clone())
	return st, nil
}

// CompareIrreversibility returns +1 if the branch ending at a has a higher
// irreversible height than the one ending at b, -1 if lower and 0 if equal.
// Both headers must be stored.
func (m *Manager) CompareIrreversibility(a, b *types.Header) (int, error) {
	sa, err := m.ReconstructFor(a)
	if err != nil {
		return 0, err
	}
	sb, err := m.ReconstructFor(b)
	if err != nil {
		return 0, err
	}
	return cmpInt64(sa.Irreversible.Number, sb.Irreversible.Number), nil
}

// UpdateBest reconstructs the state for h and installs it as canonical.
// The canonical irreversible point never moves down.
func (m *Manager) UpdateBest(h *types.Header) (*TipState, error) {
	st, err := m.ReconstructFor(h)
	if err != nil {
		return nil, err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if st.Irreversible.Number < m.best.Irreversible.Number {
		return nil, types.ErrBelowIrreversible{Number: h.Number, Irreversible: m.best.Irreversible.Number}
	}
	if st.Irreversible.Number > m.best.Irreversible.Number {
		m.logger.Info("irreversible moved", "checkpoint", st.Irreversible)
	}
	m.best = st.Clone()
	m.cache.Add(string(st.Hash()), st.Clone())
	return st, nil
}

// RefreshBest re-applies the protocol's finality to the canonical state,
// e.g. after new attestations arrived, and returns the updated copy.
func (m *Manager) RefreshBest() (*TipState, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cp, err := m.rules.Irreversible(m.best)
	if err != nil {
		return nil, err
	}
	m.best.Lift(cp)
	m.cache.Add(string(m.best.Hash()), m.best.Clone())
	return m.best.Clone(), nil
}

// Evict drops the cached state of hash, e.g. once its header is invalid.
// The canonical state is never evicted.
func (m *Manager) Evict(hash []byte) {
	m.cache.Remove(string(hash))
}

// CacheLen returns the number of cached branch states.
func (m *Manager) CacheLen() int {
	return m.cache.Len()
}
