package tipstate

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/hybridchain/hybridchain/internal/store"
	"github.com/hybridchain/hybridchain/libs/log"
	"github.com/hybridchain/hybridchain/types"
)

type confirmedRules struct {
	vals *types.ValidatorSet
}

func (r confirmedRules) Roster(*types.Header) (*types.ValidatorSet, error) {
	return r.vals, nil
}

func (r confirmedRules) Irreversible(st *TipState) (types.Checkpoint, error) {
	return st.Confirmed, nil
}

type managerEnv struct {
	m       *Manager
	headers *store.HeaderStore
	vals    *types.ValidatorSet
	main    []*types.Header // main[i] is at height i
}

func newManagerEnv(t *testing.T, cacheSize int) *managerEnv {
	t.Helper()
	vals := makeValidators(t, 3)
	headers, err := store.NewHeaderStore(dbm.NewMemDB(), 32, log.TestingLogger())
	require.NoError(t, err)
	require.NoError(t, headers.CreateGenesis(genesisHeader))

	m, err := NewManager(headers, confirmedRules{vals: vals}, genesisHeader, cacheSize, log.TestingLogger())
	require.NoError(t, err)

	env := &managerEnv{m: m, headers: headers, vals: vals, main: []*types.Header{genesisHeader}}
	env.main = append(env.main, env.fork(t, genesisHeader, 6, "main")...)
	return env
}

// fork stores n rotating-producer headers on top of parent.
func (env *managerEnv) fork(t *testing.T, parent *types.Header, n int, salt string) []*types.Header {
	t.Helper()
	out := make([]*types.Header, 0, n)
	for i := 0; i < n; i++ {
		h := nextHeader(parent, env.vals.GetByIndex(int(parent.Number+1)%3).Address, salt)
		require.NoError(t, env.headers.SaveHeader(h))
		out = append(out, h)
		parent = h
	}
	return out
}

func TestManagerUpdateBest(t *testing.T) {
	env := newManagerEnv(t, 16)
	assert.Equal(t, genesisHeader.Checkpoint(), env.m.Irreversible())

	st, err := env.m.UpdateBest(env.main[6])
	require.NoError(t, err)
	assert.Equal(t, env.main[3].Checkpoint(), st.Irreversible)

	best := env.m.Best()
	assert.Equal(t, env.main[6].Hash(), best.Tip.Hash())
	assert.Equal(t, env.main[3].Checkpoint(), env.m.Irreversible())

	// callers own their copies
	best.LastProduced["mutated"] = 1
	assert.NotContains(t, env.m.Best().LastProduced, "mutated")

	// again is served from the cache
	again, err := env.m.ReconstructFor(env.main[6])
	require.NoError(t, err)
	assert.Equal(t, st.Irreversible, again.Irreversible)
}

func TestManagerReconstructFork(t *testing.T) {
	env := newManagerEnv(t, 16)
	_, err := env.m.UpdateBest(env.main[6])
	require.NoError(t, err)

	side := env.fork(t, env.main[4], 2, "side")
	st, err := env.m.ReconstructFor(side[1])
	require.NoError(t, err)
	assert.Equal(t, side[1].Hash(), st.Tip.Hash())
	assert.True(t, st.Irreversible.Number >= 3)
}

func TestManagerReconstructBelowIrreversible(t *testing.T) {
	env := newManagerEnv(t, 16)

	// cached before the irreversible point moved past the fork
	early := env.fork(t, env.main[1], 2, "early")
	_, err := env.m.ReconstructFor(early[1])
	require.NoError(t, err)

	_, err = env.m.UpdateBest(env.main[6])
	require.NoError(t, err)

	late := env.fork(t, early[1], 1, "early")
	_, err = env.m.ReconstructFor(late[0])
	var below types.ErrBelowIrreversible
	require.ErrorAs(t, err, &below)
	assert.EqualValues(t, 3, below.Irreversible)
	assert.ErrorIs(t, err, types.ErrInvalidParam)

	// the same fork without anything cached
	env.m.Evict(early[0].Hash())
	env.m.Evict(early[1].Hash())
	_, err = env.m.ReconstructFor(late[0])
	assert.ErrorAs(t, err, &below)

	_, err = env.m.UpdateBest(late[0])
	assert.ErrorAs(t, err, &below)
	assert.Equal(t, env.main[6].Hash(), env.m.Best().Tip.Hash())
}

func TestManagerSeedsAtIrreversible(t *testing.T) {
	env := newManagerEnv(t, 16)
	_, err := env.m.UpdateBest(env.main[6])
	require.NoError(t, err)

	misses := 0
	env.m.OnCacheMiss(func() { misses++ })
	for _, h := range env.main {
		env.m.Evict(h.Hash())
	}

	// forks right at the irreversible point are still fine
	side := env.fork(t, env.main[3], 3, "side")
	st, err := env.m.ReconstructFor(side[2])
	require.NoError(t, err)
	assert.Equal(t, env.main[3].Checkpoint(), st.Irreversible)
	assert.Equal(t, 1, misses)

	// the canonical state stays reachable under its tip
	best, err := env.m.ReconstructFor(env.main[6])
	require.NoError(t, err)
	assert.Equal(t, env.main[6].Hash(), best.Tip.Hash())
	assert.Equal(t, 1, misses)
}

func TestManagerExtend(t *testing.T) {
	env := newManagerEnv(t, 16)
	best, err := env.m.UpdateBest(env.main[6])
	require.NoError(t, err)

	next := env.fork(t, env.main[6], 1, "main")[0]
	misses := 0
	env.m.OnCacheMiss(func() { misses++ })

	st, err := env.m.Extend(best, next)
	require.NoError(t, err)
	assert.Equal(t, next.Hash(), st.Tip.Hash())
	assert.Equal(t, env.main[4].Checkpoint(), st.Irreversible)
	assert.Equal(t, env.main[6].Hash(), best.Tip.Hash(), "parent state is not modified")

	// the extended state is cached
	again, err := env.m.ReconstructFor(next)
	require.NoError(t, err)
	assert.Equal(t, st.Irreversible, again.Irreversible)
	assert.Zero(t, misses)

	// a header that does not extend the parent state is rejected
	side := env.fork(t, env.main[4], 1, "side")[0]
	_, err = env.m.Extend(best, side)
	assert.Error(t, err)
}

func TestManagerCompareIrreversibility(t *testing.T) {
	env := newManagerEnv(t, 16)
	side := env.fork(t, env.main[4], 2, "side")

	c, err := env.m.CompareIrreversibility(env.main[6], env.main[5])
	require.NoError(t, err)
	assert.Equal(t, 1, c)

	c, err = env.m.CompareIrreversibility(env.main[5], env.main[6])
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	c, err = env.m.CompareIrreversibility(side[1], env.main[6])
	require.NoError(t, err)
	assert.Equal(t, 0, c)

	producer := env.vals.GetByIndex(0).Address
	orphan := nextHeader(nextHeader(env.main[6], producer, "x"), producer, "y")
	_, err = env.m.CompareIrreversibility(orphan, env.main[6])
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestManagerConcurrentReaders(t *testing.T) {
	env := newManagerEnv(t, 4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := env.main[3+i%4]
			st, err := env.m.ReconstructFor(h)
			assert.NoError(t, err)
			assert.Equal(t, h.Hash(), st.Tip.Hash())
			_ = env.m.Best()
		}(i)
	}
	_, err := env.m.UpdateBest(env.main[6])
	require.NoError(t, err)
	wg.Wait()
}
