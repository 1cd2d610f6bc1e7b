package consensus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/go-kit/kit/metrics/generic"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/hybridchain/hybridchain/config"
	"github.com/hybridchain/hybridchain/crypto"
	"github.com/hybridchain/hybridchain/crypto/ed25519"
	tmbytes "github.com/hybridchain/hybridchain/libs/bytes"
	"github.com/hybridchain/hybridchain/internal/p2p"
	"github.com/hybridchain/hybridchain/internal/store"
	"github.com/hybridchain/hybridchain/libs/log"
	"github.com/hybridchain/hybridchain/types"
)

const genesisTime = int64(1600000000)

func makeKeys(n int) []crypto.PrivKey {
	keys := make([]crypto.PrivKey, n)
	for i := range keys {
		keys[i] = ed25519.GenPrivKeyFromSecret([]byte(fmt.Sprintf("validator-%d", i)))
	}
	return keys
}

func makeGenesis(t *testing.T, keys []crypto.PrivKey) *types.GenesisDoc {
	t.Helper()
	authority := ed25519.GenPrivKeyFromSecret([]byte("authority"))
	genDoc := &types.GenesisDoc{
		ChainID:     "test-chain",
		GenesisTime: time.Unix(genesisTime, 0).UTC(),
		Authority:   authority.PubKey().Bytes(),
	}
	for i, k := range keys {
		genDoc.Validators = append(genDoc.Validators, types.GenesisValidator{
			PubKey: k.PubKey().Bytes(),
			Weight: 10,
			Name:   fmt.Sprintf("val%d", i),
		})
	}
	require.NoError(t, genDoc.ValidateAndComplete())
	return genDoc
}

func testConfig(protocol string) *config.ConsensusConfig {
	cfg := config.TestConsensusConfig()
	cfg.Protocol = protocol
	cfg.ViewTimeout = time.Minute
	cfg.ProducerTimeout = time.Hour
	cfg.EventQueueSize = 256
	return cfg
}

func startEngine(t *testing.T, e *Engine) func() {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
	return func() { require.NoError(t, e.Stop()) }
}

// child builds a valid header on top of parent at ts, signed by whoever is
// due according to e.
func child(t *testing.T, e *Engine, keys []crypto.PrivKey, parent *types.Header, ts int64) *types.Header {
	t.Helper()
	h := &types.Header{Number: parent.Number + 1, PrevHash: parent.Hash(), Timestamp: ts}
	due, err := e.Policy().DueProducer(h)
	require.NoError(t, err)
	h.Producer = due.Address
	stateHash, err := NewChainExecutor().StateHash(parent, h)
	require.NoError(t, err)
	h.StateHash = stateHash
	require.NoError(t, h.Sign(keyOf(t, keys, due.Address)))
	return h
}

func keyOf(t *testing.T, keys []crypto.PrivKey, address crypto.Address) crypto.PrivKey {
	t.Helper()
	for _, k := range keys {
		if k.PubKey().Address().Equal(address) {
			return k
		}
	}
	t.Fatalf("no key for %v", address)
	return nil
}

func TestEngineSingleProducer(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	keys := makeKeys(1)
	genDoc := makeGenesis(t, keys)
	cfg := testConfig(config.ProtocolDPoS)
	cfg.BlockInterval = 3 * time.Second
	db := dbm.NewMemDB()

	e, err := NewEngine(cfg, genDoc, db, log.TestingLogger(), EngineProducerKey(keys[0]))
	require.NoError(t, err)
	stop := startEngine(t, e)

	// each block opens its slot, which runs until genesisTime+3*i
	var last *types.Header
	for i := int64(1); i <= 12; i++ {
		res, err := e.Propose(ctx, genesisTime+3*i-2)
		require.NoError(t, err)
		require.Equal(t, types.CodeOK, res.Code, "%v", res.Err)
		require.EqualValues(t, i, res.Header.Number)
		last = res.Header
	}

	// a lone producer finalizes its own blocks
	assert.Equal(t, last.Hash(), e.Best().Tip.Hash())
	assert.Equal(t, last.Checkpoint(), e.Irreversible())

	// same slot as the tip
	res, err := e.Propose(ctx, last.Timestamp+1)
	require.NoError(t, err)
	assert.Equal(t, types.CodeNotDue, res.Code)

	res, err = e.Propose(ctx, last.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, types.CodeBadTimestamp, res.Code)

	// height 9 closed the first epoch
	h9, err := e.Headers().GetHeader(store.AtHeight(9))
	require.NoError(t, err)
	roster, err := e.Elections().RosterByHash(h9.Header.Hash())
	require.NoError(t, err)
	assert.EqualValues(t, 9, roster.Height)

	stop()

	// the best chain survives a restart
	e2, err := NewEngine(cfg, genDoc, db, log.TestingLogger())
	require.NoError(t, err)
	assert.Equal(t, last.Hash(), e2.Best().Tip.Hash())
	assert.Equal(t, last.Checkpoint(), e2.Irreversible())

	stop2 := startEngine(t, e2)
	res, err = e2.Propose(ctx, last.Timestamp+3)
	require.NoError(t, err)
	assert.Equal(t, types.CodeNotDue, res.Code)
	assert.ErrorIs(t, res.Err, ErrNotProducer)
	stop2()
}

func TestEngineVerifyRejections(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	keys := makeKeys(3)
	e, err := NewEngine(testConfig(config.ProtocolDPoS), makeGenesis(t, keys), dbm.NewMemDB(), log.TestingLogger())
	require.NoError(t, err)
	defer startEngine(t, e)()

	genesis := e.Best().Tip
	h1 := child(t, e, keys, genesis, genesisTime+1)

	verify := func(h *types.Header) VerifyResult {
		t.Helper()
		res, err := e.Verify(ctx, h)
		require.NoError(t, err)
		return res
	}

	t.Run("unknown parent", func(t *testing.T) {
		h := h1.Copy()
		h.PrevHash = crypto.Checksum([]byte("nowhere"))
		assert.Equal(t, types.CodeUnknownParent, verify(h).Code)
	})

	t.Run("bad producer", func(t *testing.T) {
		h := h1.Copy()
		other := keys[0]
		if other.PubKey().Address().Equal(h1.Producer) {
			other = keys[1]
		}
		h.Producer = other.PubKey().Address()
		h.Signatures = nil
		require.NoError(t, h.Sign(other))
		assert.Equal(t, types.CodeBadProducer, verify(h).Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		h := h1.Copy()
		h.Signatures = nil
		other := keys[0]
		if other.PubKey().Address().Equal(h1.Producer) {
			other = keys[1]
		}
		require.NoError(t, h.Sign(other))
		assert.Equal(t, types.CodeBadSignatures, verify(h).Code)
	})

	t.Run("bad timestamp", func(t *testing.T) {
		h := h1.Copy()
		h.Timestamp = genesisTime
		h.Signatures = nil
		require.NoError(t, h.Sign(keyOf(t, keys, h.Producer)))
		assert.Equal(t, types.CodeBadTimestamp, verify(h).Code)
	})

	t.Run("bad state hash", func(t *testing.T) {
		h := h1.Copy()
		h.StateHash = crypto.Checksum([]byte("other state"))
		h.Signatures = nil
		require.NoError(t, h.Sign(keyOf(t, keys, h.Producer)))
		assert.Equal(t, types.CodeBadStateHash, verify(h).Code)
	})

	res := verify(h1)
	require.Equal(t, types.CodeOK, res.Code, "%v", res.Err)
	assert.True(t, res.BestChanged)

	res = verify(h1)
	assert.Equal(t, types.CodeOK, res.Code)
	assert.False(t, res.BestChanged)

	// three rotating producers confirm height n-3
	main := []*types.Header{genesis, h1}
	for i := int64(2); i <= 6; i++ {
		h := child(t, e, keys, main[len(main)-1], genesisTime+i)
		require.Equal(t, types.CodeOK, verify(h).Code)
		main = append(main, h)
	}
	assert.Equal(t, main[3].Checkpoint(), e.Irreversible())

	fork := child(t, e, keys, main[1], genesisTime+20)
	res = verify(fork)
	assert.Equal(t, types.CodeBelowIrreversible, res.Code)
	var below types.ErrBelowIrreversible
	assert.ErrorAs(t, res.Err, &below)
}

func TestEngineReorg(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	keys := makeKeys(3)
	reorgs := generic.NewCounter("reorgs")
	metrics := NopMetrics()
	metrics.Reorgs = reorgs

	e, err := NewEngine(testConfig(config.ProtocolDPoS), makeGenesis(t, keys), dbm.NewMemDB(),
		log.TestingLogger(), EngineMetrics(metrics))
	require.NoError(t, err)
	defer startEngine(t, e)()

	genesis := e.Best().Tip
	importAll := func(parent *types.Header, timestamps ...int64) []*types.Header {
		var out []*types.Header
		for _, ts := range timestamps {
			h := child(t, e, keys, parent, ts)
			res, err := e.Verify(ctx, h)
			require.NoError(t, err)
			require.Equal(t, types.CodeOK, res.Code, "%v", res.Err)
			out = append(out, h)
			parent = h
		}
		return out
	}

	a := importAll(genesis, genesisTime+1, genesisTime+2)
	assert.Equal(t, a[1].Hash(), e.Best().Tip.Hash())

	// same height, later slot wins
	b := importAll(genesis, genesisTime+4, genesisTime+5)
	assert.Equal(t, b[1].Hash(), e.Best().Tip.Hash())
	assert.Equal(t, float64(1), reorgs.Value())

	b = append(b, importAll(b[1], genesisTime+6)...)
	assert.Equal(t, b[2].Hash(), e.Best().Tip.Hash())
	assert.Equal(t, float64(1), reorgs.Value())

	chain, err := e.Headers().GetHeaderRange(b[2].Hash(), 4)
	require.NoError(t, err)
	got := make([]tmbytes.HexBytes, len(chain))
	for i, h := range chain {
		got[i] = h.Hash()
	}
	want := []tmbytes.HexBytes{genesis.Hash(), b[0].Hash(), b[1].Hash(), b[2].Hash()}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("best chain mismatch (-want +got):\n%s", diff)
	}

	atOne, err := e.Headers().GetHeader(store.AtHeight(1))
	require.NoError(t, err)
	assert.Equal(t, b[0].Hash(), atOne.Header.Hash())
}

func TestEngineRejectsAttestationsOutsideHybrid(t *testing.T) {
	defer leaktest.Check(t)()

	keys := makeKeys(3)
	e, err := NewEngine(testConfig(config.ProtocolDPoS), makeGenesis(t, keys), dbm.NewMemDB(), log.TestingLogger())
	require.NoError(t, err)
	defer startEngine(t, e)()

	a, err := types.NewAttestation(e.Best().Tip.Checkpoint(), keys[0])
	require.NoError(t, err)
	err = e.AddAttestation(context.Background(), a)
	assert.ErrorIs(t, err, types.ErrInvalidParam)
}

func TestEngineBadConfig(t *testing.T) {
	cfg := testConfig("pow")
	_, err := NewEngine(cfg, makeGenesis(t, makeKeys(1)), dbm.NewMemDB(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidParam)
}

func TestEngineReceiveDropsGarbage(t *testing.T) {
	defer leaktest.Check(t)()

	keys := makeKeys(1)
	e, err := NewEngine(testConfig(config.ProtocolDPoS), makeGenesis(t, keys), dbm.NewMemDB(), log.TestingLogger())
	require.NoError(t, err)
	defer startEngine(t, e)()

	e.Receive(p2p.Envelope{From: "x", ChannelID: BlockChannel, Message: []byte{0xff}})
	e.Receive(p2p.Envelope{From: "x", ChannelID: 0x99, Message: nil})
	assert.EqualValues(t, 0, e.Best().Number())
}

func TestEngineCarriesRegistryOps(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	keys := makeKeys(1)
	e, err := NewEngine(testConfig(config.ProtocolDPoS), makeGenesis(t, keys), dbm.NewMemDB(),
		log.TestingLogger(), EngineProducerKey(keys[0]))
	require.NoError(t, err)
	defer startEngine(t, e)()

	authority := ed25519.GenPrivKeyFromSecret([]byte("authority"))
	joiner := ed25519.GenPrivKeyFromSecret([]byte("joiner")).PubKey()
	op := types.NewRegisterOp(joiner, 50)
	require.NoError(t, op.Sign(authority))

	forged := types.NewRegisterOp(joiner, 50)
	require.NoError(t, forged.Sign(keys[0]))
	assert.ErrorIs(t, e.SubmitRegistryOp(forged), types.ErrInvalidParam)
	require.NoError(t, e.SubmitRegistryOp(op))

	res, err := e.Propose(ctx, genesisTime+1)
	require.NoError(t, err)
	require.Equal(t, types.CodeOK, res.Code, "%v", res.Err)
	require.Len(t, res.Header.Registry, 1)
	assert.Empty(t, e.Elections().PendingOps(-1), "included ops leave the queue")

	// not in effect before the epoch closes
	cands, err := e.Elections().Candidates(res.Header)
	require.NoError(t, err)
	assert.Len(t, cands, 1)

	for i := int64(2); i <= 9; i++ {
		res, err = e.Propose(ctx, genesisTime+i)
		require.NoError(t, err)
		require.Equal(t, types.CodeOK, res.Code, "%v", res.Err)
		assert.Empty(t, res.Header.Registry)
	}
	roster, err := e.Elections().RosterByHash(res.Header.Hash())
	require.NoError(t, err)
	require.Len(t, roster.Candidates, 2)
	found := false
	for _, c := range roster.Candidates {
		found = found || c.Address.Equal(joiner.Address())
	}
	assert.True(t, found)
}

func TestEngineRejectsForgedRegistryOps(t *testing.T) {
	defer leaktest.Check(t)()

	keys := makeKeys(3)
	e, err := NewEngine(testConfig(config.ProtocolDPoS), makeGenesis(t, keys), dbm.NewMemDB(), log.TestingLogger())
	require.NoError(t, err)
	defer startEngine(t, e)()

	genesis := e.Best().Tip
	h := &types.Header{Number: 1, PrevHash: genesis.Hash(), Timestamp: genesisTime + 1}
	due, err := e.Policy().DueProducer(h)
	require.NoError(t, err)
	h.Producer = due.Address
	op := types.NewRegisterOp(ed25519.GenPrivKeyFromSecret([]byte("joiner")).PubKey(), 50)
	require.NoError(t, op.Sign(keyOf(t, keys, due.Address)))
	h.Registry = []types.RegistryOp{op}
	h.StateHash, err = NewChainExecutor().StateHash(genesis, h)
	require.NoError(t, err)
	require.NoError(t, h.Sign(keyOf(t, keys, due.Address)))

	res, err := e.Verify(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, types.CodeInvalidParam, res.Code)
	_, err = e.Headers().GetHeader(store.ByHash(h.Hash()))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// A header stored by an import that failed before verification is finished
// by the next import of it, together with stored descendants.
func TestEngineFinishesUnverifiedImport(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	keys := makeKeys(3)
	e, err := NewEngine(testConfig(config.ProtocolDPoS), makeGenesis(t, keys), dbm.NewMemDB(), log.TestingLogger())
	require.NoError(t, err)
	defer startEngine(t, e)()

	genesis := e.Best().Tip
	h1 := child(t, e, keys, genesis, genesisTime+1)
	require.NoError(t, e.Headers().SaveHeader(h1))
	h2 := child(t, e, keys, h1, genesisTime+2)
	require.NoError(t, e.Headers().SaveHeader(h2))

	res, err := e.Verify(ctx, h1)
	require.NoError(t, err)
	require.Equal(t, types.CodeOK, res.Code, "%v", res.Err)
	assert.True(t, res.BestChanged)

	for _, h := range []*types.Header{h1, h2} {
		info, err := e.Headers().GetHeader(store.ByHash(h.Hash()))
		require.NoError(t, err)
		assert.Equal(t, types.StatusVerified, info.Status, "height %d", h.Number)
	}
	assert.Equal(t, []byte(h2.Hash()), e.Best().Hash())
}

func TestEngineMarksInvalidOnlyOnRuleViolations(t *testing.T) {
	keys := makeKeys(3)
	e, err := NewEngine(testConfig(config.ProtocolDPoS), makeGenesis(t, keys), dbm.NewMemDB(), log.TestingLogger())
	require.NoError(t, err)

	h1 := child(t, e, keys, e.Best().Tip, genesisTime+1)
	require.NoError(t, e.Headers().SaveHeader(h1))
	status := func() types.HeaderStatus {
		info, err := e.Headers().GetHeader(store.ByHash(h1.Hash()))
		require.NoError(t, err)
		return info.Status
	}

	e.rejectStored(h1, types.Exceptionf("disk full"))
	assert.Equal(t, types.StatusNotVerified, status())
	e.rejectStored(h1, types.NotFoundf("roster"))
	assert.Equal(t, types.StatusNotVerified, status())

	e.rejectStored(h1, types.ErrBelowIrreversible{Number: 1, Irreversible: 2})
	assert.Equal(t, types.StatusInvalid, status())
}

func TestEngineNextTurn(t *testing.T) {
	keys := makeKeys(3)
	genDoc := makeGenesis(t, keys)

	e, err := NewEngine(testConfig(config.ProtocolDPoS), genDoc, dbm.NewMemDB(), log.TestingLogger(),
		EngineProducerKey(keys[1]))
	require.NoError(t, err)

	slot, ok := e.NextTurn(genesisTime)
	require.True(t, ok)
	assert.Greater(t, slot, genesisTime)
	assert.LessOrEqual(t, slot, genesisTime+3)
	due, err := e.Policy().DueProducer(&types.Header{Number: 1, PrevHash: e.Best().Hash(), Timestamp: slot})
	require.NoError(t, err)
	assert.Equal(t, keys[1].PubKey().Address(), due.Address)

	watcher, err := NewEngine(testConfig(config.ProtocolDPoS), genDoc, dbm.NewMemDB(), log.TestingLogger())
	require.NoError(t, err)
	_, ok = watcher.NextTurn(genesisTime)
	assert.False(t, ok, "no producer key")

	outsider, err := NewEngine(testConfig(config.ProtocolDPoS), genDoc, dbm.NewMemDB(), log.TestingLogger(),
		EngineProducerKey(ed25519.GenPrivKeyFromSecret([]byte("outsider"))))
	require.NoError(t, err)
	_, ok = outsider.NextTurn(genesisTime)
	assert.False(t, ok, "not on the roster")

	bft, err := NewEngine(testConfig(config.ProtocolBFT), genDoc, dbm.NewMemDB(), log.TestingLogger(),
		EngineProducerKey(keys[1]))
	require.NoError(t, err)
	_, ok = bft.NextTurn(genesisTime)
	assert.False(t, ok, "turns follow views")
}

func TestHybridAttestsConfirmedCheckpoint(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()

	keys := makeKeys(3)
	e, err := NewEngine(testConfig(config.ProtocolHybrid), makeGenesis(t, keys), dbm.NewMemDB(),
		log.TestingLogger(), EngineProducerKey(keys[0]))
	require.NoError(t, err)
	defer startEngine(t, e)()

	main := []*types.Header{e.Best().Tip}
	for i := int64(1); i <= 6; i++ {
		h := child(t, e, keys, main[len(main)-1], genesisTime+i)
		res, err := e.Verify(ctx, h)
		require.NoError(t, err)
		require.Equal(t, types.CodeOK, res.Code, "%v", res.Err)
		main = append(main, h)
	}

	best := e.Best()
	require.Equal(t, main[3].Checkpoint(), best.Confirmed)
	tracker := e.Policy().(*Hybrid).Tracker()
	atts := tracker.Attestations()
	require.Len(t, atts, 1)
	assert.Equal(t, best.Confirmed, atts[0].Checkpoint, "attests the confirmed point, not the tip")
	assert.False(t, tracker.ShouldBroadcast(3))

	// attestations count only from the roster at the attested header
	stranger, err := types.NewAttestation(main[6].Checkpoint(), ed25519.GenPrivKeyFromSecret([]byte("stranger")))
	require.NoError(t, err)
	assert.ErrorIs(t, e.AddAttestation(ctx, stranger), types.ErrInvalidParam)

	peer, err := types.NewAttestation(main[3].Checkpoint(), keys[1])
	require.NoError(t, err)
	require.NoError(t, e.AddAttestation(ctx, peer))
	assert.Equal(t, main[3].Checkpoint(), tracker.Irreversible())
}
